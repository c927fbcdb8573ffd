// Package cli — интерактивная консоль администратора сервиса.
// Сервис стартует фоном вместе с serve, читает команды через readline (pr) и
// выполняет их через commands.Executor: каталог расширений, доступ, пользователи,
// сводка и журнал. Start/Stop идемпотентны.
package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"kingtg-userbot/internal/domain/commands"
	"kingtg-userbot/internal/domain/plugins"
	"kingtg-userbot/internal/infra/logger"
	"kingtg-userbot/internal/infra/pr"
)

// commandDescriptor описывает одну команду консоли: имя, аргументы и описание для help.
type commandDescriptor struct {
	name        string
	args        string
	description string
}

// commandDescriptors — реестр команд. Имена совпадают с кейсами в Handle.
var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands"},
	{name: "plugins", description: "List catalog entries"},
	{name: "show", args: "<plugin>", description: "Show a catalog entry and users that have it loaded"},
	{name: "add", args: "<path> [public]", description: "Register a plugin source file"},
	{name: "delete", args: "<plugin>", description: "Unload a plugin everywhere and remove it"},
	{name: "enable", args: "<plugin>", description: "Clear the disabled flag"},
	{name: "disable", args: "<plugin>", description: "Disable a plugin and unload it for all users"},
	{name: "public", args: "<plugin>", description: "Make a plugin public"},
	{name: "private", args: "<plugin>", description: "Make a plugin private (unloads it outside the allow-list)"},
	{name: "allow", args: "<plugin> <user>", description: "Add a user to the allow-list"},
	{name: "revoke", args: "<plugin> <user>", description: "Remove a user from the allow-list"},
	{name: "restrict", args: "<plugin> <user>", description: "Deny a plugin to a user"},
	{name: "unrestrict", args: "<plugin> <user>", description: "Lift a plugin restriction"},
	{name: "force", args: "<plugin> on|off", description: "Force-activate a plugin for every logged-in user"},
	{name: "reload", args: "<plugin>", description: "Reload a plugin for users that have it loaded"},
	{name: "ban", args: "<user> [reason]", description: "Ban a user"},
	{name: "unban", args: "<user>", description: "Unban a user"},
	{name: "sudo", args: "<user> on|off", description: "Grant or revoke sudo"},
	{name: "user", args: "<action> <user> [...]", description: "Per-user actions, see below"},
	{name: "stats", description: "Show service counters"},
	{name: "logs", args: "[limit] [kind]", description: "Show recent log entries"},
	{name: "exit", description: "Stop the console and terminate the service"},
}

// userActions — подкоманды user, печатаются в help после основного списка.
var userActions = []commandDescriptor{
	{name: "enable", args: "<user> <plugin>", description: "Enable a plugin for the user"},
	{name: "disable", args: "<user> <plugin>", description: "Disable a plugin for the user"},
	{name: "plugins", args: "<user>", description: "Show the user's plugin sets"},
	{name: "connect", args: "<user> [keep]", description: "Bring the user's client up, keep = always-on"},
	{name: "logout", args: "<user> [terminate] [keep-data]", description: "Log the user out"},
	{name: "session", args: "<user> <blob> [variant]", description: "Log the user in with a session string"},
}

// errUsage — неверные аргументы команды.
var errUsage = errors.New("usage")

// Service инкапсулирует консоль и интегрируется в lifecycle приложения.
type Service struct {
	exec      commands.Executor
	stopApp   context.CancelFunc
	out       io.Writer
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

// NewService создаёт консоль. stopApp вызывается командой exit; out == nil — вывод pr.
func NewService(exec commands.Executor, stopApp context.CancelFunc, out io.Writer) *Service {
	return &Service{exec: exec, stopApp: stopApp, out: out}
}

// Start запускает цикл чтения команд в отдельной горутине.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Go(func() { s.run(runCtx) })
	})
}

// Stop прерывает readline, отменяет цикл и дожидается его выхода.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		pr.Close()
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

func (s *Service) run(ctx context.Context) {
	logger.Debug("Console started")
	s.println("Console ready. Type 'help' for commands.")
	for ctx.Err() == nil {
		line, err := pr.ReadLine("> ")
		if err != nil {
			logger.Debug("Console input closed", zap.Error(err))
			return
		}
		if s.Handle(ctx, line) {
			return
		}
	}
}

// Handle выполняет одну строку команды. Возвращает true, если команда завершает консоль.
func (s *Service) Handle(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	if cmd == "exit" {
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	}
	if err := s.dispatch(ctx, cmd, args); err != nil {
		if errors.Is(err, errUsage) {
			s.printf("usage: %s\n", usageOf(cmd))
			return false
		}
		s.printf("%s: %v\n", cmd, err)
	}
	return false
}

func (s *Service) dispatch(ctx context.Context, cmd string, args []string) error {
	w := s.writer()
	switch cmd {
	case "help":
		for _, l := range buildCommandHelpLines(commandDescriptors) {
			s.println(l)
		}
		for _, d := range userActions {
			s.printf("    user %-30s - %s\n", strings.TrimSpace(d.name+" "+d.args), d.description)
		}
		return nil
	case "plugins":
		list, err := s.exec.ListPlugins(ctx)
		if err != nil {
			return err
		}
		PrintPlugins(w, list)
		return nil
	case "stats":
		st, err := s.exec.Stats(ctx)
		if err != nil {
			return err
		}
		PrintStats(w, st)
		return nil
	case "logs":
		return s.logs(ctx, args)
	case "ban", "unban", "sudo":
		return s.userCommand(ctx, cmd, args)
	case "user":
		return s.userAction(ctx, args)
	case "add":
		if len(args) < 1 {
			return errUsage
		}
		p, err := s.exec.AddPlugin(ctx, args[0], plugins.RegisterOptions{Public: len(args) > 1 && args[1] == "public"})
		if err != nil {
			return err
		}
		s.printf("Plugin %s registered (%d commands)\n", p.Name, len(p.Commands))
		return nil
	}
	return s.pluginCommand(ctx, cmd, args)
}

func (s *Service) pluginCommand(ctx context.Context, cmd string, args []string) error {
	if _, ok := lookup(cmd); !ok {
		s.printf("unknown command: %s\n", cmd)
		return nil
	}
	if len(args) < 1 {
		return errUsage
	}
	name := args[0]
	w := s.writer()

	var (
		res *commands.SweepResult
		err error
	)
	switch cmd {
	case "show":
		var info *commands.PluginResult
		if info, err = s.exec.ShowPlugin(ctx, name); err == nil {
			PrintPlugin(w, info)
		}
		return err
	case "delete":
		res, err = s.exec.DeletePlugin(ctx, name)
	case "enable":
		err = s.exec.EnablePlugin(ctx, name)
	case "disable":
		res, err = s.exec.DisablePlugin(ctx, name)
	case "public", "private":
		res, err = s.exec.SetPublic(ctx, name, cmd == "public")
	case "reload":
		res, err = s.exec.ReloadPlugin(ctx, name)
	case "force":
		if len(args) < 2 {
			return errUsage
		}
		on, perr := parseSwitch(args[1])
		if perr != nil {
			return perr
		}
		res, err = s.exec.SetForceActive(ctx, name, on)
	case "allow", "revoke", "restrict", "unrestrict":
		if len(args) < 2 {
			return errUsage
		}
		userID, perr := parseUserID(args[1])
		if perr != nil {
			return perr
		}
		switch cmd {
		case "allow":
			err = s.exec.AllowUser(ctx, name, userID)
		case "revoke":
			res, err = s.exec.RevokeUser(ctx, name, userID)
		case "restrict":
			res, err = s.exec.RestrictUser(ctx, name, userID)
		default:
			err = s.exec.UnrestrictUser(ctx, name, userID)
		}
	}
	if err != nil {
		return err
	}
	PrintSweep(w, cmd, name, res)
	return nil
}

func (s *Service) userCommand(ctx context.Context, cmd string, args []string) error {
	if len(args) < 1 {
		return errUsage
	}
	userID, err := parseUserID(args[0])
	if err != nil {
		return err
	}
	switch cmd {
	case "ban":
		err = s.exec.Ban(ctx, userID, strings.Join(args[1:], " "))
	case "unban":
		err = s.exec.Unban(ctx, userID)
	case "sudo":
		if len(args) < 2 {
			return errUsage
		}
		on, perr := parseSwitch(args[1])
		if perr != nil {
			return perr
		}
		err = s.exec.SetSudo(ctx, userID, on)
	}
	if err != nil {
		return err
	}
	s.printf("%s %d: done\n", cmd, userID)
	return nil
}

// userAction выполняет "user <action> <user> ...".
func (s *Service) userAction(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errUsage
	}
	action := strings.ToLower(args[0])
	userID, err := parseUserID(args[1])
	if err != nil {
		return err
	}
	rest := args[2:]
	w := s.writer()

	switch action {
	case "enable":
		if len(rest) < 1 {
			return errUsage
		}
		msg, err := s.exec.EnableUserPlugin(ctx, userID, rest[0])
		if err != nil {
			return err
		}
		s.printf("user %d: %s\n", userID, msg)
	case "disable":
		if len(rest) < 1 {
			return errUsage
		}
		changed, err := s.exec.DisableUserPlugin(ctx, userID, rest[0])
		if err != nil {
			return err
		}
		if !changed {
			s.printf("user %d: %s was not enabled\n", userID, rest[0])
			return nil
		}
		s.printf("user %d: %s disabled\n", userID, rest[0])
	case "plugins":
		res, err := s.exec.UserPlugins(ctx, userID)
		if err != nil {
			return err
		}
		PrintUserPlugins(w, res)
	case "connect":
		if err := s.exec.ConnectUser(ctx, userID, hasWord(rest, "keep")); err != nil {
			return err
		}
		s.printf("user %d: connected\n", userID)
	case "logout":
		if err := s.exec.LogoutUser(ctx, userID, hasWord(rest, "terminate"), hasWord(rest, "keep-data")); err != nil {
			return err
		}
		s.printf("user %d: logged out\n", userID)
	case "session":
		if len(rest) < 1 {
			return errUsage
		}
		var variant string
		if len(rest) > 1 {
			variant = rest[1]
		}
		res, err := s.exec.LoginUserSession(ctx, userID, rest[0], variant, true)
		if err != nil {
			return err
		}
		PrintLogin(w, res)
	default:
		return errUsage
	}
	return nil
}

func (s *Service) logs(ctx context.Context, args []string) error {
	limit, kind := defaultLogLimit, ""
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return errUsage
		}
		limit = n
	}
	if len(args) > 1 {
		kind = args[1]
	}
	entries, err := s.exec.Logs(ctx, limit, kind)
	if err != nil {
		return err
	}
	PrintLogs(s.writer(), entries)
	return nil
}

func (s *Service) writer() io.Writer {
	if s.out != nil {
		return s.out
	}
	return pr.Stdout()
}

func (s *Service) println(a ...any) { fmt.Fprintln(s.writer(), a...) }

func (s *Service) printf(format string, a ...any) { fmt.Fprintf(s.writer(), format, a...) }

func lookup(name string) (commandDescriptor, bool) {
	for _, d := range commandDescriptors {
		if d.name == name {
			return d, true
		}
	}
	return commandDescriptor{}, false
}

func usageOf(name string) string {
	d, _ := lookup(name)
	return strings.TrimSpace(d.name + " " + d.args)
}

// buildCommandHelpLines генерирует строки помощи вида "<name> <args> - <description>".
func buildCommandHelpLines(descriptors []commandDescriptor) []string {
	lines := make([]string, 0, len(descriptors)+1)
	lines = append(lines, "Available commands:")
	for _, d := range descriptors {
		lines = append(lines, fmt.Sprintf("  %-28s - %s", strings.TrimSpace(d.name+" "+d.args), d.description))
	}
	return lines
}

// parseUserID разбирает числовой Telegram ID.
func parseUserID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(raw, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Errorf("invalid user id %q", raw)
	}
	return id, nil
}

func hasWord(args []string, word string) bool {
	for _, a := range args {
		if strings.EqualFold(a, word) {
			return true
		}
	}
	return false
}

// parseSwitch разбирает on/off.
func parseSwitch(raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, errors.Errorf("expected on or off, got %q", raw)
}
