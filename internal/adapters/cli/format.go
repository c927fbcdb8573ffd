package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/kr/pretty"

	"kingtg-userbot/internal/domain/commands"
	"kingtg-userbot/internal/domain/records"
	"kingtg-userbot/internal/infra/config"
	"kingtg-userbot/internal/infra/timeutil"
)

// defaultLogLimit — сколько записей журнала показывать без явного лимита.
const defaultLogLimit = 20

// PrintPlugins печатает каталог таблицей.
func PrintPlugins(w io.Writer, list []records.Plugin) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No plugins registered.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0) //nolint:mnd // padding
	fmt.Fprintln(tw, "NAME\tACCESS\tSTATE\tUSES\tCOMMANDS")
	for _, p := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", p.Name, access(p), state(p), p.UsageCount, strings.Join(p.Commands, ","))
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "Total plugins: %d\n", len(list))
}

// PrintPlugin печатает запись каталога и пользователей с загруженным расширением.
func PrintPlugin(w io.Writer, res *commands.PluginResult) {
	_, _ = pretty.Fprintf(w, "%# v\n", res.Plugin)
	if len(res.Loaded) == 0 {
		fmt.Fprintln(w, "Loaded by: nobody")
		return
	}
	ids := make([]string, 0, len(res.Loaded))
	for _, id := range res.Loaded {
		ids = append(ids, fmt.Sprint(id))
	}
	fmt.Fprintf(w, "Loaded by (%d): %s\n", len(ids), strings.Join(ids, ", "))
}

// PrintSweep печатает итог административной команды.
func PrintSweep(w io.Writer, cmd, name string, res *commands.SweepResult) {
	if res == nil {
		fmt.Fprintf(w, "%s %s: done\n", cmd, name)
		return
	}
	fmt.Fprintf(w, "%s %s: done, %d users affected", cmd, name, res.Affected)
	if res.Failed > 0 {
		fmt.Fprintf(w, ", %d failed", res.Failed)
	}
	fmt.Fprintln(w)
}

// PrintStats печатает сводку.
func PrintStats(w io.Writer, st *commands.StatsResult) {
	fmt.Fprintf(w, "Sessions: %# v\n", pretty.Formatter(st.Sessions))
	fmt.Fprintf(w, "Users:    %# v\n", pretty.Formatter(st.Users))
	fmt.Fprintf(w, "Plugins:  %d registered, %d loaded\n", st.Plugins, st.PluginsLoaded)
}

// PrintLogs печатает записи журнала, новые сверху.
func PrintLogs(w io.Writer, entries []records.LogEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "Log is empty.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0) //nolint:mnd // padding
	for _, e := range entries {
		user := "-"
		if e.UserID != 0 {
			user = fmt.Sprint(e.UserID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", timeutil.FormatStamp(e.CreatedAt, config.AppLocation), e.Kind, user, e.Message)
	}
	_ = tw.Flush()
}

// PrintUserPlugins печатает наборы расширений пользователя.
func PrintUserPlugins(w io.Writer, res *commands.UserPluginsResult) {
	client := "offline"
	switch {
	case res.Connected && res.AlwaysOn:
		client = "connected, always-on"
	case res.Connected:
		client = "connected"
	}
	fmt.Fprintf(w, "User %d: %s\n", res.UserID, client)
	fmt.Fprintf(w, "  active:    %s\n", joinNames(res.Active))
	fmt.Fprintf(w, "  loaded:    %s\n", joinNames(res.Loaded))
	fmt.Fprintf(w, "  always-on: %s\n", joinNames(res.Pinned))
	fmt.Fprintf(w, "  available: %s\n", joinNames(res.Available))
}

// PrintLogin печатает итог входа по сессии.
func PrintLogin(w io.Writer, res *commands.LoginResult) {
	fmt.Fprintf(w, "User %d logged in as @%s (id %d), plugins: %s\n", res.UserID, res.Username, res.BotID, joinNames(res.Loaded))
}

func joinNames(names []string) string {
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ", ")
}

func access(p records.Plugin) string {
	if p.Public {
		return "public"
	}
	return fmt.Sprintf("private(%d)", len(p.AllowedUsers))
}

func state(p records.Plugin) string {
	var flags []string
	if p.Disabled {
		flags = append(flags, "disabled")
	} else {
		flags = append(flags, "enabled")
	}
	if p.ForceActive {
		flags = append(flags, "forced")
	}
	if p.AlwaysOn != nil && *p.AlwaysOn {
		flags = append(flags, "always-on")
	}
	return strings.Join(flags, ",")
}
