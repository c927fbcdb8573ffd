package plugins

import (
	"bufio"
	"bytes"
	"context"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"kingtg-userbot/internal/domain/records"
	"kingtg-userbot/internal/infra/clock"
	"kingtg-userbot/internal/infra/logger"
	"kingtg-userbot/internal/infra/storage"
)

// Ошибки управления каталогом.
var (
	ErrDuplicate    = errors.New("plugin already registered")
	ErrCommandTaken = errors.New("command already provided by another plugin")
	ErrInvalid      = errors.New("plugin record is invalid")
)

// headerLines — сколько строк с начала файла просматривается на заголовки.
const headerLines = 30

var (
	pluginNameRe = regexp.MustCompile(`^[a-z0-9_]+$`)
	commandRe    = regexp.MustCompile(`Command\(\s*"\.?(\w+)`)
	patternRe    = regexp.MustCompile("Pattern\\(\\s*[\"`]\\^?\\\\{1,2}\\.(\\w+)")
)

// Info — сведения, извлечённые из исходника расширения.
type Info struct {
	Name        string
	Description string
	Commands    []string
	Author      string
	Version     string
	Requires    []string
	// AlwaysOn — nil, если заголовок "// always_on:" отсутствует.
	AlwaysOn *bool
}

// ExtractInfo читает имя (из имени файла), описание (doc-комментарий пакета или
// заголовок "// description:"), команды и заголовки author/version/requires/always_on.
func ExtractInfo(path string, src []byte) Info {
	info := Info{
		Name:    strings.ToLower(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))),
		Version: "1.0.0",
	}

	if f, err := parser.ParseFile(token.NewFileSet(), "", src, parser.PackageClauseOnly|parser.ParseComments); err == nil && f.Doc != nil {
		info.Description = strings.TrimSpace(f.Doc.Text())
	}

	sc := bufio.NewScanner(bytes.NewReader(src))
	for i := 0; i < headerLines && sc.Scan(); i++ {
		line := strings.TrimSpace(sc.Text())
		key, value, ok := headerField(line)
		if !ok {
			continue
		}
		switch key {
		case "author":
			info.Author = value
		case "version":
			info.Version = value
		case "requires", "requirements":
			for part := range strings.SplitSeq(value, ",") {
				if part = strings.TrimSpace(part); part != "" {
					info.Requires = append(info.Requires, part)
				}
			}
		case "description":
			if info.Description == "" {
				info.Description = value
			}
		case "always_on":
			if v, err := strconv.ParseBool(value); err == nil {
				info.AlwaysOn = &v
			}
		}
	}

	seen := make(map[string]struct{})
	for _, re := range []*regexp.Regexp{commandRe, patternRe} {
		for _, m := range re.FindAllSubmatch(src, -1) {
			cmd := strings.ToLower(string(m[1]))
			if _, dup := seen[cmd]; dup {
				continue
			}
			seen[cmd] = struct{}{}
			info.Commands = append(info.Commands, cmd)
		}
	}
	slices.Sort(info.Commands)
	return info
}

func headerField(line string) (key, value string, ok bool) {
	rest, ok := strings.CutPrefix(line, "//")
	if !ok {
		return "", "", false
	}
	key, value, ok = strings.Cut(strings.TrimSpace(rest), ":")
	if !ok {
		return "", "", false
	}
	return strings.ToLower(strings.TrimSpace(key)), strings.TrimSpace(value), true
}

// RegisterOptions — параметры новой записи каталога.
type RegisterOptions struct {
	Public       bool
	AllowedUsers []int64
	AddedBy      int64
}

// UserView — расширения глазами пользователя.
type UserView struct {
	Accessible []records.Plugin
	Active     []string
	Inactive   []records.Plugin
}

// Catalog — записи каталога и файлы исходников.
type Catalog struct {
	store    Store
	registry *Registry
	dir      string
	validate *validator.Validate
	clock    clock.Clock
	log      *zap.Logger
}

// NewCatalog создаёт каталог над dir. registry может быть nil (CLI без рантайма).
func NewCatalog(store Store, registry *Registry, dir string, clk clock.Clock) *Catalog {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("plugin_name", func(fl validator.FieldLevel) bool {
		return pluginNameRe.MatchString(fl.Field().String())
	})
	if clk == nil {
		clk = clock.Real{}
	}
	return &Catalog{
		store:    store,
		registry: registry,
		dir:      dir,
		validate: v,
		clock:    clk,
		log:      logger.Named("catalog"),
	}
}

// Dir возвращает каталог исходников.
func (c *Catalog) Dir() string { return c.dir }

// Register добавляет расширение из файла srcPath: проверяет запись, отвергает
// повтор имени и пересечение команд с другими расширениями, копирует файл в каталог.
func (c *Catalog) Register(ctx context.Context, srcPath string, opts RegisterOptions) (records.Plugin, error) {
	// каталог или сокет вместо файла — тоже «нет файла»
	if !storage.Exists(srcPath) {
		return records.Plugin{}, errors.Wrapf(ErrFileMissing, "%s", srcPath)
	}
	src, err := os.ReadFile(srcPath)
	if err != nil {
		return records.Plugin{}, errors.Wrap(err, "read plugin source")
	}

	info := ExtractInfo(srcPath, src)
	rec := records.Plugin{
		Name:         info.Name,
		Filename:     info.Name + ".go",
		Description:  info.Description,
		Commands:     info.Commands,
		Public:       opts.Public,
		AllowedUsers: slices.Clone(opts.AllowedUsers),
		AlwaysOn:     info.AlwaysOn,
		Author:       info.Author,
		Version:      info.Version,
		Requires:     info.Requires,
		AddedAt:      c.clock.Now(),
		AddedBy:      opts.AddedBy,
	}
	if err := c.validate.Struct(rec); err != nil {
		return records.Plugin{}, errors.Wrapf(ErrInvalid, "%v", err)
	}

	existing, err := c.store.ListPlugins(ctx)
	if err != nil {
		return records.Plugin{}, errors.Wrap(err, "list plugins")
	}
	for _, p := range existing {
		if p.Name == rec.Name {
			return records.Plugin{}, errors.Wrapf(ErrDuplicate, "%q", rec.Name)
		}
		for _, cmd := range rec.Commands {
			if slices.Contains(p.Commands, cmd) {
				return records.Plugin{}, errors.Wrapf(ErrCommandTaken, ".%s in %q", cmd, p.Name)
			}
		}
	}

	dst := filepath.Join(c.dir, rec.Filename)
	if filepath.Clean(srcPath) != filepath.Clean(dst) {
		if err := storage.CopyFile(srcPath, dst); err != nil {
			return records.Plugin{}, errors.Wrap(err, "copy plugin source")
		}
	}
	if err := c.store.SavePlugin(ctx, rec); err != nil {
		return records.Plugin{}, errors.Wrap(err, "save plugin")
	}
	c.log.Info("Plugin registered",
		zap.String("plugin", rec.Name), zap.Strings("commands", rec.Commands), zap.Bool("public", rec.Public))
	return rec, nil
}

// Unregister выгружает расширение у всех, у кого оно ещё загружено, удаляет файл и запись.
func (c *Catalog) Unregister(ctx context.Context, name string) error {
	name = strings.ToLower(name)
	p, err := c.Get(ctx, name)
	if err != nil {
		return err
	}
	if c.registry != nil {
		for _, userID := range c.registry.Users(name) {
			if _, err := c.registry.Deactivate(ctx, userID, name); err != nil {
				c.log.Warn("Deactivate on unregister failed",
					zap.Int64("user_id", userID), zap.String("plugin", name), zap.Error(err))
			}
		}
	}
	if err := storage.RemoveFile(filepath.Join(c.dir, p.Filename)); err != nil {
		return errors.Wrap(err, "remove plugin source")
	}
	if err := c.store.DeletePlugin(ctx, name); err != nil {
		return errors.Wrap(err, "delete plugin")
	}
	c.log.Info("Plugin unregistered", zap.String("plugin", name))
	return nil
}

// Sync регистрирует файлы *.go каталога, для которых ещё нет записи. Возвращает
// имена добавленных.
func (c *Catalog) Sync(ctx context.Context, opts RegisterOptions) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(c.dir, "*.go"))
	if err != nil {
		return nil, errors.Wrap(err, "scan plugins dir")
	}
	added := make([]string, 0)
	for _, path := range matches {
		if strings.HasSuffix(path, "_test.go") {
			continue
		}
		rec, err := c.Register(ctx, path, opts)
		switch {
		case err == nil:
			added = append(added, rec.Name)
		case errors.Is(err, ErrDuplicate):
		default:
			c.log.Warn("Plugin file skipped", zap.String("path", path), zap.Error(err))
		}
	}
	return added, nil
}

// Get возвращает запись каталога.
func (c *Catalog) Get(ctx context.Context, name string) (records.Plugin, error) {
	p, err := c.store.GetPlugin(ctx, strings.ToLower(name))
	if errors.Is(err, records.ErrNotFound) {
		return records.Plugin{}, errors.Wrapf(ErrNotFound, "%q", name)
	}
	if err != nil {
		return records.Plugin{}, errors.Wrap(err, "get plugin")
	}
	return p, nil
}

// List возвращает все записи каталога.
func (c *Catalog) List(ctx context.Context) ([]records.Plugin, error) {
	list, err := c.store.ListPlugins(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list plugins")
	}
	return list, nil
}

// Update применяет mutate к записи.
func (c *Catalog) Update(ctx context.Context, name string, mutate func(*records.Plugin)) (records.Plugin, error) {
	p, err := c.store.UpdatePlugin(ctx, strings.ToLower(name), mutate)
	if errors.Is(err, records.ErrNotFound) {
		return records.Plugin{}, errors.Wrapf(ErrNotFound, "%q", name)
	}
	if err != nil {
		return records.Plugin{}, errors.Wrap(err, "update plugin")
	}
	return p, nil
}

// ForUser раскладывает доступные пользователю расширения на активные и неактивные.
// Активность берётся из сохранённой записи пользователя.
func (c *Catalog) ForUser(ctx context.Context, userID int64) (UserView, error) {
	all, err := c.List(ctx)
	if err != nil {
		return UserView{}, err
	}
	u, err := c.store.GetUser(ctx, userID)
	if err != nil && !errors.Is(err, records.ErrNotFound) {
		return UserView{}, errors.Wrap(err, "get user")
	}

	view := UserView{Active: slices.Clone(u.ActivePlugins)}
	for _, p := range all {
		if p.Disabled || !p.Accessible(userID) {
			continue
		}
		view.Accessible = append(view.Accessible, p)
		if !slices.Contains(u.ActivePlugins, p.Name) {
			view.Inactive = append(view.Inactive, p)
		}
	}
	return view, nil
}
