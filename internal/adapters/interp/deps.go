package interp

import (
	"bufio"
	"bytes"
	"context"
	"go/parser"
	"go/token"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"

	"kingtg-userbot/internal/infra/logger"
	"kingtg-userbot/pkg/compat"
)

// requiresPrefix — заголовочный комментарий с дополнительными зависимостями расширения.
const requiresPrefix = "// requires:"

// ErrInstall — не удалось установить сторонний пакет.
var ErrInstall = errors.New("dependency install failed")

// ScanImports возвращает пути импорта исходника.
func ScanImports(src []byte) ([]string, error) {
	f, err := parser.ParseFile(token.NewFileSet(), "", src, parser.ImportsOnly)
	if err != nil {
		return nil, errors.Wrap(err, "parse imports")
	}
	out := make([]string, 0, len(f.Imports))
	for _, spec := range f.Imports {
		path, errUnquote := strconv.Unquote(spec.Path.Value)
		if errUnquote != nil {
			continue
		}
		out = append(out, path)
	}
	return out, nil
}

// ScanRequires читает строки "// requires: a, b" из заголовка файла (до package).
func ScanRequires(src []byte) []string {
	out := make([]string, 0)
	sc := bufio.NewScanner(bytes.NewReader(src))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "package ") {
			break
		}
		rest, ok := strings.CutPrefix(line, requiresPrefix)
		if !ok {
			continue
		}
		for _, part := range strings.FieldsFunc(rest, func(r rune) bool { return r == ',' || r == ' ' }) {
			if part != "" && !slices.Contains(out, part) {
				out = append(out, part)
			}
		}
	}
	return out
}

// IsThirdParty сообщает, что путь не из стандартной библиотеки и не фасад compat.
func IsThirdParty(path string) bool {
	if path == compat.ImportPath || strings.HasPrefix(path, compat.ImportPath+"/") {
		return false
	}
	first, _, _ := strings.Cut(path, "/")
	if !strings.Contains(first, ".") {
		return false
	}
	return !isStdlib(path)
}

func isStdlib(path string) bool {
	base := path[strings.LastIndex(path, "/")+1:]
	_, ok := stdlib.Symbols[path+"/"+base]
	return ok
}

// Resolver определяет, каких сторонних пакетов расширения нет в GOPATH.
type Resolver struct {
	goPath string
}

// NewResolver создаёт резолвер над goPath.
func NewResolver(goPath string) *Resolver {
	return &Resolver{goPath: goPath}
}

// Missing возвращает отсутствующие сторонние пакеты из imports и requires.
func (r *Resolver) Missing(src []byte) ([]string, error) {
	imports, err := ScanImports(src)
	if err != nil {
		return nil, err
	}
	candidates := append(imports, ScanRequires(src)...)
	out := make([]string, 0)
	for _, path := range candidates {
		if !IsThirdParty(path) || slices.Contains(out, path) {
			continue
		}
		if info, errStat := os.Stat(filepath.Join(r.goPath, "src", filepath.FromSlash(path))); errStat == nil && info.IsDir() {
			continue
		}
		out = append(out, path)
	}
	return out, nil
}

// Installer устанавливает пакеты в GOPATH расширений.
type Installer interface {
	Install(ctx context.Context, pkgs []string) error
}

// GoPathInstaller клонирует репозитории пакетов в <goPath>/src через git.
// Сетевые сбои одного клона повторяются с экспоненциальной паузой.
type GoPathInstaller struct {
	goPath     string
	maxElapsed time.Duration
	run        func(ctx context.Context, dir string, args ...string) error
	log        *zap.Logger
}

// NewGoPathInstaller создаёт установщик. maxElapsed ограничивает повторы одного клона.
func NewGoPathInstaller(goPath string, maxElapsed time.Duration) *GoPathInstaller {
	return &GoPathInstaller{
		goPath:     goPath,
		maxElapsed: maxElapsed,
		run:        runGit,
		log:        logger.Named("deps"),
	}
}

// RepoRoot сводит путь пакета к корню репозитория (host/owner/repo).
func RepoRoot(pkg string) string {
	parts := strings.Split(pkg, "/")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return strings.Join(parts, "/")
}

// Install клонирует репозитории всех пакетов одним проходом; уже склонированные пропускаются.
func (g *GoPathInstaller) Install(ctx context.Context, pkgs []string) error {
	roots := make([]string, 0, len(pkgs))
	for _, pkg := range pkgs {
		if root := RepoRoot(pkg); !slices.Contains(roots, root) {
			roots = append(roots, root)
		}
	}

	var failed []string
	for _, root := range roots {
		dst := filepath.Join(g.goPath, "src", filepath.FromSlash(root))
		if info, err := os.Stat(dst); err == nil && info.IsDir() {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return errors.Wrapf(err, "create %s", filepath.Dir(dst))
		}

		policy := backoff.NewExponentialBackOff()
		policy.MaxElapsedTime = g.maxElapsed
		op := func() error {
			_ = os.RemoveAll(dst)
			return g.run(ctx, "", "clone", "--depth", "1", "https://"+root, dst)
		}
		err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
			g.log.Warn("Clone failed, retrying", zap.String("repo", root), zap.Duration("wait", wait), zap.Error(err))
		})
		if err != nil {
			g.log.Error("Clone failed", zap.String("repo", root), zap.Error(err))
			failed = append(failed, root)
			continue
		}
		g.log.Info("Dependency installed", zap.String("repo", root))
	}
	if len(failed) > 0 {
		return errors.Wrapf(ErrInstall, "%s", strings.Join(failed, ", "))
	}
	return nil
}

func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return nil
}
