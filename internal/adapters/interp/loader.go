// Package interp исполняет исходники расширений во встроенном интерпретаторе yaegi.
// Каждая загрузка получает собственный экземпляр интерпретатора: состояние пакета
// расширения (глобальные переменные, init) не разделяется между пользователями и не
// переиспользуется при повторной активации.
package interp

import (
	"context"
	"go/parser"
	"go/token"
	"io"

	"github.com/go-faster/errors"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"kingtg-userbot/pkg/compat"
)

// Имена точек входа расширения.
const (
	registerSymbol   = "Register"
	unregisterSymbol = "Unregister"
)

// ErrRuntime — исходник расширения не скомпилировался, упал при инициализации
// или его точка входа вернула ошибку/паниковала.
var ErrRuntime = errors.New("plugin runtime error")

// Loader создаёт изолированные экземпляры интерпретатора.
type Loader struct {
	goPath string
	output io.Writer
}

// NewLoader создаёт загрузчик. goPath — корень GOPATH со сторонними пакетами расширений;
// output получает stdout/stderr расширений (nil — io.Discard).
func NewLoader(goPath string, output io.Writer) *Loader {
	if output == nil {
		output = io.Discard
	}
	return &Loader{goPath: goPath, output: output}
}

// Module — исполненный исходник расширения с найденными точками входа.
type Module struct {
	Name       string
	pkg        string
	interp     *interp.Interpreter
	register   func(*compat.Client) error
	unregister func(*compat.Client) error
}

// Load компилирует и исполняет src в свежем интерпретаторе. Отсутствие Register
// не ошибка: расширение могло зарегистрироваться в init().
func (l *Loader) Load(ctx context.Context, name string, src []byte) (mod *Module, err error) {
	pkg, err := packageName(src)
	if err != nil {
		return nil, errors.Wrapf(ErrRuntime, "%s: %v", name, err)
	}

	defer func() {
		if r := recover(); r != nil {
			mod = nil
			err = errors.Wrapf(ErrRuntime, "%s: panic during load: %v", name, r)
		}
	}()

	in := interp.New(interp.Options{GoPath: l.goPath, Stdout: l.output, Stderr: l.output})
	if errUse := in.Use(stdlib.Symbols); errUse != nil {
		return nil, errors.Wrap(errUse, "load stdlib symbols")
	}
	if errUse := in.Use(compat.Symbols); errUse != nil {
		return nil, errors.Wrap(errUse, "load compat symbols")
	}
	if _, errEval := in.EvalWithContext(ctx, string(src)); errEval != nil {
		return nil, errors.Wrapf(ErrRuntime, "%s: %v", name, errEval)
	}

	mod = &Module{Name: name, pkg: pkg, interp: in}
	if mod.register, err = lookupEntry(in, pkg, registerSymbol); err != nil {
		return nil, errors.Wrapf(ErrRuntime, "%s: %v", name, err)
	}
	if mod.unregister, err = lookupEntry(in, pkg, unregisterSymbol); err != nil {
		return nil, errors.Wrapf(ErrRuntime, "%s: %v", name, err)
	}
	return mod, nil
}

// packageName читает только package-клаузу.
func packageName(src []byte) (string, error) {
	f, err := parser.ParseFile(token.NewFileSet(), "", src, parser.PackageClauseOnly)
	if err != nil {
		return "", errors.Wrap(err, "parse package clause")
	}
	return f.Name.Name, nil
}

// lookupEntry находит функцию symbol. nil без ошибки — символа нет.
func lookupEntry(in *interp.Interpreter, pkg, symbol string) (func(*compat.Client) error, error) {
	expr := symbol
	if pkg != "main" {
		expr = pkg + "." + symbol
	}
	v, err := in.Eval(expr)
	if err != nil || !v.IsValid() {
		return nil, nil
	}
	switch fn := v.Interface().(type) {
	case func(*compat.Client) error:
		return fn, nil
	case func(*compat.Client):
		return func(c *compat.Client) error {
			fn(c)
			return nil
		}, nil
	default:
		return nil, errors.Errorf("%s has unsupported signature %T", symbol, fn)
	}
}

// HasRegister сообщает, экспортирует ли расширение Register.
func (m *Module) HasRegister() bool { return m.register != nil }

// HasUnregister сообщает, экспортирует ли расширение Unregister.
func (m *Module) HasUnregister() bool { return m.unregister != nil }

// Register вызывает точку входа, перехватывая панику.
func (m *Module) Register(c *compat.Client) error {
	return m.call(m.register, registerSymbol, c)
}

// Unregister вызывает необязательную точку выгрузки.
func (m *Module) Unregister(c *compat.Client) error {
	return m.call(m.unregister, unregisterSymbol, c)
}

func (m *Module) call(fn func(*compat.Client) error, symbol string, c *compat.Client) (err error) {
	if fn == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrRuntime, "%s.%s panicked: %v", m.Name, symbol, r)
		}
	}()
	if errCall := fn(c); errCall != nil {
		return errors.Wrapf(ErrRuntime, "%s.%s: %v", m.Name, symbol, errCall)
	}
	return nil
}

// Close освобождает интерпретатор. Пространство имён расширения после этого недоступно.
func (m *Module) Close() {
	m.register = nil
	m.unregister = nil
	m.interp = nil
}
