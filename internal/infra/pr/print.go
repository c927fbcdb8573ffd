// Package pr — консольный ввод-вывод CLI-подкоманд (login, plugin, user, stats).
// readline обслуживает строковый ввод с отменяемым stdin, x/term — скрытый ввод
// паролей, kr/pretty — подробные дампы записей для `plugin show` и `stats`.
// Мьютекс защищает только смену writer'ов; сами записи сериализует writer.
package pr

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/go-faster/errors"
	"github.com/kr/pretty"
	"golang.org/x/term"
)

var (
	rl           *readline.Instance
	out          io.Writer = os.Stdout
	errOut       io.Writer = os.Stderr
	mu           sync.Mutex
	cancelableIn interface{ Close() error }
)

// ErrNotInteractive — stdin не терминал либо readline не инициализирован.
var ErrNotInteractive = errors.New("console is not interactive")

// Init поднимает readline с отменяемым stdin и переводит вывод на его буферы.
func Init() error {
	cs := readline.NewCancelableStdin(os.Stdin)
	inst, err := readline.NewEx(&readline.Config{Stdin: cs})
	if err != nil {
		_ = cs.Close()
		return errors.Wrap(err, "init readline")
	}

	mu.Lock()
	rl = inst
	cancelableIn = cs
	out = inst.Stdout()
	errOut = inst.Stderr()
	mu.Unlock()
	return nil
}

// Close прерывает ожидание ввода и освобождает readline. Повторный вызов безопасен.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if cancelableIn != nil {
		_ = cancelableIn.Close()
		cancelableIn = nil
	}
	if rl != nil {
		_ = rl.Close()
		rl = nil
	}
	out, errOut = os.Stdout, os.Stderr
}

// SetOutput переназначает потоки вывода (nil — стандартные). Используется тестами команд.
func SetOutput(stdout, stderr io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	out, errOut = stdout, stderr
}

// ReadLine выводит приглашение и читает строку без пробелов по краям.
func ReadLine(prompt string) (string, error) {
	mu.Lock()
	inst := rl
	mu.Unlock()
	if inst == nil {
		return "", ErrNotInteractive
	}
	inst.SetPrompt(prompt)
	line, err := inst.Readline()
	return strings.TrimSpace(line), err
}

// ReadSecret читает строку без эха (пароль 2FA).
func ReadSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", ErrNotInteractive
	}
	Print(prompt)
	secret, err := term.ReadPassword(fd)
	Println()
	if err != nil {
		return "", errors.Wrap(err, "read secret")
	}
	return string(secret), nil
}

// Stdout возвращает текущий writer стандартного вывода.
func Stdout() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return out
}

// Stderr возвращает текущий writer ошибок.
func Stderr() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return errOut
}

func Print(a ...any)                    { fmt.Fprint(Stdout(), a...) }
func Println(a ...any)                  { fmt.Fprintln(Stdout(), a...) }
func Printf(format string, a ...any)    { fmt.Fprintf(Stdout(), format, a...) }
func ErrPrintln(a ...any)               { fmt.Fprintln(Stderr(), a...) }
func ErrPrintf(format string, a ...any) { fmt.Fprintf(Stderr(), format, a...) }

// PP pretty-печатает значение в Stdout.
func PP(v any) {
	fmt.Fprintf(Stdout(), "%# v\n", pretty.Formatter(v))
}

// Pf возвращает pretty-строку значения.
func Pf(v any) string {
	return fmt.Sprintf("%# v", pretty.Formatter(v))
}
