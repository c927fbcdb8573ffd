// Package auth ведёт интерактивный вход пользователя из терминала поверх шагов
// session.Manager: номер, код из Telegram, пароль двухэтапной проверки.
package auth

import (
	"context"
	"strings"

	"github.com/go-faster/errors"

	"kingtg-userbot/internal/domain/session"
	"kingtg-userbot/internal/domain/userbot"
)

// defaultAttempts — сколько раз переспрашивать неверный код или пароль.
const defaultAttempts = 3

// Prompter читает ввод оператора.
type Prompter interface {
	ReadLine(prompt string) (string, error)
	ReadSecret(prompt string) (string, error)
}

// Logins — шаги входа менеджера сессий.
type Logins interface {
	StartPhoneLogin(ctx context.Context, userID int64, phone string, remember bool) session.LoginResult
	VerifyCode(ctx context.Context, userID int64, code string) session.LoginResult
	Verify2FA(ctx context.Context, userID int64, password string) session.LoginResult
}

// Terminal проводит вход по шагам.
type Terminal struct {
	Logins   Logins
	In       Prompter
	Remember bool
	// Attempts — повторы неверного кода или пароля; 0 — по умолчанию.
	Attempts int
	// Notice выводит подсказки оператору; nil — молча.
	Notice func(format string, args ...any)
}

// Login входит от имени userID. Пустой phone запрашивается у оператора.
func (t Terminal) Login(ctx context.Context, userID int64, phone string) (userbot.Identity, error) {
	if strings.TrimSpace(phone) == "" {
		var err error
		if phone, err = t.In.ReadLine("Phone number (international format): "); err != nil {
			return userbot.Identity{}, errors.Wrap(err, "read phone")
		}
	}

	res := t.Logins.StartPhoneLogin(ctx, userID, phone, t.Remember)
	switch res.Status {
	case session.LoginCodeSent:
	case session.LoginFloodWait:
		return userbot.Identity{}, errors.Errorf("too many attempts, retry in %d seconds", res.Seconds)
	default:
		return userbot.Identity{}, resultError("send code", res)
	}
	t.notice("Login code sent to the Telegram app of %s", phone)

	for attempt := 1; ; attempt++ {
		code, err := t.In.ReadLine("Enter the code from Telegram: ")
		if err != nil {
			return userbot.Identity{}, errors.Wrap(err, "read code")
		}
		res = t.Logins.VerifyCode(ctx, userID, code)
		switch res.Status {
		case session.LoginSuccess:
			return res.Identity, nil
		case session.Login2FARequired:
			return t.password(ctx, userID)
		case session.LoginInvalidCode:
			if attempt >= t.attempts() {
				return userbot.Identity{}, resultError("verify code", res)
			}
			t.notice("Invalid code, try again")
		default:
			return userbot.Identity{}, resultError("verify code", res)
		}
	}
}

func (t Terminal) password(ctx context.Context, userID int64) (userbot.Identity, error) {
	for attempt := 1; ; attempt++ {
		pwd, err := t.In.ReadSecret("Enter 2FA password: ")
		if err != nil {
			return userbot.Identity{}, errors.Wrap(err, "read password")
		}
		res := t.Logins.Verify2FA(ctx, userID, pwd)
		switch res.Status {
		case session.LoginSuccess:
			return res.Identity, nil
		case session.LoginInvalidPassword:
			if attempt >= t.attempts() {
				return userbot.Identity{}, resultError("verify password", res)
			}
			t.notice("Invalid password, try again")
		default:
			return userbot.Identity{}, resultError("verify password", res)
		}
	}
}

func (t Terminal) attempts() int {
	if t.Attempts > 0 {
		return t.Attempts
	}
	return defaultAttempts
}

func (t Terminal) notice(format string, args ...any) {
	if t.Notice != nil {
		t.Notice(format, args...)
	}
}

func resultError(step string, res session.LoginResult) error {
	if res.Err != nil {
		return errors.Wrapf(res.Err, "%s: %s", step, res.Status)
	}
	return errors.Errorf("%s: %s", step, res.Status)
}
