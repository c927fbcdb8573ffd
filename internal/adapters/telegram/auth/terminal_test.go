package auth_test

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kingtg-userbot/internal/adapters/telegram/auth"
	"kingtg-userbot/internal/domain/session"
	"kingtg-userbot/internal/domain/userbot"
)

type scriptedInput struct {
	lines   []string
	secrets []string
	prompts []string
}

func (s *scriptedInput) ReadLine(prompt string) (string, error) {
	s.prompts = append(s.prompts, prompt)
	if len(s.lines) == 0 {
		return "", errors.New("no input")
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func (s *scriptedInput) ReadSecret(prompt string) (string, error) {
	s.prompts = append(s.prompts, prompt)
	if len(s.secrets) == 0 {
		return "", errors.New("no input")
	}
	secret := s.secrets[0]
	s.secrets = s.secrets[1:]
	return secret, nil
}

// fakeLogins принимает код 12345 и пароль hunter2.
type fakeLogins struct {
	start    session.LoginResult
	need2FA  bool
	phone    string
	remember bool
}

func (f *fakeLogins) StartPhoneLogin(_ context.Context, _ int64, phone string, remember bool) session.LoginResult {
	f.phone, f.remember = phone, remember
	return f.start
}

func (f *fakeLogins) VerifyCode(_ context.Context, _ int64, code string) session.LoginResult {
	if code != "12345" {
		return session.LoginResult{Status: session.LoginInvalidCode}
	}
	if f.need2FA {
		return session.LoginResult{Status: session.Login2FARequired}
	}
	return session.LoginResult{Status: session.LoginSuccess, Identity: userbot.Identity{ID: 77}}
}

func (f *fakeLogins) Verify2FA(_ context.Context, _ int64, password string) session.LoginResult {
	if password != "hunter2" {
		return session.LoginResult{Status: session.LoginInvalidPassword}
	}
	return session.LoginResult{Status: session.LoginSuccess, Identity: userbot.Identity{ID: 77, Username: "me"}}
}

func TestTerminalLoginWithRetryAnd2FA(t *testing.T) {
	t.Parallel()
	logins := &fakeLogins{start: session.LoginResult{Status: session.LoginCodeSent}, need2FA: true}
	in := &scriptedInput{lines: []string{"+1 555 0100", "111", "12345"}, secrets: []string{"wrong", "hunter2"}}

	ident, err := auth.Terminal{Logins: logins, In: in, Remember: true}.Login(context.Background(), 5, "")
	require.NoError(t, err)
	assert.Equal(t, int64(77), ident.ID)
	assert.Equal(t, "+1 555 0100", logins.phone)
	assert.True(t, logins.remember)
	assert.Len(t, in.prompts, 5)
}

func TestTerminalLoginGivesUp(t *testing.T) {
	t.Parallel()
	logins := &fakeLogins{start: session.LoginResult{Status: session.LoginCodeSent}}
	in := &scriptedInput{lines: []string{"1", "2"}}

	_, err := auth.Terminal{Logins: logins, In: in, Attempts: 2}.Login(context.Background(), 5, "+15550100")
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(session.LoginInvalidCode))
}

func TestTerminalLoginFloodWait(t *testing.T) {
	t.Parallel()
	logins := &fakeLogins{start: session.LoginResult{Status: session.LoginFloodWait, Seconds: 30}}

	_, err := auth.Terminal{Logins: logins, In: &scriptedInput{}}.Login(context.Background(), 5, "+15550100")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "30 seconds")
}
