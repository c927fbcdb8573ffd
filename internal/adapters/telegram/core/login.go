package core

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"

	"kingtg-userbot/internal/domain/records"
	"kingtg-userbot/internal/domain/userbot"
	"kingtg-userbot/internal/infra/logger"
	"kingtg-userbot/internal/infra/telegram/connection"
	tgsession "kingtg-userbot/internal/infra/telegram/session"
)

// ErrSignUpRequired — номер не зарегистрирован в Telegram.
var ErrSignUpRequired = errors.New("phone number is not registered")

// LoginFactory создаёт временных клиентов входа. Реализует userbot.LoginFactory.
type LoginFactory struct {
	cfg Config
}

var _ userbot.LoginFactory = (*LoginFactory)(nil)

// NewLoginFactory создаёт фабрику клиентов входа.
func NewLoginFactory(cfg Config) *LoginFactory {
	return &LoginFactory{cfg: cfg}
}

// NewLoginClient поднимает соединение с пустой сессией.
func (f *LoginFactory) NewLoginClient(ctx context.Context) (userbot.LoginClient, error) {
	storage := tgsession.NewBlobStorage()
	lc := &LoginClient{
		storage: storage,
		tg:      telegram.NewClient(f.cfg.AppID, f.cfg.AppHash, f.cfg.options(storage, nil, f.cfg.limiter())),
	}
	lc.conn.log = logger.Named("mtproto.login")
	err := lc.conn.start(ctx, func(ctx context.Context, ready func()) error {
		return lc.tg.Run(ctx, func(ctx context.Context) error {
			ready()
			<-ctx.Done()
			return ctx.Err()
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect login client")
	}
	return lc, nil
}

// LoginClient — интерактивный вход по номеру. Реализует userbot.LoginClient.
// FLOOD_WAIT здесь не пережидается, а возвращается вызывающему.
type LoginClient struct {
	tg      *telegram.Client
	storage *tgsession.BlobStorage
	conn    conn
}

var _ userbot.LoginClient = (*LoginClient)(nil)

// SendCode запрашивает код входа.
func (c *LoginClient) SendCode(ctx context.Context, phone string) (string, error) {
	sent, err := c.tg.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		return "", loginError(err)
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return "", errors.Errorf("unexpected sent code type %T", sent)
	}
	return code.PhoneCodeHash, nil
}

// SignIn проверяет код.
func (c *LoginClient) SignIn(ctx context.Context, phone, code, codeHash string) error {
	_, err := c.tg.Auth().SignIn(ctx, phone, code, codeHash)
	return loginError(err)
}

// CheckPassword проверяет пароль двухэтапной проверки.
func (c *LoginClient) CheckPassword(ctx context.Context, password string) error {
	_, err := c.tg.Auth().Password(ctx, password)
	return loginError(err)
}

// Export возвращает блоб сессии и идентичность аккаунта.
func (c *LoginClient) Export(ctx context.Context) (userbot.Credential, userbot.Identity, error) {
	self, err := c.tg.Self(ctx)
	if err != nil {
		return userbot.Credential{}, userbot.Identity{}, errors.Wrap(err, "get self")
	}
	blob, err := c.storage.Export()
	if err != nil {
		return userbot.Credential{}, userbot.Identity{}, err
	}
	return userbot.Credential{Blob: blob, Variant: records.VariantGotd}, identityOf(self), nil
}

// Close разрывает соединение.
func (c *LoginClient) Close(ctx context.Context) error {
	return c.conn.stop(ctx)
}

// loginError переводит ошибки gotd в ошибки входа userbot.
func loginError(err error) error {
	if err == nil {
		return nil
	}
	if d, ok := connection.FloodWait(err); ok {
		return &userbot.FloodWaitError{Seconds: int(d.Seconds())}
	}
	var signUp *auth.SignUpRequired
	switch {
	case errors.Is(err, auth.ErrPasswordAuthNeeded):
		return userbot.ErrPasswordNeeded
	case errors.Is(err, auth.ErrPasswordInvalid), tgerr.Is(err, "PASSWORD_HASH_INVALID"):
		return errors.Wrap(userbot.ErrPasswordInvalid, err.Error())
	case tgerr.Is(err, "PHONE_CODE_INVALID", "PHONE_CODE_EMPTY"):
		return errors.Wrap(userbot.ErrCodeInvalid, err.Error())
	case tgerr.Is(err, "PHONE_CODE_EXPIRED"):
		return errors.Wrap(userbot.ErrCodeExpired, err.Error())
	case tgerr.Is(err, "PHONE_NUMBER_INVALID", "PHONE_NUMBER_BANNED"):
		return errors.Wrap(userbot.ErrPhoneInvalid, err.Error())
	case errors.As(err, &signUp):
		return ErrSignUpRequired
	}
	logger.Debug("Login RPC failed", zap.Error(err))
	return err
}
