package session

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"kingtg-userbot/internal/domain/records"
	"kingtg-userbot/internal/domain/userbot"
)

// LoginStatus — исход шага входа.
type LoginStatus string

const (
	LoginCodeSent        LoginStatus = "code_sent"
	LoginFloodWait       LoginStatus = "flood_wait"
	LoginError           LoginStatus = "error"
	LoginSuccess         LoginStatus = "success"
	Login2FARequired     LoginStatus = "2fa_required"
	LoginInvalidCode     LoginStatus = "invalid_code"
	LoginCodeExpired     LoginStatus = "code_expired"
	LoginNoPending       LoginStatus = "no_pending_login"
	LoginInvalidPassword LoginStatus = "invalid_password"
	LoginInvalidSession  LoginStatus = "invalid_session"
)

const (
	stageCode     = "code"
	stagePassword = "password"
)

// LoginResult — ответ шага входа. Seconds заполняется для flood_wait, Identity для success.
type LoginResult struct {
	Status   LoginStatus
	Seconds  int
	Identity userbot.Identity
	Err      error
}

// pendingLogin — незавершённый вход по номеру телефона.
type pendingLogin struct {
	client    userbot.LoginClient
	phone     string
	hash      string
	stage     string
	remember  bool
	startedAt time.Time
}

// StartPhoneLogin запрашивает код входа. Предыдущий незавершённый вход пользователя
// закрывается.
func (m *Manager) StartPhoneLogin(ctx context.Context, userID int64, phone string, remember bool) LoginResult {
	if m.opts.LoginFactory == nil {
		return LoginResult{Status: LoginError, Err: errors.New("phone login is not configured")}
	}
	phone = normalizePhone(phone)
	m.dropPendingLogin(ctx, userID)

	lc, err := m.opts.LoginFactory.NewLoginClient(ctx)
	if err != nil {
		return LoginResult{Status: LoginError, Err: errors.Wrap(err, "create login client")}
	}
	hash, err := lc.SendCode(ctx, phone)
	if err != nil {
		_ = lc.Close(ctx)
		var flood *userbot.FloodWaitError
		if errors.As(err, &flood) {
			m.log.Warn("Login code flood wait", zap.Int64("user_id", userID), zap.Int("seconds", flood.Seconds))
			return LoginResult{Status: LoginFloodWait, Seconds: flood.Seconds, Err: err}
		}
		return LoginResult{Status: LoginError, Err: err}
	}

	m.mu.Lock()
	m.pendingLogins[userID] = &pendingLogin{
		client:    lc,
		phone:     phone,
		hash:      hash,
		stage:     stageCode,
		remember:  remember,
		startedAt: m.clock.Now(),
	}
	m.mu.Unlock()
	m.log.Info("Login code sent", zap.Int64("user_id", userID))
	return LoginResult{Status: LoginCodeSent}
}

// VerifyCode завершает вход кодом. Неверный код оставляет вход открытым,
// истёкший код его закрывает.
func (m *Manager) VerifyCode(ctx context.Context, userID int64, code string) LoginResult {
	pl, ok := m.lookupLogin(userID, stageCode)
	if !ok {
		return LoginResult{Status: LoginNoPending}
	}
	code = strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, code)

	err := pl.client.SignIn(ctx, pl.phone, code, pl.hash)
	switch {
	case err == nil:
		return m.finishPhoneLogin(ctx, userID, pl)
	case errors.Is(err, userbot.ErrPasswordNeeded):
		m.mu.Lock()
		pl.stage = stagePassword
		m.mu.Unlock()
		return LoginResult{Status: Login2FARequired}
	case errors.Is(err, userbot.ErrCodeInvalid):
		return LoginResult{Status: LoginInvalidCode, Err: err}
	case errors.Is(err, userbot.ErrCodeExpired):
		m.dropPendingLogin(ctx, userID)
		return LoginResult{Status: LoginCodeExpired, Err: err}
	default:
		m.dropPendingLogin(ctx, userID)
		return LoginResult{Status: LoginError, Err: err}
	}
}

// Verify2FA завершает вход паролем двухэтапной проверки.
func (m *Manager) Verify2FA(ctx context.Context, userID int64, password string) LoginResult {
	pl, ok := m.lookupLogin(userID, stagePassword)
	if !ok {
		return LoginResult{Status: LoginNoPending}
	}
	err := pl.client.CheckPassword(ctx, password)
	switch {
	case err == nil:
		return m.finishPhoneLogin(ctx, userID, pl)
	case errors.Is(err, userbot.ErrPasswordInvalid):
		return LoginResult{Status: LoginInvalidPassword, Err: err}
	default:
		m.dropPendingLogin(ctx, userID)
		return LoginResult{Status: LoginError, Err: err}
	}
}

func (m *Manager) finishPhoneLogin(ctx context.Context, userID int64, pl *pendingLogin) LoginResult {
	cred, ident, err := pl.client.Export(ctx)
	m.dropPendingLogin(ctx, userID)
	if err != nil {
		return LoginResult{Status: LoginError, Err: errors.Wrap(err, "export session")}
	}
	if ident.Phone == "" {
		ident.Phone = pl.phone
	}

	unlock := m.locks.Lock(userID)
	m.discardLocked(ctx, userID, "relogin")
	u, err := m.persistLogin(ctx, userID, cred, ident, pl.remember)
	unlock()
	if err != nil {
		return LoginResult{Status: LoginError, Err: err}
	}
	m.resumeExtensions(ctx, u, cred)
	m.log.Info("Phone login completed", zap.Int64("user_id", userID), zap.Int64("userbot_id", ident.ID))
	return LoginResult{Status: LoginSuccess, Identity: ident}
}

// LoginWithSession входит по готовому блобу сессии. Блоб проверяется подключением;
// при успехе клиент остаётся в пуле.
func (m *Manager) LoginWithSession(ctx context.Context, userID int64, blob, variant string, remember bool) LoginResult {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return LoginResult{Status: LoginInvalidSession, Err: errors.New("empty session")}
	}
	if variant == "" {
		variant = records.VariantGotd
	}
	cred := userbot.Credential{Blob: blob, Variant: variant}

	unlock := m.locks.Lock(userID)
	if m.isClosed() {
		unlock()
		return LoginResult{Status: LoginError, Err: ErrShutdown}
	}
	m.discardLocked(ctx, userID, "relogin")

	client, err := m.connect(ctx, userID, cred)
	if err != nil {
		unlock()
		m.log.Warn("Session login rejected", zap.Int64("user_id", userID), zap.Error(err))
		return LoginResult{Status: LoginInvalidSession, Err: err}
	}
	ident, err := client.GetMe(ctx)
	if err != nil {
		m.disconnectClient(client)
		unlock()
		return LoginResult{Status: LoginInvalidSession, Err: errors.Wrap(err, "get identity")}
	}
	m.registerLocked(userID, client)
	u, err := m.persistLogin(ctx, userID, cred, ident, remember)
	unlock()
	if err != nil {
		return LoginResult{Status: LoginError, Err: err}
	}
	m.resumeExtensions(ctx, u, cred)
	m.log.Info("Session login completed", zap.Int64("user_id", userID), zap.String("variant", variant))
	return LoginResult{Status: LoginSuccess, Identity: ident}
}

// persistLogin сохраняет итог входа и кладёт учётные данные в кэш. Без remember блоб
// в хранилище не попадает и переживает только до перезапуска.
func (m *Manager) persistLogin(ctx context.Context, userID int64, cred userbot.Credential, ident userbot.Identity, remember bool) (records.User, error) {
	u, err := m.store.UpdateUser(ctx, userID, func(u *records.User) {
		u.LoggedIn = true
		u.RememberSession = remember
		u.SessionVariant = cred.Variant
		if remember {
			u.SessionBlob = cred.Blob
		} else {
			u.SessionBlob = ""
		}
		u.UserbotID = ident.ID
		u.UserbotUsername = ident.Username
		if ident.Phone != "" {
			u.Phone = ident.Phone
		}
		u.LastActive = m.clock.Now()
	})
	if err != nil {
		return records.User{}, errors.Wrap(err, "persist login")
	}
	m.cache.Set(userID, cred)
	return u, nil
}

// resumeExtensions поднимает расширения, сохранённые при выходе с keepData.
func (m *Manager) resumeExtensions(ctx context.Context, u records.User, cred userbot.Credential) {
	if !u.HasPlugins() {
		return
	}
	u.SessionBlob, u.SessionVariant = cred.Blob, cred.Variant
	m.restoreUser(ctx, u)
}

// Logout завершает сессию пользователя. terminate выполняет выход на стороне сервера;
// keepData сохраняет наборы расширений до следующего входа. Блоб удаляется всегда.
func (m *Manager) Logout(ctx context.Context, userID int64, terminate, keepData bool) error {
	m.dropPendingLogin(ctx, userID)

	unlock := m.locks.Lock(userID)
	defer unlock()

	if terminate {
		if e, ok := m.clients.Get(userID); ok {
			if err := e.client.LogOut(ctx); err != nil {
				m.log.Warn("Server-side logout failed", zap.Int64("user_id", userID), zap.Error(err))
			}
		}
	}
	unloaded := len(m.registry.Active(userID))
	m.discardLocked(ctx, userID, "logout")
	m.registry.ClearUser(userID)
	m.cache.Remove(userID)
	m.demote(userID)

	_, err := m.store.GetUser(ctx, userID)
	if errors.Is(err, records.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "load user")
	}
	if _, err := m.store.UpdateUser(ctx, userID, func(u *records.User) {
		u.LoggedIn = false
		u.SessionBlob = ""
		u.SessionVariant = ""
		u.LastConfirm = time.Time{}
		if !keepData {
			u.ActivePlugins = nil
			u.AlwaysOnPlugins = nil
			u.UserbotID = 0
			u.UserbotUsername = ""
			u.RememberSession = false
		}
	}); err != nil {
		return errors.Wrap(err, "persist logout")
	}
	m.log.Info("User logged out",
		zap.Int64("user_id", userID), zap.Bool("terminate", terminate),
		zap.Bool("keep_data", keepData), zap.Int("plugins_unloaded", unloaded))
	return nil
}

// lookupLogin возвращает незавершённый вход пользователя на заданном шаге.
func (m *Manager) lookupLogin(userID int64, stage string) (*pendingLogin, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pl, ok := m.pendingLogins[userID]
	if !ok || pl.stage != stage {
		return nil, false
	}
	return pl, true
}

// HasPendingLogin сообщает, ждёт ли вход пользователя кода или пароля.
func (m *Manager) HasPendingLogin(userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pendingLogins[userID]
	return ok
}

func (m *Manager) dropPendingLogin(ctx context.Context, userID int64) {
	m.mu.Lock()
	pl, ok := m.pendingLogins[userID]
	delete(m.pendingLogins, userID)
	m.mu.Unlock()
	if ok {
		if err := pl.client.Close(ctx); err != nil {
			m.log.Debug("Login client close failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
}

func normalizePhone(phone string) string {
	phone = strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == '+':
			return r
		default:
			return -1
		}
	}, phone)
	if phone != "" && !strings.HasPrefix(phone, "+") {
		phone = "+" + phone
	}
	return phone
}

// Stats — снимок состояния движка сессий.
type Stats struct {
	ActiveClients        int `json:"active_clients"`
	AlwaysOnUsers        int `json:"always_on_users"`
	OnDemandActive       int `json:"on_demand_active"`
	CachedSessions       int `json:"cached_sessions"`
	PendingLogins        int `json:"pending_logins"`
	PendingConfirmations int `json:"pending_confirmations"`
}

// Stats возвращает снимок счётчиков.
func (m *Manager) Stats() Stats {
	s := Stats{
		ActiveClients:  m.clients.Count(),
		CachedSessions: m.cache.Count(),
	}
	m.mu.Lock()
	s.AlwaysOnUsers = len(m.alwaysOn)
	s.PendingLogins = len(m.pendingLogins)
	s.PendingConfirmations = len(m.pendingConfirm)
	connectedAlwaysOn := 0
	for userID := range m.alwaysOn {
		if m.clients.Has(userID) {
			connectedAlwaysOn++
		}
	}
	m.mu.Unlock()
	s.OnDemandActive = s.ActiveClients - connectedAlwaysOn
	return s
}
