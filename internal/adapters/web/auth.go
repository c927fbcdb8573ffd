package web

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuthManager управляет одноразовыми токенами входа и сессиями веб-панели.
// Токен выдаётся владельцу через бота; первый успешный вход по нему создаёт сессию
// и гасит токен.
type AuthManager struct {
	mu         sync.Mutex
	token      string
	sessions   map[string]*Session // sessionID -> Session
	sessionTTL time.Duration
	now        func() time.Time
}

// Session — активная сессия панели.
type Session struct {
	ID        string
	CreatedAt time.Time
	LastSeen  time.Time
}

// NewAuthManager создаёт менеджер. now == nil — системные часы.
func NewAuthManager(sessionTTL time.Duration, now func() time.Time) *AuthManager {
	if now == nil {
		now = time.Now
	}
	return &AuthManager{
		sessions:   make(map[string]*Session),
		sessionTTL: sessionTTL,
		now:        now,
	}
}

// GenerateToken выпускает новый токен и сбрасывает все сессии.
func (am *AuthManager) GenerateToken() string {
	am.mu.Lock()
	defer am.mu.Unlock()

	am.token = uuid.NewString()
	am.sessions = make(map[string]*Session)
	return am.token
}

// Exchange обменивает токен на сессию. Токен одноразовый.
func (am *AuthManager) Exchange(token string) (string, bool) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if token == "" || am.token == "" || token != am.token {
		return "", false
	}
	am.token = ""

	sessionID := uuid.NewString()
	now := am.now()
	am.sessions[sessionID] = &Session{ID: sessionID, CreatedAt: now, LastSeen: now}
	return sessionID, true
}

// ValidateSession проверяет сессию и продлевает её.
func (am *AuthManager) ValidateSession(sessionID string) bool {
	am.mu.Lock()
	defer am.mu.Unlock()

	s, ok := am.sessions[sessionID]
	if !ok {
		return false
	}
	now := am.now()
	if now.Sub(s.LastSeen) > am.sessionTTL {
		delete(am.sessions, sessionID)
		return false
	}
	s.LastSeen = now
	return true
}

// InvalidateSession удаляет сессию.
func (am *AuthManager) InvalidateSession(sessionID string) {
	am.mu.Lock()
	defer am.mu.Unlock()
	delete(am.sessions, sessionID)
}

// CleanExpiredSessions удаляет истекшие сессии и возвращает их число.
func (am *AuthManager) CleanExpiredSessions() int {
	am.mu.Lock()
	defer am.mu.Unlock()

	now := am.now()
	removed := 0
	for id, s := range am.sessions {
		if now.Sub(s.LastSeen) > am.sessionTTL {
			delete(am.sessions, id)
			removed++
		}
	}
	return removed
}
