// Package userbot задаёт узкий контракт чат-клиента, через который движок сессий и
// расширения работают с MTProto: подключение, проверка авторизации, идентичность,
// отключение и таблица обработчиков событий с отзывом по идентификатору регистрации.
package userbot

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
)

// ErrCredentialInvalid — сервер отверг учётные данные (ключ отозван, аккаунт удалён
// или заблокирован). Адаптеры оборачивают такие ошибки в этот sentinel.
var ErrCredentialInvalid = errors.New("credential is no longer valid")

// ErrHandlerNotFound — попытка снять неизвестную регистрацию.
var ErrHandlerNotFound = errors.New("event handler not found")

// Ошибки интерактивного входа.
var (
	ErrPasswordNeeded  = errors.New("two-factor password required")
	ErrCodeInvalid     = errors.New("login code is invalid")
	ErrCodeExpired     = errors.New("login code expired")
	ErrPasswordInvalid = errors.New("two-factor password is invalid")
	ErrPhoneInvalid    = errors.New("phone number is invalid")
)

// FloodWaitError — сеть ограничила частоту запросов; повтор не раньше чем через Seconds.
type FloodWaitError struct {
	Seconds int
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait for %d seconds", e.Seconds)
}

// Credential — непрозрачный блоб сессии и тег его формата.
type Credential struct {
	Blob    string
	Variant string
}

// Identity — аккаунт, под которым авторизован клиент.
type Identity struct {
	ID        int64
	Username  string
	FirstName string
	Phone     string
}

// Client — живое соединение от имени одного пользователя.
type Client interface {
	Connect(ctx context.Context) error
	IsUserAuthorized(ctx context.Context) (bool, error)
	GetMe(ctx context.Context) (Identity, error)
	Disconnect(ctx context.Context) error
	// Connected сообщает, что соединение поднято и не закрыто.
	Connected() bool
	// LogOut завершает сессию на стороне сервера.
	LogOut(ctx context.Context) error

	AddEventHandler(h Handler, f Filter) HandlerID
	RemoveEventHandler(id HandlerID) error
	ListEventHandlers() []Registration

	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Factory строит клиента из сохранённых учётных данных. Подключение не выполняется.
type Factory interface {
	NewClient(userID int64, cred Credential) (Client, error)
}

// FactoryFunc адаптирует функцию к Factory.
type FactoryFunc func(userID int64, cred Credential) (Client, error)

// NewClient реализует Factory.
func (f FactoryFunc) NewClient(userID int64, cred Credential) (Client, error) { return f(userID, cred) }

// LoginClient — временный клиент интерактивного входа по номеру телефона.
type LoginClient interface {
	// SendCode запрашивает код и возвращает его хеш.
	SendCode(ctx context.Context, phone string) (string, error)
	SignIn(ctx context.Context, phone, code, codeHash string) error
	CheckPassword(ctx context.Context, password string) error
	// Export возвращает учётные данные и идентичность после успешного входа.
	Export(ctx context.Context) (Credential, Identity, error)
	Close(ctx context.Context) error
}

// LoginFactory создаёт клиента входа.
type LoginFactory interface {
	NewLoginClient(ctx context.Context) (LoginClient, error)
}
