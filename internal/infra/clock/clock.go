// Package clock отделяет политику жизненного цикла от системных часов: в рантайме
// используется Real, в тестах — Fake с ручной перемоткой.
package clock

import (
	"sync"
	"time"

	"kingtg-userbot/internal/infra/config"
)

// Clock — источник текущего времени.
type Clock interface {
	Now() time.Time
}

// Now возвращает текущее время в глобальной таймзоне приложения.
func Now() time.Time {
	return time.Now().In(config.AppLocation)
}

// Real — системные часы.
type Real struct{}

// Now реализует Clock.
func (Real) Now() time.Time { return Now() }

// Fake — управляемые часы для тестов. Безопасны для конкурентного использования.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake создаёт часы, остановленные на start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now реализует Clock.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance перематывает часы вперёд на d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set выставляет часы в t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}
