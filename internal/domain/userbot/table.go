package userbot

import (
	"context"
	"slices"
	"sync"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// ErrNoResponder — сообщение не привязано к клиенту.
var ErrNoResponder = errors.New("message has no responder")

// HandlerTable — потокобезопасная таблица обработчиков с выдачей монотонных ID.
// Порядок регистрации сохраняется и определяет порядок вызова при диспетчеризации.
type HandlerTable struct {
	mu     sync.RWMutex
	nextID HandlerID
	regs   []Registration
	log    *zap.Logger
}

// NewHandlerTable создаёт пустую таблицу. log может быть nil.
func NewHandlerTable(log *zap.Logger) *HandlerTable {
	if log == nil {
		log = zap.NewNop()
	}
	return &HandlerTable{log: log}
}

// Add регистрирует обработчик и возвращает его ID.
func (t *HandlerTable) Add(h Handler, f Filter) HandlerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	t.regs = append(t.regs, Registration{ID: t.nextID, Filter: f, Handler: h})
	return t.nextID
}

// Remove снимает регистрацию по ID.
func (t *HandlerTable) Remove(id HandlerID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := slices.IndexFunc(t.regs, func(r Registration) bool { return r.ID == id })
	if idx < 0 {
		return errors.Wrapf(ErrHandlerNotFound, "id %d", id)
	}
	t.regs = slices.Delete(t.regs, idx, idx+1)
	return nil
}

// List возвращает снимок регистраций.
func (t *HandlerTable) List() []Registration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.regs)
}

// Len возвращает число регистраций.
func (t *HandlerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.regs)
}

// Clear снимает все регистрации.
func (t *HandlerTable) Clear() {
	t.mu.Lock()
	t.regs = nil
	t.mu.Unlock()
}

// Dispatch вызывает подходящие обработчики по очереди. Ошибка или паника одного
// обработчика логируется и не мешает остальным. Возвращает число вызванных.
func (t *HandlerTable) Dispatch(ctx context.Context, m *Message) int {
	called := 0
	for _, reg := range t.List() {
		groups, ok := reg.Filter.Match(m)
		if !ok {
			continue
		}
		msg := *m
		msg.Matches = groups
		called++
		t.invoke(ctx, reg, &msg)
	}
	return called
}

func (t *HandlerTable) invoke(ctx context.Context, reg Registration, m *Message) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("Event handler panicked", zap.Uint64("handler_id", uint64(reg.ID)), zap.Any("panic", r))
		}
	}()
	if err := reg.Handler(ctx, m); err != nil {
		t.log.Warn("Event handler failed", zap.Uint64("handler_id", uint64(reg.ID)), zap.Error(err))
	}
}
