// Package concurrency — вспомогательная инфраструктура конкурентного исполнения:
// пер-ключевые блокировки и периодические фоновые циклы с корректной остановкой.
package concurrency

import "sync"

// KeyedMutex выдаёт отдельный мьютекс на каждый ключ. Мьютексы создаются лениво
// при первом обращении и живут до конца процесса: число ключей ограничено числом
// пользователей, а удаление записи под чужой блокировкой привело бы к двум владельцам.
type KeyedMutex[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*sync.Mutex
}

// NewKeyedMutex создаёт пустую таблицу блокировок.
func NewKeyedMutex[K comparable]() *KeyedMutex[K] {
	return &KeyedMutex[K]{locks: make(map[K]*sync.Mutex)}
}

func (k *KeyedMutex[K]) get(key K) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}

// Lock захватывает мьютекс ключа и возвращает функцию освобождения.
func (k *KeyedMutex[K]) Lock(key K) func() {
	m := k.get(key)
	m.Lock()
	return m.Unlock
}

// TryLock пытается захватить мьютекс без ожидания. ok=false — ключ занят.
func (k *KeyedMutex[K]) TryLock(key K) (unlock func(), ok bool) {
	m := k.get(key)
	if !m.TryLock() {
		return nil, false
	}
	return m.Unlock, true
}

// Len возвращает число созданных блокировок.
func (k *KeyedMutex[K]) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
