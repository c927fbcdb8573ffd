package compat

import (
	"fmt"
	"html"
	"slices"
	"strings"
	"sync"
)

// HelpCommand — одна строка справки.
type HelpCommand struct {
	Command     string
	Params      string
	Description string
	Example     string
}

// HelpEntry — справка одного расширения.
type HelpEntry struct {
	Commands []HelpCommand
	Info     string
}

// HelpRegistry хранит справку расширений одного пользователя.
type HelpRegistry struct {
	mu      sync.RWMutex
	entries map[string]HelpEntry
}

// NewHelpRegistry создаёт пустой реестр.
func NewHelpRegistry() *HelpRegistry {
	return &HelpRegistry{entries: make(map[string]HelpEntry)}
}

// New начинает построение справки module. Запись сохраняется вызовом Add.
func (r *HelpRegistry) New(module string) *CmdHelp {
	return &CmdHelp{registry: r, module: module}
}

// Get возвращает справку module.
func (r *HelpRegistry) Get(module string) (HelpEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[module]
	return e, ok
}

// Modules возвращает имена расширений со справкой, по алфавиту.
func (r *HelpRegistry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Forget удаляет справку module (при выгрузке расширения).
func (r *HelpRegistry) Forget(module string) {
	r.mu.Lock()
	delete(r.entries, module)
	r.mu.Unlock()
}

// Format рендерит справку module в HTML-разметке Telegram с экранированием текста;
// пустая строка — справки нет.
func (r *HelpRegistry) Format(module string) string {
	e, ok := r.Get(module)
	if !ok {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📖 <b>%s</b>\n\n", html.EscapeString(module))
	for _, cmd := range e.Commands {
		fmt.Fprintf(&b, "• <code>%s%s</code>", CommandPrefix, html.EscapeString(cmd.Command))
		if cmd.Params != "" {
			fmt.Fprintf(&b, " <code>%s</code>", html.EscapeString(cmd.Params))
		}
		b.WriteString("\n")
		if cmd.Description != "" {
			fmt.Fprintf(&b, "  ➥ %s\n", html.EscapeString(cmd.Description))
		}
		if cmd.Example != "" {
			fmt.Fprintf(&b, "  📝 <code>%s</code>\n", html.EscapeString(cmd.Example))
		}
		b.WriteString("\n")
	}
	if e.Info != "" {
		fmt.Fprintf(&b, "ℹ️ %s", html.EscapeString(e.Info))
	}
	return strings.TrimRight(b.String(), "\n")
}

// CmdHelp — построитель справки расширения.
type CmdHelp struct {
	registry *HelpRegistry
	module   string
	entry    HelpEntry
}

// AddCommand добавляет команду.
func (h *CmdHelp) AddCommand(command, params, description, example string) *CmdHelp {
	h.entry.Commands = append(h.entry.Commands, HelpCommand{
		Command:     command,
		Params:      params,
		Description: description,
		Example:     example,
	})
	return h
}

// AddInfo задаёт пояснение к расширению.
func (h *CmdHelp) AddInfo(info string) *CmdHelp {
	h.entry.Info = info
	return h
}

// Add сохраняет справку в реестре, заменяя прежнюю.
func (h *CmdHelp) Add() *CmdHelp {
	h.registry.mu.Lock()
	h.registry.entries[h.module] = h.entry
	h.registry.mu.Unlock()
	return h
}
