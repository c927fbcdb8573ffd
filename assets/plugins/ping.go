//go:build ignore

// author: hub
// version: 1.1.0
// always_on: false

// Package ping отвечает на .ping задержкой обработки и показывает аптайм расширения.
package ping

import (
	"context"
	"fmt"
	"time"

	"kingtg-userbot/pkg/compat"
)

var (
	started time.Time
	ids     []compat.HandlerID
)

func Register(c *compat.Client) error {
	started = time.Now()
	c.Help().
		AddCommand("ping", "", "measure handler latency", ".ping").
		AddCommand("uptime", "", "time since the plugin was loaded", ".uptime").
		Add()

	ids = append(ids, c.On(compat.Command("ping"), func(ctx context.Context, m *compat.Message) error {
		took := time.Since(m.Date).Round(time.Millisecond)
		return compat.EditOrReply(ctx, m, fmt.Sprintf("🏓 Pong! %s", took))
	}))
	ids = append(ids, c.On(compat.Command("uptime"), func(ctx context.Context, m *compat.Message) error {
		return compat.EditOrReply(ctx, m, "⏱ Up for "+compat.ReadableTime(time.Since(started)))
	}))
	return nil
}

func Unregister(c *compat.Client) error {
	for _, id := range ids {
		_ = c.Off(id)
	}
	ids = nil
	return nil
}
