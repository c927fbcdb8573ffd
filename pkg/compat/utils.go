package compat

import (
	"fmt"
	"time"

	"kingtg-userbot/internal/infra/timeutil"
)

// HumanBytes форматирует размер в двоичных единицах: "1.50 KB".
func HumanBytes(size int64) string {
	if size <= 0 {
		return "0 B"
	}
	units := []string{"B", "KB", "MB", "GB", "TB"}
	value := float64(size)
	n := 0
	for value > 1024 && n < len(units)-1 {
		value /= 1024
		n++
	}
	return fmt.Sprintf("%.2f %s", value, units[n])
}

// TimeFormatter форматирует число секунд: "1h 2m 3s".
func TimeFormatter(seconds int64) string {
	return timeutil.ReadableDuration(time.Duration(seconds) * time.Second)
}

// ReadableTime форматирует длительность: "2d 3h".
func ReadableTime(d time.Duration) string {
	return timeutil.ReadableDuration(d)
}
