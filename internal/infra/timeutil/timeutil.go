// Пакет timeutil содержит служебные функции для работы со временем: разбор таймзон,
// человекочитаемые длительности и единый формат отметок в сообщениях.
package timeutil

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// StampLayout — формат отметок времени в уведомлениях и журнале.
const StampLayout = "2006-01-02 15:04:05"

var offsetRe = regexp.MustCompile(`^([+-])\s*(\d{1,2})(?::?(\d{2}))?$`)

// ParseLocation разбирает IANA-таймзону ("Europe/Istanbul") либо UTC-смещение
// ("+03:00", "-0700", "UTC+3", "GMT-04:30").
func ParseLocation(value string) (*time.Location, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, errors.New("empty timezone")
	}
	if loc, err := time.LoadLocation(v); err == nil {
		return loc, nil
	}
	if loc, ok := ParseUTCOffsetToLocation(v); ok {
		return loc, nil
	}
	return nil, errors.Errorf("invalid timezone %q: not an IANA name or UTC offset", value)
}

// ParseUTCOffsetToLocation парсит смещения вида "+03:00", "-0700", "UTC+3" или "Z".
func ParseUTCOffsetToLocation(value string) (*time.Location, bool) {
	v := strings.TrimSpace(strings.ToUpper(value))
	if v == "Z" || v == "UTC" || v == "GMT" {
		return time.FixedZone("UTC+00:00", 0), true
	}
	v = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(v, "UTC"), "GMT"))
	m := offsetRe.FindStringSubmatch(v)
	if m == nil {
		return nil, false
	}
	sign := 1
	if m[1] == "-" {
		sign = -1
	}
	hours, err := strconv.Atoi(m[2])
	if err != nil {
		return nil, false
	}
	mins := 0
	if m[3] != "" {
		if mins, err = strconv.Atoi(m[3]); err != nil {
			return nil, false
		}
	}
	if hours > 14 || mins > 59 {
		return nil, false
	}
	offset := sign * (hours*3600 + mins*60)
	return time.FixedZone(fmt.Sprintf("UTC%+03d:%02d", sign*hours, mins), offset), true
}

// ReadableDuration форматирует длительность как "2d 3h 4m 5s"; нулевые части опускаются.
// Отрицательные и нулевые длительности дают "0s".
func ReadableDuration(d time.Duration) string {
	total := int64(d / time.Second)
	if total <= 0 {
		return "0s"
	}
	days := total / 86400
	total %= 86400
	hours := total / 3600
	total %= 3600
	minutes := total / 60
	seconds := total % 60

	parts := make([]string, 0, 4)
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if seconds > 0 {
		parts = append(parts, fmt.Sprintf("%ds", seconds))
	}
	return strings.Join(parts, " ")
}

// FormatStamp форматирует t в таймзоне loc (nil → UTC) по StampLayout.
func FormatStamp(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return "-"
	}
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(StampLayout)
}
