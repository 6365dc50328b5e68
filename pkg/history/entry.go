// Package history хранит ограниченный журнал последних вызовов.
//
// Журнал содержит не более MaxEntries записей, упорядоченных от новых к старым,
// и не более одной записи на номер. Журнал сохраняется одним JSON массивом под
// ключом StorageKey в Backend.
package history

import (
	"fmt"
	"regexp"
	"time"
)

const (
	// MaxEntries максимальная длина журнала
	MaxEntries = 5
	// StorageKey ключ, под которым журнал хранится в Backend
	StorageKey = "twilio-dialer-call-history"
)

// Entry запись журнала вызовов. После создания не изменяется.
type Entry struct {
	// PhoneNumber номер собеседника
	PhoneNumber string `json:"phoneNumber"`
	// Timestamp время записи в миллисекундах с начала эпохи
	Timestamp int64 `json:"timestamp"`
	// Duration длительность в секундах, есть только у завершенных вызовов
	Duration *int `json:"duration,omitempty"`
}

// Time возвращает Timestamp как time.Time
func (e Entry) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// DurationSeconds возвращает длительность и признак ее наличия
func (e Entry) DurationSeconds() (int, bool) {
	if e.Duration == nil {
		return 0, false
	}
	return *e.Duration, true
}

// Seconds удобный конструктор для поля Duration
func Seconds(n int) *int {
	if n < 0 {
		n = 0
	}
	return &n
}

var numberJunk = regexp.MustCompile(`[^\d+\s-]`)

// SanitizeNumber удаляет из ввода все, кроме цифр, '+', пробелов и '-'.
func SanitizeNumber(raw string) string {
	return numberJunk.ReplaceAllString(raw, "")
}

// FormatDuration форматирует секунды как mm:ss
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// FormatTimestamp форматирует время записи для списка истории в зоне loc.
// Если loc равен nil, используется time.Local.
func FormatTimestamp(ms int64, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return time.UnixMilli(ms).In(loc).Format("Jan 2, 3:04 PM")
}
