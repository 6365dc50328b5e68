package session

import (
	"sync"
	"time"

	"github.com/facebookgo/clock"
)

// Scheduler запускает периодическую задачу.
// fn не должна вызываться синхронно из Every. Возвращаемая stop
// идемпотентна и не ждет завершения уже начатого вызова fn.
type Scheduler interface {
	Every(interval time.Duration, fn func()) (stop func())
}

// ClockScheduler Scheduler на основе clock.Clock
type ClockScheduler struct {
	clock clock.Clock
}

// NewClockScheduler создает планировщик. nil означает реальные часы.
func NewClockScheduler(c clock.Clock) *ClockScheduler {
	if c == nil {
		c = clock.New()
	}
	return &ClockScheduler{clock: c}
}

func (s *ClockScheduler) Every(interval time.Duration, fn func()) func() {
	ticker := s.clock.Ticker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				select {
				case <-done:
					return
				default:
				}
				fn()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}
