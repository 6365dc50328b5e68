package session

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/looplab/fsm"
)

// maxTransitions длина хранимой истории переходов
const maxTransitions = 20

// Transition запись о смене статуса
type Transition struct {
	From   Status
	To     Status
	At     time.Time
	Reason string
}

// validTransitions матрица допустимых переходов статуса.
// RegistrationError, DeviceError и SetupFailed терминальны до Restart.
var validTransitions = map[Status][]Status{
	Initializing:      {FetchingToken, SetupFailed},
	FetchingToken:     {RegisteringDevice, SetupFailed},
	RegisteringDevice: {Ready, RegistrationError, DeviceError, SetupFailed},
	Ready:             {Calling, IncomingRinging, RegistrationError, DeviceError},
	Ended:             {Calling, IncomingRinging, RegistrationError, DeviceError},
	CallError:         {Calling, IncomingRinging, RegistrationError, DeviceError},
	Calling:           {Connected, Ended, CallError, RegistrationError, DeviceError},
	IncomingRinging:   {Connected, Ended, CallError, RegistrationError, DeviceError},
	Connected:         {Ended, CallError, RegistrationError, DeviceError},
}

// formEventName строит имя события FSM вида "SRC_to_DST"
func formEventName(src, dst Status) string {
	builder := strings.Builder{}
	builder.WriteString(string(src))
	builder.WriteString("_to_")
	builder.WriteString(string(dst))
	return builder.String()
}

func fsmEvents() fsm.Events {
	events := fsm.Events{}
	for src, dsts := range validTransitions {
		for _, dst := range dsts {
			events = append(events, fsm.EventDesc{
				Name: formEventName(src, dst),
				Src:  []string{string(src)},
				Dst:  string(dst),
			})
		}
	}
	return events
}

// initFSM создает машину состояний сессии.
// Переходы выполняются только под m.mu, поэтому after_event
// пишет в поля менеджера без дополнительной блокировки.
func (m *Manager) initFSM() {
	m.fsm = fsm.NewFSM(
		string(Initializing),
		fsmEvents(),
		fsm.Callbacks{
			"after_event": m.afterStateChange,
		},
	)
}

func (m *Manager) afterStateChange(_ context.Context, e *fsm.Event) {
	reason := ""
	if len(e.Args) > 0 {
		if r, ok := e.Args[0].(string); ok {
			reason = r
		}
	}
	m.recordTransition(Status(e.Src), Status(e.Dst), reason)
}

func (m *Manager) recordTransition(from, to Status, reason string) {
	m.transitions = append(m.transitions, Transition{
		From:   from,
		To:     to,
		At:     m.clock.Now(),
		Reason: reason,
	})
	if len(m.transitions) > maxTransitions {
		m.transitions = m.transitions[1:]
	}
	m.metrics.SessionTransition(string(from), string(to))
	m.logger.Debug("Session.StateChange",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason))
}

func (m *Manager) statusLocked() Status {
	return Status(m.fsm.Current())
}

// transitionLocked переводит сессию в статус to. msg сохраняется как
// LastError, cause как Err. Недопустимый переход игнорируется.
func (m *Manager) transitionLocked(to Status, msg string, cause error) bool {
	from := m.statusLocked()
	if from != to {
		if err := m.fsm.Event(context.Background(), formEventName(from, to), msg); err != nil {
			m.logger.Debug("Session.TransitionRejected",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
				slog.String("error", err.Error()))
			return false
		}
	}
	m.lastErr = msg
	m.err = cause
	return true
}

// resetFSMLocked возвращает машину в Initializing для повторного запуска
func (m *Manager) resetFSMLocked(reason string) {
	from := m.statusLocked()
	m.fsm.SetState(string(Initializing))
	m.lastErr = ""
	m.err = nil
	if from != Initializing {
		m.recordTransition(from, Initializing, reason)
	}
}
