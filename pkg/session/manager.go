package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"

	"github.com/arzzra/web_dialer/pkg/history"
	"github.com/arzzra/web_dialer/pkg/metrics"
)

// Snapshot состояние сессии для отображения
type Snapshot struct {
	Status Status
	// Label текст статуса для пользователя
	Label string
	// Registered устройство зарегистрировано
	Registered bool

	ActiveCall bool
	Direction  Direction
	Number     string
	Muted      bool

	DurationSeconds int

	LastError string
	Err       error

	History []history.Entry
	// CanCall true, если PlaceCall будет принят
	CanCall bool
}

// activeCall текущий вызов. handle равен nil, пока Connect не вернулся.
type activeCall struct {
	handle    Call
	direction Direction
	number    string
	connected bool
	cancelled bool
}

// Manager управляет жизненным циклом устройства и вызовов.
//
// Все изменения состояния выполняются под одним мьютексом, поэтому
// обработчики событий устройства не пересекаются. Методы Device и Call,
// которые могут синхронно породить событие, вызываются без мьютекса.
type Manager struct {
	tokens  TokenSource
	devices DeviceFactory
	store   *history.Store
	sched   Scheduler
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Collector

	recordIncoming bool

	mu          sync.Mutex
	fsm         *fsm.FSM
	transitions []Transition
	device      Device
	registered  bool
	call        *activeCall
	muted       bool
	duration    int
	lastErr     string
	err         error
	entries     []history.Entry
	started     bool
	closed      bool

	timerStop func()
	timerGen  uint64

	listeners []func(Snapshot)
}

// Option настраивает Manager
type Option func(*Manager)

// WithLogger задает логгер
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics задает сборщик метрик
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithScheduler задает планировщик таймера длительности
func WithScheduler(s Scheduler) Option {
	return func(m *Manager) { m.sched = s }
}

// WithClock задает часы для таймера и истории переходов
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithIncomingHistory включает запись входящих вызовов в историю
func WithIncomingHistory(enabled bool) Option {
	return func(m *Manager) { m.recordIncoming = enabled }
}

// NewManager создает менеджер сессии. Если store равен nil,
// история хранится в памяти.
func NewManager(tokens TokenSource, devices DeviceFactory, store *history.Store, opts ...Option) *Manager {
	m := &Manager{
		tokens:  tokens,
		devices: devices,
		store:   store,
		clock:   clock.New(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = history.NewStore(history.NewMemoryBackend(), history.WithLogger(m.logger))
	}
	if m.sched == nil {
		m.sched = NewClockScheduler(m.clock)
	}
	m.logger = m.logger.With(slog.String("component", "session"))
	m.initFSM()
	m.entries = m.store.Load()
	return m
}

// OnChange подписывает fn на изменения состояния. fn вызывается
// без удержания внутренних блокировок.
func (m *Manager) OnChange(fn func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// update выполняет fn под мьютексом и оповещает подписчиков
func (m *Manager) update(fn func()) {
	m.mu.Lock()
	fn()
	snap := m.snapshotLocked()
	listeners := append([]func(Snapshot){}, m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		l(snap)
	}
}

// Snapshot возвращает копию текущего состояния
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	status := m.statusLocked()
	s := Snapshot{
		Status:          status,
		Label:           status.Label(),
		Registered:      m.registered,
		Muted:           m.muted,
		DurationSeconds: m.duration,
		LastError:       m.lastErr,
		Err:             m.err,
		History:         append([]history.Entry(nil), m.entries...),
		CanCall:         m.canCallLocked(),
	}
	if m.call != nil {
		s.ActiveCall = true
		s.Direction = m.call.direction
		s.Number = m.call.number
	}
	return s
}

// Transitions возвращает последние переходы статуса
func (m *Manager) Transitions() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.transitions...)
}

// History возвращает последний снимок журнала вызовов
func (m *Manager) History() []history.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]history.Entry(nil), m.entries...)
}

func (m *Manager) canCallLocked() bool {
	return !m.closed && m.device != nil && m.registered && m.call == nil && m.statusLocked().idle()
}

// Start получает токен, создает устройство и запускает регистрацию.
// Готовность сообщается событием Registered и статусом Ready.
func (m *Manager) Start(ctx context.Context) error {
	var err error
	m.update(func() {
		switch {
		case m.closed:
			err = ErrClosed
		case m.started:
			err = ErrAlreadyStarted
		default:
			m.started = true
			m.entries = m.store.Load()
			m.transitionLocked(FetchingToken, "", nil)
		}
	})
	if err != nil {
		return err
	}

	tok, err := m.tokens.Acquire(ctx)
	if err != nil {
		m.fail(err)
		return &SetupError{Cause: err}
	}

	var closed bool
	m.update(func() {
		closed = m.closed
		if !closed {
			m.transitionLocked(RegisteringDevice, "", nil)
		}
	})
	if closed {
		return ErrClosed
	}

	dev, err := m.devices.NewDevice(ctx, tok)
	if err != nil {
		m.fail(err)
		return &SetupError{Cause: err}
	}

	m.mu.Lock()
	closed = m.closed
	if !closed {
		m.device = dev
	}
	m.mu.Unlock()
	if closed {
		m.destroy(dev)
		return ErrClosed
	}

	dev.Handle(DeviceEvents{
		Registered:         func() { m.handleRegistered(dev) },
		RegistrationFailed: func(err error) { m.handleRegistrationFailed(dev, err) },
		Error:              func(err error) { m.handleDeviceError(dev, err) },
		Incoming:           func(call Call) { m.handleIncoming(dev, call) },
	})

	m.logger.Info("registering device")
	if err := dev.Register(ctx); err != nil {
		m.fail(err)
		m.mu.Lock()
		owned := m.device == dev
		if owned {
			m.device = nil
		}
		m.mu.Unlock()
		// иначе устройство уже освободил Close или Restart
		if owned {
			m.destroy(dev)
		}
		return &SetupError{Cause: err}
	}
	return nil
}

// fail переводит сессию в SetupFailed
func (m *Manager) fail(cause error) {
	m.logger.Error("session setup failed", slog.String("error", cause.Error()))
	m.update(func() {
		m.transitionLocked(SetupFailed, cause.Error(), &SetupError{Cause: cause})
	})
}

// Restart освобождает ресурсы и выполняет Start заново со свежим токеном
func (m *Manager) Restart(ctx context.Context) error {
	var err error
	call, dev := m.detach(func() {
		if m.closed {
			err = ErrClosed
			return
		}
		m.started = false
		m.resetFSMLocked("restart")
	})
	m.release(call, dev)
	if err != nil {
		return err
	}
	return m.Start(ctx)
}

// Close завершает активный вызов, уничтожает устройство и
// останавливает таймер. Повторный вызов ничего не делает.
func (m *Manager) Close() error {
	already := false
	call, dev := m.detach(func() {
		already = m.closed
		m.closed = true
	})
	if already {
		return nil
	}
	m.release(call, dev)
	m.logger.Info("session closed")
	return nil
}

// detach под мьютексом отсоединяет вызов, устройство и таймер
func (m *Manager) detach(fn func()) (*activeCall, Device) {
	var (
		call *activeCall
		dev  Device
	)
	m.update(func() {
		fn()
		m.stopTimerLocked()
		call, dev = m.call, m.device
		m.call = nil
		m.device = nil
		m.registered = false
		m.muted = false
	})
	return call, dev
}

func (m *Manager) release(call *activeCall, dev Device) {
	if call != nil && call.handle != nil {
		if err := call.handle.Disconnect(); err != nil {
			m.logger.Warn("disconnect on teardown failed", slog.String("error", err.Error()))
		}
	}
	if dev != nil {
		m.destroy(dev)
	}
}

func (m *Manager) destroy(dev Device) {
	if err := dev.Destroy(); err != nil {
		m.logger.Warn("device destroy failed", slog.String("error", err.Error()))
	}
}

// currentDeviceLocked true, если событие пришло от текущего устройства
func (m *Manager) currentDeviceLocked(dev Device) bool {
	return !m.closed && m.device == dev
}

func (m *Manager) handleRegistered(dev Device) {
	m.update(func() {
		if !m.currentDeviceLocked(dev) {
			return
		}
		m.registered = true
		if m.statusLocked() == RegisteringDevice {
			m.transitionLocked(Ready, "", nil)
		}
		m.logger.Info("device registered")
	})
}

func (m *Manager) handleRegistrationFailed(dev Device, cause error) {
	m.update(func() {
		if !m.currentDeviceLocked(dev) {
			return
		}
		m.registered = false
		msg := "Registration failed: " + errorText(cause)
		m.transitionLocked(RegistrationError, msg, errors.Wrap(ErrRegistrationFailed, errorText(cause)))
		m.logger.Error("device registration failed", slog.String("error", errorText(cause)))
	})
}

func (m *Manager) handleDeviceError(dev Device, cause error) {
	m.update(func() {
		if !m.currentDeviceLocked(dev) {
			return
		}
		m.registered = false
		msg := "Device error: " + errorText(cause)
		m.transitionLocked(DeviceError, msg, errors.Wrap(ErrDevice, errorText(cause)))
		m.logger.Error("device error", slog.String("error", errorText(cause)))
	})
}

func (m *Manager) handleIncoming(dev Device, call Call) {
	var (
		accepted bool
		ac       *activeCall
	)
	m.update(func() {
		if !m.currentDeviceLocked(dev) || m.call != nil || !m.statusLocked().idle() {
			return
		}
		ac = &activeCall{handle: call, direction: Inbound, number: call.RemoteNumber()}
		m.call = ac
		m.duration = 0
		m.transitionLocked(IncomingRinging, "", nil)
		accepted = true
		m.logger.Info("incoming call", slog.String("from", ac.number))
	})

	if !accepted {
		m.logger.Warn("incoming call rejected, session busy", slog.String("from", call.RemoteNumber()))
		if err := call.Reject(); err != nil {
			m.logger.Warn("reject failed", slog.String("error", err.Error()))
		}
		return
	}
	call.Handle(m.callEvents(ac))
}

// PlaceCall начинает исходящий вызов на destination. Вызов принимается
// только если устройство готово и нет активного вызова; иначе устройство
// не затрагивается.
func (m *Manager) PlaceCall(ctx context.Context, destination string) error {
	number := strings.TrimSpace(history.SanitizeNumber(destination))
	if strings.Trim(number, "+- ") == "" {
		return ErrInvalidNumber
	}

	var (
		err error
		ac  *activeCall
		dev Device
	)
	m.update(func() {
		switch {
		case m.closed:
			err = ErrClosed
		case m.call != nil:
			err = ErrCallInProgress
		case !m.canCallLocked():
			err = ErrNotReady
		default:
			ac = &activeCall{direction: Outbound, number: number}
			m.call = ac
			m.muted = false
			m.duration = 0
			dev = m.device
			m.transitionLocked(Calling, "", nil)
		}
	})
	if err != nil {
		return err
	}

	m.logger.Info("placing call", slog.String("to", number))
	handle, err := dev.Connect(ctx, ConnectParams{To: number})
	if err != nil {
		m.update(func() {
			if m.call != ac {
				return
			}
			m.call = nil
			m.muted = false
			m.transitionLocked(CallError, "Call failed: "+err.Error(), errors.Wrap(ErrCall, err.Error()))
		})
		m.metrics.CallFinished(string(Outbound), "failed", 0, false)
		m.logger.Error("call failed", slog.String("to", number), slog.String("error", err.Error()))
		return errors.Wrap(ErrCall, err.Error())
	}

	var (
		stale     bool
		cancelled bool
	)
	m.update(func() {
		if m.call != ac {
			stale = true
			return
		}
		ac.handle = handle
		cancelled = ac.cancelled
	})
	if stale {
		_ = handle.Disconnect()
		return ErrClosed
	}

	handle.Handle(m.callEvents(ac))
	if cancelled {
		return handle.Disconnect()
	}
	return nil
}

// HangUp завершает активный вызов
func (m *Manager) HangUp() error {
	var (
		handle  Call
		ringing bool
	)
	m.mu.Lock()
	ac := m.call
	if ac == nil {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	if ac.handle == nil {
		ac.cancelled = true
		m.mu.Unlock()
		return nil
	}
	handle = ac.handle
	ringing = ac.direction == Inbound && !ac.connected
	m.mu.Unlock()

	if ringing {
		return m.Reject()
	}
	if err := handle.Disconnect(); err != nil {
		return errors.Wrap(ErrCall, err.Error())
	}
	return nil
}

// Answer принимает входящий вызов
func (m *Manager) Answer() error {
	m.mu.Lock()
	ac := m.call
	if ac == nil || ac.direction != Inbound || ac.connected {
		m.mu.Unlock()
		return ErrNotRinging
	}
	m.mu.Unlock()

	if err := ac.handle.Accept(); err != nil {
		return errors.Wrap(ErrCall, err.Error())
	}
	return nil
}

// Reject отклоняет входящий вызов
func (m *Manager) Reject() error {
	m.mu.Lock()
	ac := m.call
	if ac == nil || ac.direction != Inbound || ac.connected {
		m.mu.Unlock()
		return ErrNotRinging
	}
	m.mu.Unlock()

	err := ac.handle.Reject()
	m.update(func() {
		if m.call != ac {
			return
		}
		m.finishLocked(ac, "rejected")
		m.transitionLocked(Ended, "", nil)
	})
	if err != nil {
		return errors.Wrap(ErrCall, err.Error())
	}
	return nil
}

// ToggleMute переключает микрофон активного соединенного вызова.
// Без такого вызова состояние не меняется.
func (m *Manager) ToggleMute() error {
	var (
		handle Call
		muted  bool
		ac     *activeCall
	)
	m.update(func() {
		ac = m.call
		if ac == nil || ac.handle == nil || m.statusLocked() != Connected {
			return
		}
		m.muted = !m.muted
		muted = m.muted
		handle = ac.handle
	})
	if handle == nil {
		return ErrNoActiveCall
	}

	if err := handle.Mute(muted); err != nil {
		m.update(func() {
			if m.call == ac {
				m.muted = !muted
			}
		})
		return errors.Wrap(ErrCall, err.Error())
	}
	return nil
}

func (m *Manager) callEvents(ac *activeCall) CallEvents {
	return CallEvents{
		Accept:     func() { m.handleAccept(ac) },
		Disconnect: func() { m.handleDisconnect(ac) },
		Error:      func(err error) { m.handleCallError(ac, err) },
	}
}

func (m *Manager) handleAccept(ac *activeCall) {
	m.update(func() {
		if m.closed || m.call != ac {
			return
		}
		ac.connected = true
		if m.statusLocked() != Connected {
			m.transitionLocked(Connected, "", nil)
		}
		m.startTimerLocked()
		m.logger.Info("call connected", slog.String("number", ac.number))
	})
}

func (m *Manager) handleDisconnect(ac *activeCall) {
	m.update(func() {
		if m.closed || m.call != ac {
			return
		}
		m.finishLocked(ac, "completed")
		if ac.direction == Outbound || m.recordIncoming {
			entries, err := m.store.Record(history.Entry{
				PhoneNumber: ac.number,
				Duration:    history.Seconds(m.duration),
			})
			m.entries = entries
			if err != nil {
				m.logger.Warn("call history not persisted", slog.String("error", err.Error()))
			}
		}
		m.transitionLocked(Ended, "", nil)
		m.logger.Info("call ended",
			slog.String("number", ac.number),
			slog.Int("duration", m.duration))
	})
}

func (m *Manager) handleCallError(ac *activeCall, cause error) {
	m.update(func() {
		if m.closed || m.call != ac {
			return
		}
		m.finishLocked(ac, "error")
		m.transitionLocked(CallError, "Call error: "+errorText(cause), errors.Wrap(ErrCall, errorText(cause)))
		m.logger.Error("call error", slog.String("number", ac.number), slog.String("error", errorText(cause)))
	})
}

// finishLocked очищает состояние завершенного вызова
func (m *Manager) finishLocked(ac *activeCall, outcome string) {
	m.stopTimerLocked()
	m.call = nil
	m.muted = false
	m.metrics.CallFinished(string(ac.direction), outcome, time.Duration(m.duration)*time.Second, ac.connected)
}

// startTimerLocked сбрасывает длительность и запускает единственный таймер
func (m *Manager) startTimerLocked() {
	m.stopTimerLocked()
	m.duration = 0
	gen := m.timerGen
	m.timerStop = m.sched.Every(time.Second, func() { m.tick(gen) })
}

// stopTimerLocked останавливает таймер, если он запущен
func (m *Manager) stopTimerLocked() {
	if m.timerStop != nil {
		m.timerStop()
		m.timerStop = nil
	}
	m.timerGen++
}

func (m *Manager) tick(gen uint64) {
	m.update(func() {
		if gen != m.timerGen || m.timerStop == nil {
			return
		}
		m.duration++
	})
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
