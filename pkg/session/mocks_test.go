package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// fakeTokens источник токенов с заданным ответом
type fakeTokens struct {
	token string
	err   error
	calls int
}

func (f *fakeTokens) Acquire(context.Context) (string, error) {
	f.calls++
	return f.token, f.err
}

// fakeDevice устройство, события которого генерирует тест
type fakeDevice struct {
	mu sync.Mutex

	token       string
	events      DeviceEvents
	registerErr error
	connectErr  error
	// autoRegister генерирует Registered внутри Register
	autoRegister bool

	registerCalls int
	connects      []ConnectParams
	calls         []*fakeCall
	destroyed     int
}

func (d *fakeDevice) Handle(events DeviceEvents) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = events
}

func (d *fakeDevice) Register(context.Context) error {
	d.mu.Lock()
	d.registerCalls++
	auto := d.autoRegister && d.registerErr == nil
	events := d.events
	err := d.registerErr
	d.mu.Unlock()
	if auto && events.Registered != nil {
		events.Registered()
	}
	return err
}

func (d *fakeDevice) Connect(_ context.Context, params ConnectParams) (Call, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects = append(d.connects, params)
	if d.connectErr != nil {
		return nil, d.connectErr
	}
	c := &fakeCall{remote: params.To}
	d.calls = append(d.calls, c)
	return c, nil
}

func (d *fakeDevice) Destroy() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed++
	return nil
}

func (d *fakeDevice) connectCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.connects)
}

func (d *fakeDevice) lastCall() *fakeCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.calls) == 0 {
		return nil
	}
	return d.calls[len(d.calls)-1]
}

func (d *fakeDevice) emit() DeviceEvents {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.events
}

// fakeCall вызов, события которого генерирует тест.
// Disconnect и Reject синхронно генерируют Disconnect, как провайдерский SDK.
type fakeCall struct {
	mu sync.Mutex

	remote string
	events CallEvents

	accepted     int
	rejected     int
	disconnected int
	mutes        []bool
	muteErr      error
}

func (c *fakeCall) Handle(events CallEvents) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = events
}

func (c *fakeCall) Accept() error {
	c.mu.Lock()
	c.accepted++
	events := c.events
	c.mu.Unlock()
	if events.Accept != nil {
		events.Accept()
	}
	return nil
}

func (c *fakeCall) Reject() error {
	c.mu.Lock()
	c.rejected++
	c.mu.Unlock()
	return nil
}

func (c *fakeCall) Disconnect() error {
	c.mu.Lock()
	c.disconnected++
	events := c.events
	c.mu.Unlock()
	if events.Disconnect != nil {
		events.Disconnect()
	}
	return nil
}

func (c *fakeCall) Mute(muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.muteErr != nil {
		return c.muteErr
	}
	c.mutes = append(c.mutes, muted)
	return nil
}

func (c *fakeCall) RemoteNumber() string {
	return c.remote
}

func (c *fakeCall) handlers() CallEvents {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

func (c *fakeCall) disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// fakeScheduler ручной планировщик: тики генерирует тест
type fakeScheduler struct {
	mu     sync.Mutex
	nextID int
	tasks  map[int]func()
	all    []func()
	starts int
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{tasks: make(map[int]func())}
}

func (s *fakeScheduler) Every(_ time.Duration, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.tasks[id] = fn
	s.all = append(s.all, fn)
	s.starts++
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.tasks, id)
	}
}

func (s *fakeScheduler) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// tick вызывает все активные задачи n раз
func (s *fakeScheduler) tick(n int) {
	for i := 0; i < n; i++ {
		s.mu.Lock()
		fns := make([]func(), 0, len(s.tasks))
		for _, fn := range s.tasks {
			fns = append(fns, fn)
		}
		s.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	}
}

// tickStopped вызывает все когда-либо запущенные задачи,
// включая остановленные, как опоздавший тик
func (s *fakeScheduler) tickStopped() {
	s.mu.Lock()
	fns := append([]func(){}, s.all...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

var errBoom = errors.New("boom")
