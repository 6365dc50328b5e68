package session

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/arzzra/web_dialer/pkg/history"
	"github.com/arzzra/web_dialer/pkg/token"
)

type ManagerSuite struct {
	suite.Suite

	ctx        context.Context
	tokens     *fakeTokens
	devices    []*fakeDevice
	factoryErr error
	sched      *fakeScheduler
	store      *history.Store
	m          *Manager
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.ctx = context.Background()
	s.tokens = &fakeTokens{token: "tok-1"}
	s.devices = nil
	s.factoryErr = nil
	s.sched = newFakeScheduler()
	s.store = history.NewStore(history.NewMemoryBackend())
	s.m = s.newManager()
}

func (s *ManagerSuite) newManager(opts ...Option) *Manager {
	factory := DeviceFactoryFunc(func(_ context.Context, tok string) (Device, error) {
		if s.factoryErr != nil {
			return nil, s.factoryErr
		}
		d := &fakeDevice{token: tok}
		s.devices = append(s.devices, d)
		return d, nil
	})
	opts = append([]Option{WithScheduler(s.sched)}, opts...)
	return NewManager(s.tokens, factory, s.store, opts...)
}

func (s *ManagerSuite) TearDownTest() {
	s.Require().NoError(s.m.Close())
}

func (s *ManagerSuite) device() *fakeDevice {
	s.Require().NotEmpty(s.devices)
	return s.devices[len(s.devices)-1]
}

// ready запускает сессию и регистрирует устройство
func (s *ManagerSuite) ready() {
	s.Require().NoError(s.m.Start(s.ctx))
	s.Require().Equal(RegisteringDevice, s.m.Snapshot().Status)
	s.device().emit().Registered()
	s.Require().Equal(Ready, s.m.Snapshot().Status)
}

// connected размещает исходящий вызов и принимает его
func (s *ManagerSuite) connected(number string) *fakeCall {
	s.Require().NoError(s.m.PlaceCall(s.ctx, number))
	call := s.device().lastCall()
	s.Require().NotNil(call)
	call.handlers().Accept()
	s.Require().Equal(Connected, s.m.Snapshot().Status)
	return call
}

func (s *ManagerSuite) TestStartRegistersDevice() {
	s.ready()

	snap := s.m.Snapshot()
	s.True(snap.Registered)
	s.True(snap.CanCall)
	s.Equal("Ready", snap.Label)
	s.Empty(snap.LastError)
	s.Equal("tok-1", s.device().token)
	s.Equal(1, s.device().registerCalls)

	var path []Status
	for _, tr := range s.m.Transitions() {
		path = append(path, tr.To)
	}
	s.Equal([]Status{FetchingToken, RegisteringDevice, Ready}, path)
}

func (s *ManagerSuite) TestStartTwice() {
	s.ready()
	s.ErrorIs(s.m.Start(s.ctx), ErrAlreadyStarted)
	s.Len(s.devices, 1)
}

func (s *ManagerSuite) TestTokenFailure() {
	s.tokens.err = &token.UnavailableError{Endpoint: "/api/simple-token", Detail: "status 500"}

	err := s.m.Start(s.ctx)
	s.Require().Error(err)
	s.True(errors.Is(err, ErrSetup))
	s.True(errors.Is(err, token.ErrTokenUnavailable))

	var unavailable *token.UnavailableError
	s.Require().True(errors.As(err, &unavailable))
	s.Equal("/api/simple-token", unavailable.Endpoint)

	snap := s.m.Snapshot()
	s.Equal(SetupFailed, snap.Status)
	s.Contains(snap.LastError, "status 500")
	s.True(errors.Is(snap.Err, ErrSetup))
	s.True(errors.Is(snap.Err, token.ErrTokenUnavailable))
	s.Empty(s.devices)
}

func (s *ManagerSuite) TestDeviceConstructionFailure() {
	s.factoryErr = errBoom
	s.Error(s.m.Start(s.ctx))
	s.Equal(SetupFailed, s.m.Snapshot().Status)
}

func (s *ManagerSuite) TestRegisterFailsSynchronously() {
	factory := DeviceFactoryFunc(func(context.Context, string) (Device, error) {
		d := &fakeDevice{registerErr: errBoom}
		s.devices = append(s.devices, d)
		return d, nil
	})
	s.m = NewManager(s.tokens, factory, s.store, WithScheduler(s.sched))

	err := s.m.Start(s.ctx)
	s.True(errors.Is(err, ErrSetup))
	s.True(errors.Is(err, errBoom))
	s.Equal(SetupFailed, s.m.Snapshot().Status)

	// устройство освобождается сразу, не дожидаясь Close
	s.Require().Len(s.devices, 1)
	s.Equal(1, s.devices[0].destroyed)

	s.Require().NoError(s.m.Close())
	s.Equal(1, s.devices[0].destroyed)
}

func (s *ManagerSuite) TestRegistrationFailedEvent() {
	s.Require().NoError(s.m.Start(s.ctx))
	s.device().emit().RegistrationFailed(errors.New("bad credentials"))

	snap := s.m.Snapshot()
	s.Equal(RegistrationError, snap.Status)
	s.Equal("Registration failed: bad credentials", snap.LastError)
	s.True(errors.Is(snap.Err, ErrRegistrationFailed))
	s.False(snap.CanCall)

	s.ErrorIs(s.m.PlaceCall(s.ctx, "+15550100"), ErrNotReady)
	s.Zero(s.device().connectCount())
}

func (s *ManagerSuite) TestDeviceErrorEvent() {
	s.ready()
	s.device().emit().Error(errors.New("transport closed"))

	snap := s.m.Snapshot()
	s.Equal(DeviceError, snap.Status)
	s.Equal("Device error: transport closed", snap.LastError)
	s.True(errors.Is(snap.Err, ErrDevice))
}

func (s *ManagerSuite) TestPlaceCallBeforeReady() {
	s.Require().NoError(s.m.Start(s.ctx))

	s.ErrorIs(s.m.PlaceCall(s.ctx, "+15550100"), ErrNotReady)
	s.Zero(s.device().connectCount())
	s.Equal(RegisteringDevice, s.m.Snapshot().Status)
}

func (s *ManagerSuite) TestPlaceCallInvalidNumber() {
	s.ready()
	s.ErrorIs(s.m.PlaceCall(s.ctx, "  abc "), ErrInvalidNumber)
	s.ErrorIs(s.m.PlaceCall(s.ctx, "+"), ErrInvalidNumber)
	s.Zero(s.device().connectCount())
}

func (s *ManagerSuite) TestPlaceCallSanitizesNumber() {
	s.ready()
	s.Require().NoError(s.m.PlaceCall(s.ctx, "+1 (555) 010-0100"))
	s.Equal("+1 555 010-0100", s.device().connects[0].To)
	s.Equal("+1 555 010-0100", s.m.Snapshot().Number)
}

func (s *ManagerSuite) TestPlaceCallWhileActive() {
	s.ready()
	s.Require().NoError(s.m.PlaceCall(s.ctx, "+15550100"))
	s.Equal(Calling, s.m.Snapshot().Status)

	s.ErrorIs(s.m.PlaceCall(s.ctx, "+15550199"), ErrCallInProgress)
	s.Equal(1, s.device().connectCount())
}

func (s *ManagerSuite) TestOutboundCallLifecycle() {
	s.ready()
	call := s.connected("+15550100")

	s.sched.tick(3)
	s.Equal(3, s.m.Snapshot().DurationSeconds)

	call.handlers().Disconnect()

	snap := s.m.Snapshot()
	s.Equal(Ended, snap.Status)
	s.Equal("Call ended", snap.Label)
	s.False(snap.ActiveCall)
	s.False(snap.Muted)
	s.True(snap.CanCall)
	s.Zero(s.sched.active())

	s.Require().Len(snap.History, 1)
	s.Equal("+15550100", snap.History[0].PhoneNumber)
	d, ok := snap.History[0].DurationSeconds()
	s.True(ok)
	s.Equal(3, d)
	s.Equal(snap.History, s.store.Load())

	// опоздавший тик после остановки не увеличивает длительность
	s.sched.tickStopped()
	s.Equal(3, s.m.Snapshot().DurationSeconds)
}

func (s *ManagerSuite) TestDoubleAcceptKeepsSingleTimer() {
	s.ready()
	call := s.connected("+15550100")
	s.sched.tick(2)

	call.handlers().Accept()
	s.Equal(1, s.sched.active())
	s.Equal(0, s.m.Snapshot().DurationSeconds)

	s.sched.tick(1)
	s.Equal(1, s.m.Snapshot().DurationSeconds)

	s.sched.tickStopped()
	s.Equal(2, s.m.Snapshot().DurationSeconds)
}

func (s *ManagerSuite) TestCallErrorSkipsHistory() {
	s.ready()
	call := s.connected("+15550100")
	s.sched.tick(5)

	call.handlers().Error(errors.New("31005 connection error"))

	snap := s.m.Snapshot()
	s.Equal(CallError, snap.Status)
	s.Equal("Call error: 31005 connection error", snap.LastError)
	s.True(errors.Is(snap.Err, ErrCall))
	s.False(snap.ActiveCall)
	s.False(snap.Muted)
	s.Empty(snap.History)
	s.Zero(s.sched.active())

	s.sched.tickStopped()
	s.Equal(5, s.m.Snapshot().DurationSeconds)
}

func (s *ManagerSuite) TestConnectFailure() {
	s.ready()
	s.device().connectErr = errBoom

	err := s.m.PlaceCall(s.ctx, "+15550100")
	s.True(errors.Is(err, ErrCall))

	snap := s.m.Snapshot()
	s.Equal(CallError, snap.Status)
	s.Equal("Call failed: boom", snap.LastError)
	s.False(snap.ActiveCall)
	s.True(snap.CanCall)
}

func (s *ManagerSuite) TestCallAgainAfterEnded() {
	s.ready()
	first := s.connected("+15550100")
	first.handlers().Disconnect()

	s.Require().NoError(s.m.PlaceCall(s.ctx, "+15550199"))
	s.Equal(Calling, s.m.Snapshot().Status)

	// события от завершенного вызова игнорируются
	first.handlers().Accept()
	first.handlers().Disconnect()
	snap := s.m.Snapshot()
	s.Equal(Calling, snap.Status)
	s.True(snap.ActiveCall)
	s.Equal("+15550199", snap.Number)
}

func (s *ManagerSuite) TestUnansweredCallRecordsZeroDuration() {
	s.ready()
	first := s.connected("+15550100")
	s.sched.tick(30)
	first.handlers().Disconnect()
	s.Equal(30, s.m.Snapshot().DurationSeconds)

	s.Require().NoError(s.m.PlaceCall(s.ctx, "+15550199"))
	s.Equal(0, s.m.Snapshot().DurationSeconds)
	second := s.device().lastCall()
	s.Require().NotNil(second)
	second.handlers().Disconnect()

	snap := s.m.Snapshot()
	s.Equal(Ended, snap.Status)
	s.Require().Len(snap.History, 2)
	s.Equal("+15550199", snap.History[0].PhoneNumber)
	d, ok := snap.History[0].DurationSeconds()
	s.True(ok)
	s.Equal(0, d)

	d, ok = snap.History[1].DurationSeconds()
	s.True(ok)
	s.Equal(30, d)
}

func (s *ManagerSuite) TestToggleMuteWithoutCall() {
	s.ready()
	before := s.m.Snapshot()

	s.ErrorIs(s.m.ToggleMute(), ErrNoActiveCall)

	after := s.m.Snapshot()
	s.Equal(before.Status, after.Status)
	s.Equal(before.Muted, after.Muted)
}

func (s *ManagerSuite) TestToggleMuteWhileCalling() {
	s.ready()
	s.Require().NoError(s.m.PlaceCall(s.ctx, "+15550100"))

	s.ErrorIs(s.m.ToggleMute(), ErrNoActiveCall)
	s.False(s.m.Snapshot().Muted)
	s.Empty(s.device().lastCall().mutes)
}

func (s *ManagerSuite) TestToggleMute() {
	s.ready()
	call := s.connected("+15550100")

	s.Require().NoError(s.m.ToggleMute())
	s.True(s.m.Snapshot().Muted)
	s.Require().NoError(s.m.ToggleMute())
	s.False(s.m.Snapshot().Muted)
	s.Equal([]bool{true, false}, call.mutes)

	s.Require().NoError(s.m.ToggleMute())
	call.handlers().Disconnect()
	s.False(s.m.Snapshot().Muted)
}

func (s *ManagerSuite) TestToggleMuteFailureReverts() {
	s.ready()
	call := s.connected("+15550100")
	call.muteErr = errBoom

	s.Error(s.m.ToggleMute())
	s.False(s.m.Snapshot().Muted)
}

func (s *ManagerSuite) TestHangUp() {
	s.ErrorIs(s.m.HangUp(), ErrNoActiveCall)

	s.ready()
	call := s.connected("+15550100")
	s.Require().NoError(s.m.HangUp())

	s.Equal(1, call.disconnects())
	s.Equal(Ended, s.m.Snapshot().Status)
	s.Len(s.m.History(), 1)
}

func (s *ManagerSuite) TestIncomingCall() {
	s.ready()
	incoming := &fakeCall{remote: "+15550222"}
	s.device().emit().Incoming(incoming)

	snap := s.m.Snapshot()
	s.Equal(IncomingRinging, snap.Status)
	s.Equal(Inbound, snap.Direction)
	s.Equal("+15550222", snap.Number)
	s.False(snap.CanCall)

	s.Require().NoError(s.m.Answer())
	s.Equal(Connected, s.m.Snapshot().Status)
	s.sched.tick(4)

	incoming.handlers().Disconnect()
	snap = s.m.Snapshot()
	s.Equal(Ended, snap.Status)
	s.Empty(snap.History)
	s.Zero(s.sched.active())
}

func (s *ManagerSuite) TestIncomingHistoryOptIn() {
	s.m = s.newManager(WithIncomingHistory(true))
	s.ready()
	incoming := &fakeCall{remote: "+15550222"}
	s.device().emit().Incoming(incoming)
	s.Require().NoError(s.m.Answer())
	incoming.handlers().Disconnect()

	s.Require().Len(s.m.History(), 1)
	s.Equal("+15550222", s.m.History()[0].PhoneNumber)
}

func (s *ManagerSuite) TestRejectIncoming() {
	s.ready()
	s.ErrorIs(s.m.Reject(), ErrNotRinging)

	incoming := &fakeCall{remote: "+15550222"}
	s.device().emit().Incoming(incoming)
	s.Require().NoError(s.m.HangUp())

	s.Equal(1, incoming.rejected)
	snap := s.m.Snapshot()
	s.Equal(Ended, snap.Status)
	s.False(snap.ActiveCall)
	s.ErrorIs(s.m.Answer(), ErrNotRinging)
}

func (s *ManagerSuite) TestIncomingWhileBusyIsRejected() {
	s.ready()
	s.connected("+15550100")

	second := &fakeCall{remote: "+15550333"}
	s.device().emit().Incoming(second)

	s.Equal(1, second.rejected)
	snap := s.m.Snapshot()
	s.Equal(Connected, snap.Status)
	s.Equal("+15550100", snap.Number)
}

func (s *ManagerSuite) TestCloseTearsDown() {
	s.ready()
	call := s.connected("+15550100")
	dev := s.device()

	s.Require().NoError(s.m.Close())
	s.Require().NoError(s.m.Close())

	s.Equal(1, call.disconnects())
	s.Equal(1, dev.destroyed)
	s.Zero(s.sched.active())
	s.False(s.m.Snapshot().ActiveCall)
	// закрытие не считается завершением вызова пользователем
	s.Empty(s.store.Load())

	s.ErrorIs(s.m.PlaceCall(s.ctx, "+15550100"), ErrClosed)
	s.ErrorIs(s.m.Start(s.ctx), ErrClosed)
	s.ErrorIs(s.m.Restart(s.ctx), ErrClosed)
}

func (s *ManagerSuite) TestRestartAfterRegistrationError() {
	s.Require().NoError(s.m.Start(s.ctx))
	old := s.device()
	old.emit().RegistrationFailed(errBoom)
	s.Require().Equal(RegistrationError, s.m.Snapshot().Status)

	s.tokens.token = "tok-2"
	s.Require().NoError(s.m.Restart(s.ctx))
	s.Require().Len(s.devices, 2)
	s.Equal(1, old.destroyed)
	s.Equal("tok-2", s.device().token)

	// устаревшее устройство не влияет на сессию
	old.emit().Registered()
	s.Equal(RegisteringDevice, s.m.Snapshot().Status)

	s.device().emit().Registered()
	snap := s.m.Snapshot()
	s.Equal(Ready, snap.Status)
	s.Empty(snap.LastError)
	s.Equal(2, s.tokens.calls)
}

func (s *ManagerSuite) TestOnChangeListenerMayReadSnapshot() {
	var (
		mu       sync.Mutex
		statuses []Status
	)
	s.m.OnChange(func(snap Snapshot) {
		_ = s.m.Snapshot()
		mu.Lock()
		statuses = append(statuses, snap.Status)
		mu.Unlock()
	})
	s.ready()

	mu.Lock()
	defer mu.Unlock()
	s.Contains(statuses, FetchingToken)
	s.Equal(Ready, statuses[len(statuses)-1])
}

func (s *ManagerSuite) TestHistoryLoadedOnStart() {
	_, err := s.store.Record(history.Entry{PhoneNumber: "+15550999"})
	s.Require().NoError(err)

	s.ready()
	s.Require().Len(s.m.Snapshot().History, 1)
}

func (s *ManagerSuite) TestTransitionsBounded() {
	s.ready()
	for i := 0; i < maxTransitions; i++ {
		s.connected("+15550100").handlers().Disconnect()
	}
	s.Len(s.m.Transitions(), maxTransitions)
}

func TestStatusLabels(t *testing.T) {
	for status := range labels {
		require.NotEmpty(t, status.Label())
	}
	require.Equal(t, "Incoming call...", IncomingRinging.Label())
	require.True(t, SetupFailed.IsError())
	require.False(t, Ended.IsError())
}

func TestFSMRejectsUnknownTransition(t *testing.T) {
	m := NewManager(&fakeTokens{}, nil, nil, WithScheduler(newFakeScheduler()))
	m.mu.Lock()
	defer m.mu.Unlock()
	require.False(t, m.transitionLocked(Connected, "", nil))
	require.Equal(t, Initializing, m.statusLocked())
}
