package sipdevice

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/arzzra/web_dialer/pkg/session"
)

const byeTimeout = 5 * time.Second

var (
	errNotInbound    = errors.New("call is not inbound")
	errAlreadyActive = errors.New("call already answered")
	errCallEnded     = errors.New("call already ended")
)

// callOps операции над SIP диалогом вызова
type callOps struct {
	// answer отвечает 200 OK с SDP (только входящий)
	answer func(body []byte) error
	// decline отклоняет входящий INVITE
	decline func() error
	bye     func(ctx context.Context) error
}

// call реализует session.Call поверх SIP диалога
type call struct {
	id        string
	remote    string
	direction session.Direction
	offer     []byte
	mediaIP   string

	media  *mediaStream
	ops    callOps
	logger *slog.Logger

	// dispatchMu упорядочивает доставку событий
	dispatchMu sync.Mutex
	mu         sync.Mutex
	events     *session.CallEvents
	pending    []func(session.CallEvents)
	answered   bool
	ended      bool
	cancel     context.CancelFunc
}

func (c *call) Handle(events session.CallEvents) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	c.events = &events
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, fn := range pending {
		fn(events)
	}
}

// emit доставляет событие или откладывает его до Handle
func (c *call) emit(fn func(session.CallEvents)) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	if c.events == nil {
		c.pending = append(c.pending, fn)
		c.mu.Unlock()
		return
	}
	events := *c.events
	c.mu.Unlock()
	fn(events)
}

func (c *call) emitAccept() {
	c.emit(func(ev session.CallEvents) {
		if ev.Accept != nil {
			ev.Accept()
		}
	})
}

func (c *call) emitDisconnect() {
	c.emit(func(ev session.CallEvents) {
		if ev.Disconnect != nil {
			ev.Disconnect()
		}
	})
}

func (c *call) emitError(err error) {
	c.emit(func(ev session.CallEvents) {
		if ev.Error != nil {
			ev.Error(err)
		}
	})
}

// Accept отвечает на входящий вызов и запускает медиапоток
func (c *call) Accept() error {
	c.mu.Lock()
	switch {
	case c.direction != session.Inbound:
		c.mu.Unlock()
		return errNotInbound
	case c.ended:
		c.mu.Unlock()
		return errCallEnded
	case c.answered:
		c.mu.Unlock()
		return errAlreadyActive
	}
	c.mu.Unlock()

	remote, err := remoteMedia(c.offer)
	if err != nil {
		return errors.Wrap(err, "incoming offer")
	}
	body, err := buildSDP(c.mediaIP, c.media.LocalPort(), uint64(time.Now().Unix()))
	if err != nil {
		return err
	}
	if err := c.ops.answer(body); err != nil {
		return errors.Wrap(err, "answer")
	}

	c.mu.Lock()
	c.answered = true
	c.mu.Unlock()

	c.media.Start(remote)
	c.logger.Info("incoming call answered", slog.String("callID", c.id))
	c.emitAccept()
	return nil
}

// Reject отклоняет входящий вызов. Событие Disconnect не генерируется.
func (c *call) Reject() error {
	c.mu.Lock()
	if c.direction != session.Inbound {
		c.mu.Unlock()
		return errNotInbound
	}
	if c.answered {
		c.mu.Unlock()
		return errAlreadyActive
	}
	c.mu.Unlock()

	if !c.finish() {
		return nil
	}
	if err := c.ops.decline(); err != nil {
		return errors.Wrap(err, "decline")
	}
	return nil
}

// Disconnect завершает вызов. Для еще не отвеченного исходящего
// вызова отменяет ожидание ответа, событие придет из горутины INVITE.
func (c *call) Disconnect() error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return nil
	}
	if !c.answered && c.cancel != nil {
		cancel := c.cancel
		c.mu.Unlock()
		cancel()
		return nil
	}
	c.mu.Unlock()

	if !c.finish() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
	defer cancel()
	err := c.ops.bye(ctx)
	c.emitDisconnect()
	if err != nil {
		return errors.Wrap(err, "bye")
	}
	return nil
}

func (c *call) Mute(muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return errCallEnded
	}
	c.media.SetMuted(muted)
	return nil
}

func (c *call) RemoteNumber() string {
	return c.remote
}

// connected вызывается, когда исходящий вызов получил 200 OK
func (c *call) connected(answer []byte) {
	remote, err := remoteMedia(answer)
	if err != nil {
		if c.finish() {
			ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
			_ = c.ops.bye(ctx)
			cancel()
			c.emitError(errors.Wrap(err, "answer sdp"))
		}
		return
	}
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.answered = true
	c.cancel = nil
	c.mu.Unlock()

	c.media.Start(remote)
	c.emitAccept()
}

// remoteHangup собеседник завершил вызов
func (c *call) remoteHangup() {
	if c.finish() {
		c.emitDisconnect()
	}
}

func (c *call) failed(err error) {
	if c.finish() {
		c.emitError(err)
	}
}

// finish помечает вызов завершенным и закрывает медиапоток.
// Возвращает false, если вызов уже был завершен.
func (c *call) finish() bool {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return false
	}
	c.ended = true
	c.mu.Unlock()

	if err := c.media.Close(); err != nil {
		c.logger.Debug("media close", slog.String("error", err.Error()))
	}
	return true
}
