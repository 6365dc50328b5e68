// Package sipdevice реализует голосовое устройство поверх SIP.
//
// Устройство регистрируется на регистраторе, совершает и принимает
// вызовы через диалоги sipgo и передает аудио по RTP. Имя клиента
// берется из токена, полученного от сервера токенов.
package sipdevice

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/facebookgo/clock"
	"github.com/pkg/errors"

	"github.com/arzzra/web_dialer/pkg/config"
	"github.com/arzzra/web_dialer/pkg/metrics"
	"github.com/arzzra/web_dialer/pkg/session"
	"github.com/arzzra/web_dialer/pkg/token"
)

// identityHeader передает имя клиента из токена
const identityHeader = "X-Client-Identity"

var (
	ErrNoIdentity  = errors.New("no sip identity: token has none and username is empty")
	ErrDestroyed   = errors.New("device destroyed")
	errUnsupported = errors.New("unsupported transport")
)

// Option настройка фабрики
type Option func(*Factory)

func WithLogger(l *slog.Logger) Option {
	return func(f *Factory) { f.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(f *Factory) { f.metrics = m }
}

func WithClock(c clock.Clock) Option {
	return func(f *Factory) { f.clk = c }
}

// Factory создает SIP устройства, реализует session.DeviceFactory
type Factory struct {
	cfg     config.SIPConfig
	logger  *slog.Logger
	metrics *metrics.Collector
	clk     clock.Clock
}

func NewFactory(cfg config.SIPConfig, opts ...Option) *Factory {
	f := &Factory{
		cfg:    cfg,
		logger: slog.Default(),
		clk:    clock.New(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With(slog.String("component", "sip"))
	return f
}

// resolveIdentity имя клиента из токена либо имя пользователя SIP
func (f *Factory) resolveIdentity(tok string) (string, error) {
	identity, err := token.IdentityFromToken(tok)
	if err == nil {
		return identity, nil
	}
	if f.cfg.Username != "" {
		f.logger.Debug("token identity unavailable, using sip username", slog.String("error", err.Error()))
		return f.cfg.Username, nil
	}
	return "", errors.Wrap(ErrNoIdentity, err.Error())
}

// NewDevice создает устройство и запускает SIP слушатель
func (f *Factory) NewDevice(ctx context.Context, tok string) (session.Device, error) {
	identity, err := f.resolveIdentity(tok)
	if err != nil {
		return nil, err
	}
	transport := strings.ToLower(f.cfg.Transport)
	if transport == "" {
		transport = "udp"
	}
	if transport != "udp" && transport != "tcp" {
		return nil, errors.Wrap(errUnsupported, transport)
	}

	user := f.cfg.Username
	if user == "" {
		user = identity
	}
	domain := f.cfg.Domain
	if domain == "" {
		domain = f.cfg.MediaIP
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(user),
		sipgo.WithUserAgentHostname(domain),
	)
	if err != nil {
		return nil, errors.Wrap(err, "init UA")
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, errors.Wrap(err, "new server")
	}
	cli, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, errors.Wrap(err, "new client")
	}

	contact, err := contactFor(user, f.cfg.ListenAddr, f.cfg.MediaIP)
	if err != nil {
		ua.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d := &Device{
		cfg:       f.cfg,
		identity:  identity,
		user:      user,
		domain:    domain,
		transport: transport,
		contact:   contact,
		ua:        ua,
		client:    cli,
		server:    srv,
		dialogCli: sipgo.NewDialogClientCache(cli, contact),
		dialogSrv: sipgo.NewDialogServerCache(cli, contact),
		calls:     make(map[string]*call),
		logger:    f.logger.With(slog.String("identity", identity)),
		metrics:   f.metrics,
		clk:       f.clk,
		ctx:       runCtx,
		cancel:    cancel,
	}
	d.initServerHandlers()

	go func() {
		err := srv.ListenAndServe(runCtx, transport, f.cfg.ListenAddr)
		if err != nil && runCtx.Err() == nil {
			d.emitError(errors.Wrap(err, "sip listener"))
		}
	}()

	d.logger.Info("sip device created",
		slog.String("listen", f.cfg.ListenAddr),
		slog.String("transport", transport))
	return d, nil
}

// contactFor строит Contact из адреса слушателя. Для адреса 0.0.0.0
// объявляется адрес медиа.
func contactFor(user, listenAddr, mediaIP string) (sip.ContactHeader, error) {
	host, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return sip.ContactHeader{}, errors.Wrapf(err, "listen address %q", listenAddr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return sip.ContactHeader{}, errors.Errorf("listen port %q", portStr)
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = mediaIP
	}
	return sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: user, Host: host, Port: port},
	}, nil
}

// Device SIP устройство, реализует session.Device
type Device struct {
	cfg       config.SIPConfig
	identity  string
	user      string
	domain    string
	transport string
	contact   sip.ContactHeader

	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server

	// dialogCli кэширует исходящие диалоги
	dialogCli *sipgo.DialogClientCache
	// dialogSrv кэширует входящие диалоги
	dialogSrv *sipgo.DialogServerCache

	mu        sync.Mutex
	events    session.DeviceEvents
	calls     map[string]*call
	destroyed bool
	stopRefresh func()

	logger  *slog.Logger
	metrics *metrics.Collector
	clk     clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
}

func (d *Device) Handle(events session.DeviceEvents) {
	d.mu.Lock()
	d.events = events
	d.mu.Unlock()
}

func (d *Device) handlers() session.DeviceEvents {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.events
}

func (d *Device) emitError(err error) {
	if h := d.handlers().Error; h != nil {
		h(err)
	}
}

// initServerHandlers регистрирует обработчики входящих запросов
func (d *Device) initServerHandlers() {
	d.server.OnInvite(d.onInvite)

	d.server.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		if err := d.dialogSrv.ReadAck(req, tx); err != nil {
			d.logger.Debug("ack outside dialog", slog.String("error", err.Error()))
		}
	})

	d.server.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		if err := d.dialogSrv.ReadBye(req, tx); err != nil {
			if err := d.dialogCli.ReadBye(req, tx); err != nil {
				_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil))
				return
			}
		}
		if c := d.takeCall(callID(req)); c != nil {
			d.logger.Info("remote hangup", slog.String("callID", c.id))
			c.remoteHangup()
		}
	})
}

func (d *Device) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	ds, err := d.dialogSrv.ReadInvite(req, tx)
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil))
		return
	}

	d.mu.Lock()
	destroyed := d.destroyed
	incoming := d.events.Incoming
	d.mu.Unlock()
	if destroyed || incoming == nil {
		_ = ds.Respond(sip.StatusTemporarilyUnavailable, "Temporarily Unavailable", nil)
		ds.Close()
		return
	}

	media, err := openMedia(d.cfg.MediaIP, d.cfg.DSCP, d.clk, d.metrics, d.logger)
	if err != nil {
		d.logger.Error("media for incoming call", slog.String("error", err.Error()))
		_ = ds.Respond(sip.StatusInternalServerError, "Server Internal Error", nil)
		ds.Close()
		return
	}
	_ = ds.Respond(sip.StatusRinging, "Ringing", nil)

	c := &call{
		id:        callID(req),
		remote:    remoteUser(req),
		direction: session.Inbound,
		offer:     req.Body(),
		mediaIP:   d.cfg.MediaIP,
		media:     media,
		logger:    d.logger,
		ops: callOps{
			answer: func(body []byte) error {
				ct := sip.ContentTypeHeader("application/sdp")
				return ds.Respond(sip.StatusOK, "OK", body, &ct)
			},
			decline: func() error {
				defer ds.Close()
				return ds.Respond(sip.StatusBusyHere, "Busy Here", nil)
			},
			bye: func(ctx context.Context) error {
				defer ds.Close()
				return ds.Bye(ctx)
			},
		},
	}
	d.trackCall(c)
	d.logger.Info("incoming invite", slog.String("from", c.remote), slog.String("callID", c.id))
	incoming(c)
}

// Register отправляет REGISTER и сообщает результат событием.
// Без регистратора устройство сразу считается зарегистрированным.
func (d *Device) Register(ctx context.Context) error {
	d.mu.Lock()
	destroyed := d.destroyed
	d.mu.Unlock()
	if destroyed {
		return ErrDestroyed
	}

	if d.cfg.Registrar == "" {
		d.logger.Info("no registrar configured, accepting direct calls only")
		d.registered()
		return nil
	}

	if err := d.register(ctx); err != nil {
		d.metrics.SIPRegistration(false)
		d.logger.Error("sip registration failed", slog.String("error", err.Error()))
		if h := d.handlers().RegistrationFailed; h != nil {
			h(err)
		}
		return nil
	}
	d.metrics.SIPRegistration(true)
	d.registered()
	d.scheduleRefresh()
	return nil
}

func (d *Device) registered() {
	if h := d.handlers().Registered; h != nil {
		h()
	}
}

func (d *Device) register(ctx context.Context) error {
	recipient, err := d.registrarURI()
	if err != nil {
		return err
	}
	req := sip.NewRequest(sip.REGISTER, recipient)
	contact := d.contact
	req.AppendHeader(&contact)
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(d.expires().Seconds()))))
	req.AppendHeader(sip.NewHeader(identityHeader, d.identity))
	if d.cfg.UserAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", d.cfg.UserAgent))
	}

	res, err := d.client.Do(ctx, req)
	if err != nil {
		return errors.Wrap(err, "register")
	}
	if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
		res, err = d.client.DoDigestAuth(ctx, req, res, sipgo.DigestAuth{
			Username: d.user,
			Password: d.cfg.Password,
		})
		if err != nil {
			return errors.Wrap(err, "register auth")
		}
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return errors.Errorf("registrar responded %d %s", res.StatusCode, res.Reason)
	}
	d.logger.Info("sip registered", slog.String("registrar", d.cfg.Registrar))
	return nil
}

func (d *Device) expires() time.Duration {
	if d.cfg.Expires <= 0 {
		return time.Hour
	}
	return d.cfg.Expires
}

// scheduleRefresh продлевает регистрацию до истечения срока
func (d *Device) scheduleRefresh() {
	interval := d.expires() * 9 / 10
	ticker := d.clk.Ticker(interval)
	stop := make(chan struct{})
	var once sync.Once

	d.mu.Lock()
	if d.stopRefresh != nil {
		d.stopRefresh()
	}
	d.stopRefresh = func() {
		once.Do(func() {
			ticker.Stop()
			close(stop)
		})
	}
	d.mu.Unlock()

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-d.ctx.Done():
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
				err := d.register(ctx)
				cancel()
				d.metrics.SIPRegistration(err == nil)
				if err != nil && d.ctx.Err() == nil {
					d.emitError(errors.Wrap(err, "registration refresh"))
				}
			}
		}
	}()
}

func (d *Device) registrarURI() (sip.Uri, error) {
	host, portStr, err := net.SplitHostPort(d.cfg.Registrar)
	if err != nil {
		// порт не указан
		return sip.Uri{Scheme: "sip", Host: d.cfg.Registrar}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return sip.Uri{}, errors.Errorf("registrar port %q", portStr)
	}
	return sip.Uri{Scheme: "sip", Host: host, Port: port}, nil
}

// targetURI номер превращается в URI домена, полный URI используется как есть
func (d *Device) targetURI(to string) (sip.Uri, error) {
	if strings.HasPrefix(to, "sip:") || strings.HasPrefix(to, "sips:") || strings.Contains(to, "@") {
		var uri sip.Uri
		if err := sip.ParseUri(to, &uri); err != nil {
			return sip.Uri{}, errors.Wrap(err, "invalid sip uri")
		}
		return uri, nil
	}
	host := d.domain
	port := 0
	if d.cfg.Registrar != "" {
		reg, err := d.registrarURI()
		if err != nil {
			return sip.Uri{}, err
		}
		if d.cfg.Domain == "" {
			host = reg.Host
		}
		port = reg.Port
	}
	return sip.Uri{Scheme: "sip", User: strings.ReplaceAll(to, " ", ""), Host: host, Port: port}, nil
}

// Connect отправляет INVITE. Ответ ожидается в фоне, результат
// приходит событиями Accept, Disconnect или Error.
func (d *Device) Connect(ctx context.Context, params session.ConnectParams) (session.Call, error) {
	d.mu.Lock()
	destroyed := d.destroyed
	d.mu.Unlock()
	if destroyed {
		return nil, ErrDestroyed
	}

	target, err := d.targetURI(params.To)
	if err != nil {
		return nil, err
	}
	media, err := openMedia(d.cfg.MediaIP, d.cfg.DSCP, d.clk, d.metrics, d.logger)
	if err != nil {
		return nil, err
	}
	offer, err := buildSDP(d.cfg.MediaIP, media.LocalPort(), uint64(time.Now().Unix()))
	if err != nil {
		_ = media.Close()
		return nil, err
	}

	headers := []sip.Header{sip.NewHeader(identityHeader, d.identity)}
	for k, v := range params.Extra {
		headers = append(headers, sip.NewHeader(k, v))
	}
	ct := sip.ContentTypeHeader("application/sdp")
	headers = append(headers, &ct)

	dc, err := d.dialogCli.Invite(ctx, target, offer, headers...)
	if err != nil {
		_ = media.Close()
		return nil, errors.Wrap(err, "invite")
	}

	waitCtx, cancel := context.WithCancel(d.ctx)
	c := &call{
		id:        dc.InviteRequest.CallID().Value(),
		remote:    params.To,
		direction: session.Outbound,
		mediaIP:   d.cfg.MediaIP,
		media:     media,
		logger:    d.logger,
		cancel:    cancel,
		ops: callOps{
			bye: func(ctx context.Context) error {
				defer dc.Close()
				return dc.Bye(ctx)
			},
		},
	}
	d.trackCall(c)
	d.logger.Info("invite sent", slog.String("to", target.String()), slog.String("callID", c.id))

	go d.waitAnswer(waitCtx, cancel, dc, c)
	return c, nil
}

func (d *Device) waitAnswer(ctx context.Context, cancel context.CancelFunc, dc *sipgo.DialogClientSession, c *call) {
	defer cancel()
	err := dc.WaitAnswer(ctx, sipgo.AnswerOptions{
		Username: d.user,
		Password: d.cfg.Password,
	})
	if err != nil {
		d.takeCall(c.id)
		dc.Close()
		if ctx.Err() != nil {
			// отменено локально до ответа
			d.logger.Info("outgoing call cancelled", slog.String("callID", c.id))
			c.remoteHangup()
			return
		}
		d.logger.Warn("outgoing call not answered", slog.String("callID", c.id), slog.String("error", err.Error()))
		c.failed(err)
		return
	}

	if err := dc.Ack(ctx); err != nil {
		d.takeCall(c.id)
		c.failed(errors.Wrap(err, "ack"))
		return
	}
	d.logger.Info("outgoing call answered", slog.String("callID", c.id))
	c.connected(dc.InviteResponse.Body())
}

func (d *Device) trackCall(c *call) {
	d.mu.Lock()
	d.calls[c.id] = c
	d.mu.Unlock()
}

func (d *Device) takeCall(id string) *call {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.calls[id]
	delete(d.calls, id)
	return c
}

// Destroy завершает вызовы и останавливает UA
func (d *Device) Destroy() error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil
	}
	d.destroyed = true
	calls := make([]*call, 0, len(d.calls))
	for id, c := range d.calls {
		calls = append(calls, c)
		delete(d.calls, id)
	}
	stopRefresh := d.stopRefresh
	d.mu.Unlock()

	for _, c := range calls {
		if err := c.Disconnect(); err != nil {
			d.logger.Debug("disconnect on destroy", slog.String("callID", c.id), slog.String("error", err.Error()))
		}
	}
	if stopRefresh != nil {
		stopRefresh()
	}
	d.cancel()
	if err := d.ua.Close(); err != nil {
		return errors.Wrap(err, "close UA")
	}
	d.logger.Info("sip device destroyed")
	return nil
}

func callID(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}

func remoteUser(req *sip.Request) string {
	if from := req.From(); from != nil {
		if from.Address.User != "" {
			return from.Address.User
		}
		return from.Address.Host
	}
	return ""
}
