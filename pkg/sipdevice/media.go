package sipdevice

import (
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"
	"github.com/pion/rtp"
	"github.com/pkg/errors"
	"github.com/zaf/g711"

	"github.com/arzzra/web_dialer/pkg/metrics"
)

const (
	frameInterval = ptimeMs * time.Millisecond
	// samplesPerFrame отсчетов 8 кГц в одном кадре
	samplesPerFrame = clockRate * ptimeMs / 1000
)

// silenceFrame кадр тишины PCMU
var silenceFrame = g711.EncodeUlaw(make([]byte, samplesPerFrame*2))

// packetWriter куда отправляются RTP пакеты
type packetWriter interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

// mediaStream исходящий аудиопоток вызова.
// Источник звука отсутствует, поэтому поток передает тишину,
// что поддерживает NAT привязку и таймеры собеседника.
// При выключенном микрофоне пакеты не отправляются, но метки
// времени продолжают расти.
type mediaStream struct {
	conn   *net.UDPConn
	writer packetWriter
	clk    clock.Clock

	ssrc      uint32
	seq       uint16
	timestamp uint32

	muted  atomic.Bool
	remote atomic.Pointer[net.UDPAddr]

	metrics *metrics.Collector
	logger  *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// openMedia открывает UDP сокет на ip со случайным портом
func openMedia(ip string, dscp int, clk clock.Clock, m *metrics.Collector, logger *slog.Logger) (*mediaStream, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(ip)}
	if addr.IP == nil {
		return nil, errors.Errorf("invalid media address %q", ip)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "listen rtp")
	}
	if dscp > 0 {
		if err := setDSCP(conn, dscp); err != nil {
			logger.Warn("dscp marking not applied", slog.Int("dscp", dscp), slog.String("error", err.Error()))
		}
	}
	ms := newMediaStream(conn, clk, m, logger)
	ms.conn = conn
	return ms, nil
}

func newMediaStream(w packetWriter, clk clock.Clock, m *metrics.Collector, logger *slog.Logger) *mediaStream {
	return &mediaStream{
		writer:    w,
		clk:       clk,
		ssrc:      randomUint32(),
		seq:       uint16(randomUint32()),
		timestamp: randomUint32(),
		metrics:   m,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// randomUint32 начальные SSRC, номер и метка времени
func randomUint32() uint32 {
	var v uint32
	_ = binary.Read(rand.Reader, binary.BigEndian, &v)
	return v
}

// LocalPort порт, объявляемый в SDP
func (s *mediaStream) LocalPort() int {
	if s.conn == nil {
		return 0
	}
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// Start начинает передачу на remote. Повторный вызов только
// меняет адрес назначения.
func (s *mediaStream) Start(remote *net.UDPAddr) {
	s.remote.Store(remote)
	s.startOnce.Do(func() {
		go s.run()
	})
}

func (s *mediaStream) SetMuted(muted bool) {
	s.muted.Store(muted)
}

func (s *mediaStream) run() {
	ticker := s.clk.Ticker(frameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.sendFrame(); err != nil {
				s.logger.Debug("rtp send failed", slog.String("error", err.Error()))
			}
		}
	}
}

// nextPacket возвращает очередной пакет или nil, если микрофон выключен
func (s *mediaStream) nextPacket() ([]byte, error) {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    payloadPCMU,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: silenceFrame,
	}
	s.timestamp += samplesPerFrame
	if s.muted.Load() {
		return nil, nil
	}
	s.seq++
	return pkt.Marshal()
}

func (s *mediaStream) sendFrame() error {
	raw, err := s.nextPacket()
	if err != nil || raw == nil {
		return err
	}
	remote := s.remote.Load()
	if remote == nil {
		return nil
	}
	if _, err := s.writer.WriteToUDP(raw, remote); err != nil {
		return errors.Wrap(err, "write rtp")
	}
	s.metrics.RTPPacketSent()
	return nil
}

// Close останавливает передачу и закрывает сокет
func (s *mediaStream) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			err = s.conn.Close()
		}
	})
	return err
}
