package uds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/eshenhu/doipnode/channel"
	"github.com/eshenhu/doipnode/gateway"
)

// Transmitter queues a response on a diagnostic channel. *gateway.Engine
// implements it.
type Transmitter interface {
	Transmit(ch channel.ID, length int) error
}

// DTC is a stored diagnostic trouble code.
type DTC struct {
	Code   uint32
	Status uint8
}

// ResponderConfig is the data served by a Responder.
type ResponderConfig struct {
	// DIDs answered by ReadDataByIdentifier.
	DIDs map[uint16][]byte
	DTCs []DTC
	// MaxRequest bounds a request; longer ones are refused at start of
	// reception.
	MaxRequest int
	// Backlog is the number of responses waiting for Run.
	Backlog int
	// RetryInterval is the wait before a refused Transmit is tried again.
	RetryInterval time.Duration

	LoggerFactory logging.LoggerFactory
}

// Responder is a small ECU simulation behind every channel of an engine.
// It implements gateway.Router and gateway.ActivationNotifier; responses
// are handed to the engine by Run.
type Responder struct {
	cfg ResponderConfig
	log logging.LeveledLogger

	mu      sync.Mutex
	rx      map[channel.ID][]byte
	tx      map[channel.ID][][]byte
	off     map[channel.ID]int
	session map[channel.ID]uint8
	out     chan response
}

type response struct {
	ch   channel.ID
	data []byte
}

var (
	_ gateway.Router             = (*Responder)(nil)
	_ gateway.ActivationNotifier = (*Responder)(nil)
)

var errNoResponse = errors.New("uds: no response pending")

// NewResponder creates a Responder serving cfg.
func NewResponder(cfg ResponderConfig) *Responder {
	if cfg.MaxRequest <= 0 {
		cfg.MaxRequest = 4095
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 16
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 10 * time.Millisecond
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Responder{
		cfg:     cfg,
		log:     cfg.LoggerFactory.NewLogger("uds"),
		rx:      make(map[channel.ID][]byte),
		tx:      make(map[channel.ID][][]byte),
		off:     make(map[channel.ID]int),
		session: make(map[channel.ID]uint8),
		out:     make(chan response, cfg.Backlog),
	}
}

// StartOfReception implements gateway.Router.
func (r *Responder) StartOfReception(ch channel.ID, prefix []byte, total int) (int, error) {
	if total > r.cfg.MaxRequest {
		return 0, gateway.ErrOverflow
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b := make([]byte, 0, total)
	r.rx[ch] = append(b, prefix...)
	return total - len(prefix), nil
}

// CopyRxData implements gateway.Router.
func (r *Responder) CopyRxData(ch channel.ID, data []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.rx[ch]
	if !ok {
		return 0, fmt.Errorf("uds: no reception on channel %d", ch)
	}
	if len(data) > cap(b)-len(b) {
		return 0, gateway.ErrOverflow
	}
	b = append(b, data...)
	r.rx[ch] = b
	return cap(b) - len(b), nil
}

// RxIndication implements gateway.Router.
func (r *Responder) RxIndication(ch channel.ID, err error) {
	r.mu.Lock()
	req := r.rx[ch]
	delete(r.rx, ch)
	var resp []byte
	if err == nil {
		resp = r.handle(ch, req)
	}
	r.mu.Unlock()
	if err != nil {
		r.log.Debugf("channel %d: reception failed: %v", ch, err)
		return
	}
	if resp == nil {
		return
	}
	select {
	case r.out <- response{ch, resp}:
	default:
		r.log.Warnf("channel %d: response backlog full, dropping %x", ch, resp)
	}
}

// CopyTxData implements gateway.Router.
func (r *Responder) CopyTxData(ch channel.ID, dst []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.tx[ch]
	if len(q) == 0 {
		return 0, errNoResponse
	}
	n := copy(dst, q[0][r.off[ch]:])
	r.off[ch] += n
	return n, nil
}

// TxConfirmation implements gateway.Router.
func (r *Responder) TxConfirmation(ch channel.ID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q := r.tx[ch]; len(q) > 0 {
		r.tx[ch] = q[1:]
	}
	r.off[ch] = 0
	if err != nil {
		r.log.Debugf("channel %d: transmission failed: %v", ch, err)
	}
}

// RoutingActivationChanged implements gateway.ActivationNotifier.
func (r *Responder) RoutingActivationChanged(tester uint16, active bool) {
	r.log.Infof("tester %04x: routing active %v", tester, active)
	if !active {
		r.mu.Lock()
		r.session = make(map[channel.ID]uint8)
		r.mu.Unlock()
	}
}

// Run hands the responses to tx until ctx is done.
func (r *Responder) Run(ctx context.Context, tx Transmitter) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-r.out:
			r.mu.Lock()
			r.tx[m.ch] = append(r.tx[m.ch], m.data)
			r.mu.Unlock()
			if err := r.transmit(ctx, tx, m); err != nil {
				r.log.Debugf("channel %d: response dropped: %v", m.ch, err)
				r.mu.Lock()
				q := r.tx[m.ch]
				r.tx[m.ch] = q[:len(q)-1]
				r.mu.Unlock()
			}
		}
	}
}

func (r *Responder) transmit(ctx context.Context, tx Transmitter, m response) error {
	for {
		err := tx.Transmit(m.ch, len(m.data))
		if !errors.Is(err, gateway.ErrNotAccepted) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.RetryInterval):
		}
	}
}

func negative(sid, nrc uint8) []byte {
	return []byte{NegRespServID, sid, nrc}
}

// handle builds the response to req, nil when none is sent.
func (r *Responder) handle(ch channel.ID, req []byte) []byte {
	if len(req) == 0 {
		return nil
	}
	sid := req[0]
	switch sid {
	case SessionControlReq:
		if len(req) != 2 {
			return negative(sid, NrcIncorrectLength)
		}
		sub := req[1] &^ suppressPosRespBit
		if sub < 0x01 || sub > 0x03 {
			return negative(sid, NrcSubFunctionNotSupp)
		}
		r.session[ch] = sub
		if req[1]&suppressPosRespBit != 0 {
			return nil
		}
		// P2 50 ms, P2* 5000 ms
		return []byte{sid | posRespMask, sub, 0x00, 0x32, 0x01, 0xF4}

	case TesterPresentReq:
		if len(req) != 2 {
			return negative(sid, NrcIncorrectLength)
		}
		if req[1]&^suppressPosRespBit != testerPresentZeroSubFunct {
			return negative(sid, NrcSubFunctionNotSupp)
		}
		if req[1]&suppressPosRespBit != 0 {
			return nil
		}
		return []byte{sid | posRespMask, testerPresentZeroSubFunct}

	case ReadDIDReq:
		if len(req) < 3 || (len(req)-1)%2 != 0 {
			return negative(sid, NrcIncorrectLength)
		}
		resp := []byte{sid | posRespMask}
		for i := 1; i < len(req); i += 2 {
			did := uint16(req[i])<<8 | uint16(req[i+1])
			data, ok := r.cfg.DIDs[did]
			if !ok {
				return negative(sid, NrcRequestOutOfRange)
			}
			resp = append(resp, req[i], req[i+1])
			resp = append(resp, data...)
		}
		return resp

	case DtcReq:
		if len(req) < 2 {
			return negative(sid, NrcIncorrectLength)
		}
		if req[1] != dtcByMask {
			return negative(sid, NrcSubFunctionNotSupp)
		}
		if len(req) != 3 {
			return negative(sid, NrcIncorrectLength)
		}
		resp := []byte{sid | posRespMask, dtcByMask, 0xFF}
		for _, d := range r.cfg.DTCs {
			if d.Status&req[2] != 0 {
				resp = append(resp, byte(d.Code>>16), byte(d.Code>>8), byte(d.Code), d.Status)
			}
		}
		return resp
	}
	return negative(sid, NrcServiceNotSupported)
}

// Session returns the diagnostic session selected on ch, 0x01 by default.
func (r *Responder) Session(ch channel.ID) uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.session[ch]; ok {
		return s
	}
	return 0x01
}
