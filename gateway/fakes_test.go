package gateway

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eshenhu/doipnode/channel"
	"github.com/eshenhu/doipnode/doip"
)

type closeCall struct {
	s     SocketID
	abort bool
}

type datagram struct {
	s      SocketID
	remote netip.AddrPort
	data   []byte
}

// fakeTransport records every call of the engine. Transmissions announced
// with TpTransmit are pulled by harness.drain.
type fakeTransport struct {
	sockets   map[string]SocketID
	opened    []SocketID
	closed    []closeCall
	datagrams []datagram
	pending   map[SocketID]int
	canceled  []SocketID
	requested []string
	released  []string
	dhcp      map[string][]byte
	// events is the ordered log of frames sent and sockets closed.
	events []string

	ifErr   error
	ifFails int
	local   netip.AddrPort
	remote  netip.AddrPort
}

func newFakeTransport(names ...string) *fakeTransport {
	tr := &fakeTransport{
		sockets: make(map[string]SocketID),
		pending: make(map[SocketID]int),
		dhcp:    make(map[string][]byte),
		local:   netip.MustParseAddrPort("192.168.0.10:13400"),
		remote:  netip.MustParseAddrPort("192.168.0.99:50000"),
	}
	for i, n := range names {
		tr.sockets[n] = SocketID(i + 1)
	}
	return tr
}

func (tr *fakeTransport) ResolveSocket(name string) (SocketID, error) {
	s, ok := tr.sockets[name]
	if !ok {
		return 0, fmt.Errorf("no socket %q", name)
	}
	return s, nil
}

func (tr *fakeTransport) Open(s SocketID) error {
	tr.opened = append(tr.opened, s)
	return nil
}

func (tr *fakeTransport) Close(s SocketID, abort bool) error {
	tr.closed = append(tr.closed, closeCall{s, abort})
	tr.events = append(tr.events, fmt.Sprintf("close %d", s))
	delete(tr.pending, s)
	return nil
}

func (tr *fakeTransport) IfTransmit(s SocketID, remote netip.AddrPort, data []byte) error {
	if tr.ifFails > 0 {
		tr.ifFails--
		return tr.ifErr
	}
	tr.datagrams = append(tr.datagrams, datagram{s, remote, append([]byte(nil), data...)})
	return nil
}

func (tr *fakeTransport) TpTransmit(s SocketID, length int) error {
	if _, ok := tr.pending[s]; ok {
		return errors.New("transmission already pending")
	}
	tr.pending[s] = length
	return nil
}

func (tr *fakeTransport) TpCancel(s SocketID) error {
	tr.canceled = append(tr.canceled, s)
	return nil
}

func (tr *fakeTransport) LocalAddr(SocketID) (netip.AddrPort, error)  { return tr.local, nil }
func (tr *fakeTransport) RemoteAddr(SocketID) (netip.AddrPort, error) { return tr.remote, nil }

func (tr *fakeTransport) RequestIPAssignment(local string) error {
	tr.requested = append(tr.requested, local)
	return nil
}

func (tr *fakeTransport) ReleaseIPAssignment(local string) error {
	tr.released = append(tr.released, local)
	return nil
}

func (tr *fakeTransport) ReadDHCPOption(local string, code uint8) ([]byte, error) {
	return tr.dhcp[fmt.Sprintf("%s/%d", local, code)], nil
}

func (tr *fakeTransport) WriteDHCPOption(local string, code uint8, data []byte) error {
	tr.dhcp[fmt.Sprintf("%s/%d", local, code)] = append([]byte(nil), data...)
	return nil
}

func (tr *fakeTransport) datagramsOn(s SocketID) [][]byte {
	var out [][]byte
	for _, d := range tr.datagrams {
		if d.s == s {
			out = append(out, d.data)
		}
	}
	return out
}

type indication struct {
	ch  channel.ID
	err error
}

type reception struct {
	Ch     channel.ID
	Prefix []byte
	Total  int
}

// fakeRouter is an upper layer with a configurable receive buffer and
// canned transmit data.
type fakeRouter struct {
	received    map[channel.ID][]byte
	totals      map[channel.ID]int
	starts      []reception
	indications []indication
	// space is the receive buffer left; it shrinks with every chunk.
	space   int
	sorErr  error
	copyErr error
	// window, when set, is the buffer size restored by every query for
	// space, except every stallEvery-th query which finds none.
	window     int
	stallEvery int
	queries    int

	txData      map[channel.ID][]byte
	txBusy      int
	txConfirms  []indication
	activations []string
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{
		received: make(map[channel.ID][]byte),
		totals:   make(map[channel.ID]int),
		space:    1 << 16,
		txData:   make(map[channel.ID][]byte),
	}
}

func (r *fakeRouter) StartOfReception(ch channel.ID, prefix []byte, total int) (int, error) {
	if r.sorErr != nil {
		return 0, r.sorErr
	}
	r.received[ch] = append([]byte(nil), prefix...)
	r.totals[ch] = total
	r.starts = append(r.starts, reception{ch, append([]byte(nil), prefix...), total})
	return r.space, nil
}

func (r *fakeRouter) CopyRxData(ch channel.ID, data []byte) (int, error) {
	if len(data) == 0 {
		r.queries++
		if r.window > 0 {
			if r.stallEvery > 0 && r.queries%r.stallEvery == 0 {
				return 0, nil
			}
			r.space = r.window
		}
		return r.space, nil
	}
	if r.copyErr != nil {
		return 0, r.copyErr
	}
	if len(data) > r.space {
		return 0, errors.New("router buffer overrun")
	}
	r.received[ch] = append(r.received[ch], data...)
	r.space -= len(data)
	return r.space, nil
}

func (r *fakeRouter) RxIndication(ch channel.ID, err error) {
	r.indications = append(r.indications, indication{ch, err})
}

func (r *fakeRouter) CopyTxData(ch channel.ID, dst []byte) (int, error) {
	if r.txBusy > 0 {
		r.txBusy--
		return 0, ErrBusy
	}
	n := copy(dst, r.txData[ch])
	r.txData[ch] = r.txData[ch][n:]
	return n, nil
}

func (r *fakeRouter) TxConfirmation(ch channel.ID, err error) {
	r.txConfirms = append(r.txConfirms, indication{ch, err})
}

func (r *fakeRouter) RoutingActivationChanged(tester uint16, active bool) {
	sign := "-"
	if active {
		sign = "+"
	}
	r.activations = append(r.activations, fmt.Sprintf("%s%04x", sign, tester))
}

const (
	testerA  uint16 = 0x0E80
	testerB  uint16 = 0x0E81
	entityLA uint16 = 0x1000
)

func testConfig() Config {
	return Config{
		LogicalAddress: entityLA,
		VIN:            "WVWZZZ1JZXW000001",
		EID:            [6]byte{0x00, 0x1A, 0x37, 0x00, 0x00, 0x01},
		GID:            [6]byte{0x00, 0x1A, 0x37, 0x00, 0x00, 0x00},
		PollPeriod:     10 * time.Millisecond,
		Interfaces: []InterfaceConfig{{
			Name:        "eth0",
			StartActive: true,
			LocalAddrs:  []LocalAddrConfig{{Name: "eth0/ip", RequestAssignment: true}},
			Connections: []ConnectionConfig{
				{Socket: "udp", Kind: KindUDP},
				{Socket: "announce", Kind: KindUDPAnnouncement},
				{Socket: "tcp0", Kind: KindTCP},
				{Socket: "tcp1", Kind: KindTCP},
				{Socket: "tls0", Kind: KindTCP, Secured: true},
			},
			DHCPHostname: "doip-node",
		}},
		Testers: []TesterConfig{
			{Address: testerA},
			{Address: testerB, Activations: []int{0}},
		},
		Activations: []ActivationConfig{
			{Number: doip.ActivationDefault},
			{Number: doip.ActivationCentralSecurity, SecurityRequired: true},
		},
		Channels: []channel.Config{
			{Name: "engine", Tester: 0, Address: 0x2001},
			{Name: "body", Tester: 0, Address: 0x2002, MaxMessageSize: 16},
			{Name: "engine-b", Tester: 1, Address: 0x2001},
			{Name: "gateway-b", Tester: 1, Address: 0x2003},
		},
	}
}

type harness struct {
	t  *testing.T
	e  *Engine
	tr *fakeTransport
	r  *fakeRouter
}

// newHarness builds an engine, runs the first poll and assigns the local
// address so every socket has been opened.
func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	var names []string
	for _, ic := range cfg.Interfaces {
		for _, cc := range ic.Connections {
			names = append(names, cc.Socket)
		}
	}
	h := &harness{t: t, tr: newFakeTransport(names...), r: newFakeRouter()}
	e, err := New(cfg, h.tr, h.r)
	require.NoError(t, err)
	h.e = e
	e.Poll()
	for _, ic := range cfg.Interfaces {
		if !ic.StartActive {
			continue
		}
		for _, la := range ic.LocalAddrs {
			e.IPAssignmentChanged(la.Name, IPAssigned)
		}
	}
	return h
}

func (h *harness) socket(name string) SocketID {
	s, ok := h.tr.sockets[name]
	require.True(h.t, ok, name)
	return s
}

func (h *harness) online(name string) SocketID {
	s := h.socket(name)
	h.e.SocketModeChanged(s, SocketOnline)
	return s
}

func (h *harness) polls(n int) {
	for i := 0; i < n; i++ {
		h.e.Poll()
	}
}

// send delivers the frames in one chunk and requires all of it consumed.
func (h *harness) send(s SocketID, frames ...[]byte) {
	h.t.Helper()
	var b []byte
	for _, f := range frames {
		b = append(b, f...)
	}
	n, err := h.e.CopyRxData(s, b)
	require.NoError(h.t, err)
	require.Equal(h.t, len(b), n, "not all bytes consumed")
}

// drainOne pulls and confirms the running transmission of s, if any.
func (h *harness) drainOne(s SocketID) ([]byte, bool) {
	h.t.Helper()
	n, ok := h.tr.pending[s]
	if !ok {
		return nil, false
	}
	delete(h.tr.pending, s)
	buf := make([]byte, n)
	got := 0
	for got < n {
		k, err := h.e.CopyTxData(s, buf[got:])
		require.NoError(h.t, err)
		require.NotZero(h.t, k, "transmission stalled")
		got += k
	}
	t := binary.BigEndian.Uint16(buf[2:4])
	h.tr.events = append(h.tr.events, fmt.Sprintf("frame %d %#04x", s, t))
	h.e.TxConfirmation(s, nil)
	return buf, true
}

// drain pulls every queued transmission of s.
func (h *harness) drain(s SocketID) [][]byte {
	h.t.Helper()
	var out [][]byte
	for {
		f, ok := h.drainOne(s)
		if !ok {
			return out
		}
		out = append(out, f)
	}
}

// activate runs a successful default routing activation for sa on s.
func (h *harness) activate(s SocketID, sa uint16) {
	h.t.Helper()
	h.send(s, raReq(sa, doip.ActivationDefault))
	frames := h.drain(s)
	require.Len(h.t, frames, 1)
	requireRAResponse(h.t, frames[0], sa, doip.RoutingSuccessfullyActivated)
}

func frame(t doip.MsgTid, payload ...byte) []byte {
	return doip.AppendHeader(nil, doip.ProtocolVersion2012, t, uint32(len(payload)), payload)
}

func raReq(sa uint16, typ uint8, oem ...byte) []byte {
	p := []byte{byte(sa >> 8), byte(sa), typ, 0, 0, 0, 0}
	return frame(doip.RoutingActivationRequest, append(p, oem...)...)
}

func diagReq(sa, ta uint16, data ...byte) []byte {
	p := []byte{byte(sa >> 8), byte(sa), byte(ta >> 8), byte(ta)}
	return frame(doip.DiagnosticMessage, append(p, data...)...)
}

func aliveRes(sa uint16) []byte {
	return frame(doip.AliveCheckResponse, byte(sa>>8), byte(sa))
}

// split returns the payload type and payload of a sent frame.
func split(t *testing.T, f []byte) (doip.MsgTid, []byte) {
	t.Helper()
	h, err := doip.ParseHeader(f)
	require.NoError(t, err)
	require.Equal(t, int(h.Length), len(f)-doip.HeaderLength)
	return h.Type, f[doip.HeaderLength:]
}

func requireRAResponse(t *testing.T, f []byte, sa uint16, code uint8) {
	t.Helper()
	typ, p := split(t, f)
	require.Equal(t, doip.RoutingActivationResponse, typ)
	require.GreaterOrEqual(t, len(p), doip.RoutingActivationResponseLength)
	require.Equal(t, sa, binary.BigEndian.Uint16(p[0:2]))
	require.Equal(t, entityLA, binary.BigEndian.Uint16(p[2:4]))
	require.Equal(t, code, p[4], "routing activation code")
}

func requireNack(t *testing.T, f []byte, code uint8) {
	t.Helper()
	typ, p := split(t, f)
	require.Equal(t, doip.GenericHeaderNegativeAcknowledge, typ)
	require.Equal(t, []byte{code}, p)
}

func requireDiagAck(t *testing.T, f []byte, typ doip.MsgTid, src, dst uint16, code uint8) []byte {
	t.Helper()
	got, p := split(t, f)
	require.Equal(t, typ, got)
	require.GreaterOrEqual(t, len(p), doip.DiagnosticAckHeaderLength)
	require.Equal(t, src, binary.BigEndian.Uint16(p[0:2]))
	require.Equal(t, dst, binary.BigEndian.Uint16(p[2:4]))
	require.Equal(t, code, p[4])
	return p[doip.DiagnosticAckHeaderLength:]
}

var errBroken = errors.New("broken pipe")
