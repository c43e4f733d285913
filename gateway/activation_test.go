package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eshenhu/doipnode/doip"
)

func TestActivationThenDiagnostic(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.online("tcp0")
	h.activate(s, testerA)
	assert.Equal(t, []string{"+0e80"}, h.r.activations)

	h.send(s, diagReq(testerA, 0x2001, 0x22, 0xF1, 0x90))
	frames := h.drain(s)
	require.Len(t, frames, 1)
	requireDiagAck(t, frames[0], doip.DiagnosticMessagePositiveAcknowledge, 0x2001, testerA, doip.DiagnosticAckOK)

	assert.Equal(t, []byte{0x22, 0xF1, 0x90}, h.r.received[0])
	assert.Equal(t, 3, h.r.totals[0])
	assert.Equal(t, []indication{{0, nil}}, h.r.indications)
}

func TestActivationRefusals(t *testing.T) {
	for _, tc := range []struct {
		name   string
		socket string
		req    []byte
		code   uint8
	}{
		{"unknown source", "tcp0", raReq(0x0E99, doip.ActivationDefault), doip.RoutingDeniedUnknownSourceAddress},
		{"unsupported type", "tcp0", raReq(testerA, doip.ActivationWWHOBD), doip.RoutingDeniedUnsupportedType},
		{"type not allowed for tester", "tcp0", raReq(testerB, doip.ActivationCentralSecurity), doip.RoutingDeniedUnsupportedType},
		{"secure connection required", "tcp0", raReq(testerA, doip.ActivationCentralSecurity), doip.RoutingDeniedSecureConnectionRequired},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, testConfig())
			s := h.online(tc.socket)
			h.send(s, tc.req)
			require.Empty(t, h.tr.closed, "closed before the response was sent")
			frames := h.drain(s)
			require.Len(t, frames, 1)
			sa := uint16(tc.req[8])<<8 | uint16(tc.req[9])
			requireRAResponse(t, frames[0], sa, tc.code)
			assert.Equal(t, []closeCall{{s, false}}, h.tr.closed)
			assert.Empty(t, h.r.activations)
		})
	}
}

func TestActivationSecured(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.online("tls0")
	h.send(s, raReq(testerA, doip.ActivationCentralSecurity))
	frames := h.drain(s)
	require.Len(t, frames, 1)
	requireRAResponse(t, frames[0], testerA, doip.RoutingSuccessfullyActivated)
}

type allowAll struct{ calls int }

func (p *allowAll) AllowUnsecured(ActivationRequest) bool {
	p.calls++
	return true
}

func TestActivationSecurePolicy(t *testing.T) {
	cfg := testConfig()
	policy := &allowAll{}
	cfg.SecurePolicy = policy
	h := newHarness(t, cfg)
	s := h.online("tcp0")
	h.send(s, raReq(testerA, doip.ActivationCentralSecurity))
	frames := h.drain(s)
	require.Len(t, frames, 1)
	requireRAResponse(t, frames[0], testerA, doip.RoutingSuccessfullyActivated)
	assert.Equal(t, 1, policy.calls)
}

func TestActivationDifferentTesterOnConnection(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.online("tcp0")
	h.activate(s, testerA)

	h.send(s, raReq(testerB, doip.ActivationDefault))
	frames := h.drain(s)
	require.Len(t, frames, 1)
	requireRAResponse(t, frames[0], testerB, doip.RoutingDeniedSourceAddressMismatch)
	assert.Equal(t, []closeCall{{s, false}}, h.tr.closed)
	assert.Equal(t, []string{"+0e80", "-0e80"}, h.r.activations)
}

func TestActivationRepeatedOnSameConnection(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.online("tcp0")
	h.activate(s, testerA)
	h.activate(s, testerA)
	assert.Empty(t, h.tr.closed)
}

func TestActivationMissingOEMData(t *testing.T) {
	cfg := testConfig()
	cfg.Activations[0].RequestOEMLength = doip.OEMSpecificLength
	h := newHarness(t, cfg)
	s := h.online("tcp0")

	h.send(s, raReq(testerA, doip.ActivationDefault))
	frames := h.drain(s)
	require.Len(t, frames, 1)
	requireRAResponse(t, frames[0], testerA, doip.RoutingDeniedMissingAuthentication)
	assert.Empty(t, h.tr.closed, "missing authentication keeps the socket")

	h.send(s, raReq(testerA, doip.ActivationDefault, 1, 2, 3, 4))
	frames = h.drain(s)
	require.Len(t, frames, 1)
	requireRAResponse(t, frames[0], testerA, doip.RoutingSuccessfullyActivated)
}

func TestActivationAuthenticationPending(t *testing.T) {
	cfg := testConfig()
	calls := 0
	var seen []byte
	cfg.Activations[0].RequestOEMLength = doip.OEMSpecificLength
	cfg.Activations[0].ResponseOEMLength = doip.OEMSpecificLength
	cfg.Activations[0].Authenticator = HookFunc(func(req ActivationRequest, res []byte) HookResult {
		calls++
		seen = append(seen[:0], req.OEM...)
		if calls < 3 {
			return HookPending
		}
		copy(res, []byte{0xCA, 0xFE, 0xBA, 0xBE})
		return HookAccepted
	})
	h := newHarness(t, cfg)
	s := h.online("tcp0")

	h.send(s, raReq(testerA, doip.ActivationDefault, 9, 8, 7, 6))
	assert.Empty(t, h.drain(s), "no response while authentication is pending")

	// the connection takes no new message while its activation is pending
	n, err := h.e.CopyRxData(s, aliveRes(testerA))
	require.NoError(t, err)
	assert.Zero(t, n)

	h.polls(1)
	assert.Empty(t, h.drain(s))
	h.polls(1)
	frames := h.drain(s)
	require.Len(t, frames, 1)
	requireRAResponse(t, frames[0], testerA, doip.RoutingSuccessfullyActivated)
	_, p := split(t, frames[0])
	assert.Equal(t, []byte{0xCA, 0xFE, 0xBA, 0xBE}, p[doip.RoutingActivationResponseLength:])
	assert.Equal(t, []byte{9, 8, 7, 6}, seen)
	assert.Equal(t, 3, calls)
}

func TestActivationAuthenticationRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Activations[0].Authenticator = HookFunc(func(ActivationRequest, []byte) HookResult { return HookRejected })
	h := newHarness(t, cfg)
	s := h.online("tcp0")
	h.send(s, raReq(testerA, doip.ActivationDefault))
	frames := h.drain(s)
	require.Len(t, frames, 1)
	requireRAResponse(t, frames[0], testerA, doip.RoutingDeniedMissingAuthentication)
	assert.Empty(t, h.tr.closed)
}

func TestActivationConfirmation(t *testing.T) {
	cfg := testConfig()
	calls := 0
	cfg.Activations[0].Confirmer = HookFunc(func(ActivationRequest, []byte) HookResult {
		calls++
		if calls < 3 {
			return HookPending
		}
		return HookAccepted
	})
	h := newHarness(t, cfg)
	s := h.online("tcp0")

	h.send(s, raReq(testerA, doip.ActivationDefault))
	frames := h.drain(s)
	require.Len(t, frames, 1)
	requireRAResponse(t, frames[0], testerA, doip.RoutingConfirmationRequired)

	h.polls(1)
	assert.Empty(t, h.drain(s), "confirmation pending is only sent once")
	h.polls(1)
	frames = h.drain(s)
	require.Len(t, frames, 1)
	requireRAResponse(t, frames[0], testerA, doip.RoutingSuccessfullyActivated)
}

func TestActivationConfirmationRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Activations[0].Confirmer = HookFunc(func(ActivationRequest, []byte) HookResult { return HookRejected })
	h := newHarness(t, cfg)
	s := h.online("tcp0")
	h.send(s, raReq(testerA, doip.ActivationDefault))
	frames := h.drain(s)
	require.Len(t, frames, 1)
	requireRAResponse(t, frames[0], testerA, doip.RoutingDeniedRejectedConfirmation)
	assert.Empty(t, h.tr.closed)

	// not activated: diagnostic messages are refused
	h.send(s, diagReq(testerA, 0x2001, 1))
	frames = h.drain(s)
	require.Len(t, frames, 1)
	requireDiagAck(t, frames[0], doip.DiagnosticMessageNegativeAcknowledge, 0x2001, testerA, doip.DiagnosticNackInvalidSource)
}

func TestActivationTesterActiveElsewhereAlive(t *testing.T) {
	h := newHarness(t, testConfig())
	s0 := h.online("tcp0")
	s1 := h.online("tcp1")
	h.activate(s0, testerA)

	h.send(s1, raReq(testerA, doip.ActivationDefault))
	assert.Empty(t, h.drain(s1), "decision waits for the alive check")
	frames := h.drain(s0)
	require.Len(t, frames, 1)
	typ, _ := split(t, frames[0])
	require.Equal(t, doip.AliveCheckRequest, typ)

	h.send(s0, aliveRes(testerA))
	frames = h.drain(s1)
	require.Len(t, frames, 1)
	requireRAResponse(t, frames[0], testerA, doip.RoutingDeniedSourceAddressAlreadyUsed)
	assert.Equal(t, []closeCall{{s1, false}}, h.tr.closed)

	// the original connection keeps routing
	h.send(s0, diagReq(testerA, 0x2001, 0x3E, 0x00))
	frames = h.drain(s0)
	require.Len(t, frames, 1)
	requireDiagAck(t, frames[0], doip.DiagnosticMessagePositiveAcknowledge, 0x2001, testerA, doip.DiagnosticAckOK)
}

func TestActivationTesterActiveElsewhereSilent(t *testing.T) {
	h := newHarness(t, testConfig())
	s0 := h.online("tcp0")
	s1 := h.online("tcp1")
	h.activate(s0, testerA)

	h.send(s1, raReq(testerA, doip.ActivationDefault))
	ticks := h.e.ifaces[0].aliveTicks
	h.polls(ticks - 1)
	assert.Empty(t, h.drain(s1))
	assert.Empty(t, h.tr.closed)

	h.polls(1)
	assert.Equal(t, []closeCall{{s0, true}}, h.tr.closed, "silent connection is aborted")
	frames := h.drain(s1)
	require.Len(t, frames, 1)
	requireRAResponse(t, frames[0], testerA, doip.RoutingSuccessfullyActivated)
	assert.Equal(t, []string{"+0e80", "-0e80", "+0e80"}, h.r.activations)
}

func TestActivationAliveCheckBehindQueuedResponses(t *testing.T) {
	h := newHarness(t, testConfig())
	s0 := h.online("tcp0")
	s1 := h.online("tcp1")
	h.activate(s0, testerA)
	h.r.txData[0] = seq(9, 0)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.e.Transmit(0, 3))
	}

	h.send(s1, raReq(testerA, doip.ActivationDefault))
	frames := h.drain(s0)
	require.Len(t, frames, 4)
	typ, _ := split(t, frames[3])
	require.Equal(t, doip.AliveCheckRequest, typ)

	h.send(s0, aliveRes(testerA))
	frames = h.drain(s1)
	require.Len(t, frames, 1)
	requireRAResponse(t, frames[0], testerA, doip.RoutingDeniedSourceAddressAlreadyUsed)
	assert.Equal(t, []closeCall{{s1, false}}, h.tr.closed)
}

func TestActivationAliveCheckWaitsForQueueSpace(t *testing.T) {
	h := newHarness(t, testConfig())
	s0 := h.online("tcp0")
	s1 := h.online("tcp1")
	h.activate(s0, testerA)
	h.r.txData[0] = seq(9, 0)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.e.Transmit(0, 3))
	}
	// the acknowledge takes the last queue entry
	h.send(s0, diagReq(testerA, 0x2001, 0x3E, 0x00))

	h.send(s1, raReq(testerA, doip.ActivationDefault))
	ticks := h.e.ifaces[0].aliveTicks
	h.polls(ticks + 2)
	assert.Empty(t, h.tr.closed, "no timeout before the request is queued")

	_, ok := h.drainOne(s0)
	require.True(t, ok)
	h.polls(1)
	frames := h.drain(s0)
	require.Len(t, frames, 4)
	typ, _ := split(t, frames[3])
	require.Equal(t, doip.AliveCheckRequest, typ)

	h.send(s0, aliveRes(testerA))
	frames = h.drain(s1)
	require.Len(t, frames, 1)
	requireRAResponse(t, frames[0], testerA, doip.RoutingDeniedSourceAddressAlreadyUsed)
	assert.Equal(t, []closeCall{{s1, false}}, h.tr.closed)
}

func TestActivationNoFreeSocket(t *testing.T) {
	cfg := testConfig()
	cfg.Interfaces[0].MaxActiveConnections = 1
	h := newHarness(t, cfg)
	s0 := h.online("tcp0")
	s1 := h.online("tcp1")
	h.activate(s0, testerA)

	h.send(s1, raReq(testerB, doip.ActivationDefault))
	frames := h.drain(s0)
	require.Len(t, frames, 1)
	h.send(s0, aliveRes(testerA))

	frames = h.drain(s1)
	require.Len(t, frames, 1)
	requireRAResponse(t, frames[0], testerB, doip.RoutingDeniedNoFreeSocket)
	assert.Equal(t, []closeCall{{s1, false}}, h.tr.closed)
}

func TestActivationFreesSocketOfSilentTester(t *testing.T) {
	cfg := testConfig()
	cfg.Interfaces[0].MaxActiveConnections = 1
	h := newHarness(t, cfg)
	s0 := h.online("tcp0")
	s1 := h.online("tcp1")
	h.activate(s0, testerA)

	h.send(s1, raReq(testerB, doip.ActivationDefault))
	h.drain(s0)
	// the silent connection goes away before the alive check expires
	h.e.SocketModeChanged(s0, SocketOffline)

	frames := h.drain(s1)
	require.Len(t, frames, 1)
	requireRAResponse(t, frames[0], testerB, doip.RoutingSuccessfullyActivated)
}

func TestActivationExclusive(t *testing.T) {
	h := newHarness(t, testConfig())
	s0 := h.online("tcp0")
	s1 := h.online("tcp1")
	s2 := h.online("tls0")

	h.activate(s0, testerA)
	h.activate(s1, testerB)
	h.send(s2, raReq(testerA, doip.ActivationDefault))
	h.drain(s0)
	h.send(s0, aliveRes(testerA))
	h.drain(s2)

	bound := 0
	for i := range h.e.conns {
		c := &h.e.conns[i]
		if c.tester == 0 && c.ra == raActivated {
			bound++
		}
	}
	assert.Equal(t, 1, bound, "a tester is activated on one connection at most")
	assert.Equal(t, connID(2), h.e.testers[0].conn)
}

func TestActivationQueuedBehindSlot(t *testing.T) {
	cfg := testConfig()
	pending := true
	cfg.Activations[0].Authenticator = HookFunc(func(ActivationRequest, []byte) HookResult {
		if pending {
			return HookPending
		}
		return HookAccepted
	})
	h := newHarness(t, cfg)
	s0 := h.online("tcp0")
	s1 := h.online("tcp1")

	h.send(s0, raReq(testerA, doip.ActivationDefault))
	// the second request is buffered while the slot is busy
	h.send(s1, raReq(testerB, doip.ActivationDefault))
	assert.Equal(t, rxDispatch, h.e.conns[3].rx.phase)

	pending = false
	h.polls(1)
	frames := h.drain(s0)
	require.Len(t, frames, 1)
	requireRAResponse(t, frames[0], testerA, doip.RoutingSuccessfullyActivated)
	h.polls(1)
	frames = h.drain(s1)
	require.Len(t, frames, 1)
	requireRAResponse(t, frames[0], testerB, doip.RoutingSuccessfullyActivated)
}

func TestInitialInactivityTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Interfaces[0].InitialInactivityTimeout = 5 * cfg.PollPeriod
	h := newHarness(t, cfg)
	s := h.online("tcp0")
	h.polls(4)
	assert.Empty(t, h.tr.closed)
	h.polls(1)
	assert.Equal(t, []closeCall{{s, false}}, h.tr.closed)
}

func TestGeneralInactivityWithAliveCheck(t *testing.T) {
	cfg := testConfig()
	cfg.Interfaces[0].GeneralInactivityTimeout = 10 * cfg.PollPeriod
	cfg.Interfaces[0].AliveCheckMargin = 3 * cfg.PollPeriod
	h := newHarness(t, cfg)
	s := h.online("tcp0")
	h.activate(s, testerA)

	h.polls(6)
	assert.Empty(t, h.drain(s))
	h.polls(1)
	frames := h.drain(s)
	require.Len(t, frames, 1)
	typ, _ := split(t, frames[0])
	assert.Equal(t, doip.AliveCheckRequest, typ)

	h.send(s, aliveRes(testerA))
	h.polls(9)
	assert.Empty(t, h.tr.closed, "the response restarted the timer")

	// no answer this time
	h.drain(s)
	h.polls(10)
	assert.Equal(t, []closeCall{{s, false}}, h.tr.closed)
}

func TestAliveCheckResponseFromOtherTester(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.online("tcp0")
	h.activate(s, testerA)
	h.send(s, aliveRes(testerB))
	assert.Equal(t, []closeCall{{s, false}}, h.tr.closed)
}
