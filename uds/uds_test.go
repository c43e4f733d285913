package uds_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eshenhu/doipnode/doip"
	"github.com/eshenhu/doipnode/uds"
)

type reply struct {
	source uint16
	data   []byte
	err    error
}

type errDisconnected struct{}

func (errDisconnected) Error() string        { return "disconnected" }
func (errDisconnected) IsDisconnected() bool { return true }

// fakePipe answers every Send with the next queued replies.
type fakePipe struct {
	sent    [][]byte
	replies []reply
	sendErr error
}

func (p *fakePipe) Connect() error { return nil }
func (p *fakePipe) Disconnect()    {}

func (p *fakePipe) Send(target uint16, data []byte) error {
	p.sent = append(p.sent, data)
	return p.sendErr
}

func (p *fakePipe) Receive() (uint16, uint16, []byte, error) {
	if len(p.replies) == 0 {
		return 0, 0, nil, errDisconnected{}
	}
	r := p.replies[0]
	p.replies = p.replies[1:]
	return r.source, 0x0E80, r.data, r.err
}

func newClient(p *fakePipe) *uds.Client {
	return uds.NewClientWithPendingCount(doip.NewLogger(), p, 1)
}

func TestReadDID(t *testing.T) {
	p := &fakePipe{replies: []reply{{0x1D01, []byte{0x62, 0xDD, 0x01, 0x00, 0x21, 0x07}, nil}}}
	req, rep, err := newClient(p).ReadDID(0x1D01, 0xDD01)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x22, 0xDD, 0x01}, req)
	assert.Equal(t, []byte{0x62, 0xDD, 0x01, 0x00, 0x21, 0x07}, rep)
	assert.Equal(t, [][]byte{req}, p.sent)
}

func TestReadDIDNegative(t *testing.T) {
	p := &fakePipe{replies: []reply{{0x1D01, []byte{0x7F, 0x22, 0x31}, nil}}}
	_, rep, err := newClient(p).ReadDID(0x1D01, 0xF808)
	require.NoError(t, err)
	assert.Equal(t, uds.NrcRequestOutOfRange, uds.NegativeResponse(rep))
}

func TestResponsePending(t *testing.T) {
	pending := []byte{0x7F, 0x22, 0x78}
	p := &fakePipe{replies: []reply{
		{0x1D01, pending, nil},
		{0x1D01, []byte{0x62, 0xDD, 0x01, 0xAA}, nil},
	}}
	_, rep, err := newClient(p).ReadDID(0x1D01, 0xDD01)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x62, 0xDD, 0x01, 0xAA}, rep)

	p = &fakePipe{replies: []reply{{0x1D01, pending, nil}, {0x1D01, pending, nil}}}
	_, _, err = newClient(p).ReadDID(0x1D01, 0xDD01)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Too many response pending")
}

func TestUnexpectedResponses(t *testing.T) {
	for _, tc := range []struct {
		name  string
		reply reply
		want  string
	}{
		{"wrong DID", reply{0x1D01, []byte{0x62, 0xDD, 0x02}, nil}, "Unexpected response"},
		{"wrong source", reply{0x1D02, []byte{0x62, 0xDD, 0x01}, nil}, "wrong ecu"},
		{"empty", reply{0x1D01, nil, nil}, "Zero length"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := &fakePipe{replies: []reply{tc.reply}}
			_, _, err := newClient(p).ReadDID(0x1D01, 0xDD01)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDisconnectedIsUnrecoverable(t *testing.T) {
	p := &fakePipe{}
	_, _, err := newClient(p).TesterPresent(0x1D01)
	require.Error(t, err)
	var ue uds.Error
	require.ErrorAs(t, err, &ue)
	assert.True(t, ue.Unrecoverable())
}

func TestServiceRequests(t *testing.T) {
	p := &fakePipe{replies: []reply{
		{0x1D01, []byte{0x50, 0x03, 0x00, 0x32, 0x01, 0xF4}, nil},
		{0x1D01, []byte{0x7E, 0x00}, nil},
		{0x1D01, []byte{0x59, 0x02, 0xFF}, nil},
	}}
	c := newClient(p)
	_, _, err := c.SessionControl(0x1D01, 0x03)
	require.NoError(t, err)
	_, _, err = c.TesterPresent(0x1D01)
	require.NoError(t, err)
	_, _, err = c.ReadDTCByMask(0x1D01, 0x08)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0x10, 0x03}, {0x3E, 0x00}, {0x19, 0x02, 0x08}}, p.sent)
}
