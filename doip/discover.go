package doip

import (
	"context"
	"net"
	"time"
)

// Discover sends a vehicle identification request to addr (unicast or
// broadcast, "host:port") and collects the responses until ctx is done or
// wait elapses without further answers.
func Discover(ctx context.Context, addr string, req *MsgVehicleIDReq, wait time.Duration) ([]*MsgVehicleIDRes, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if req == nil {
		req = NewVehicleIDReq()
	}
	b, err := Pack(req)
	if err != nil {
		return nil, err
	}
	if _, err := conn.WriteToUDP(b, raddr); err != nil {
		return nil, err
	}

	var res []*MsgVehicleIDRes
	buf := make([]byte, 1500)
	for {
		deadline := time.Now().Add(wait)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		conn.SetReadDeadline(deadline)
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return res, nil
			}
			return res, err
		}
		h, err := ParseHeader(buf[:n])
		if err != nil || h.Type != VehicleAnnouncement || int(h.Length) != n-HeaderLength {
			continue
		}
		m, err := Unpack(buf[HeaderLength:n], h.Type)
		if err != nil {
			continue
		}
		res = append(res, m.(*MsgVehicleIDRes))
		if ctx.Err() != nil {
			return res, nil
		}
	}
}
