package doip

import (
	"encoding/binary"
	"errors"
)

// Errors
var (
	ErrDoIPHdrErr          error = &Error{err: "header error"}
	ErrDoIPTmo             error = &Error{err: "timeout"}
	ErrDoIPUnknownSA       error = &Error{err: "unknown sa"}
	ErrDoIPInvalidSA       error = &Error{err: "invalid sa"}
	ErrDoIPUnknownTA       error = &Error{err: "unknown ta"}
	ErrDoIPMsgTooLarge     error = &Error{err: "message too large"}
	ErrDoIPOutOfMem        error = &Error{err: "out of memory"}
	ErrDoIPTargetUnreached error = &Error{err: "target unreachable"}
	ErrDoIPNoLink          error = &Error{err: "no link"}
	ErrDoIPNoSocket        error = &Error{err: "no socket"}
	ErrDoIPError           error = &Error{err: "other error"}
)

// Header error
var (
	ErrHeaderTooShort      = errors.New("Header too short")
	ErrHeaderPatternFormat = errors.New("Header incorrect pattern format")
)

// Unpack error
var (
	ErrUnpackNoExist  = errors.New("Unpack No existed")
	ErrUnpackNil      = errors.New("Unpack nil")
	ErrUnpackTooShort = errors.New("Unpack Too short")
	ErrUnpackLength   = errors.New("Unpack invalid length")
)

// Pack error
var (
	ErrPackNoExist = errors.New("Pack No existed")
	ErrPackNil     = errors.New("Pack nil")
)

// mhs returns the map
var (
	mhUnpack = map[MsgTid]func([]byte) (Msg, error){
		GenericHeaderNegativeAcknowledge:     unpackNAK,
		VehicleIdentificationRequest:         unpackReqVI,
		VehicleIdentificationRequestEID:      unpackReqVI,
		VehicleIdentificationRequestVIN:      unpackReqVI,
		VehicleAnnouncement:                  unpackResVI,
		RoutingActivationRequest:             unpackReqRA,
		RoutingActivationResponse:            unpackResRA,
		AliveCheckRequest:                    unpackReqAC,
		AliveCheckResponse:                   unpackResAC,
		EntityStatusResponse:                 unpackResES,
		PowerModeInformationResponse:         unpackResPM,
		DiagnosticMessage:                    unpackReqDM,
		DiagnosticMessagePositiveAcknowledge: unpackResDM,
		DiagnosticMessageNegativeAcknowledge: unpackResDM,
	}
)

// Unpack the raw payload bytes into the formated Message
func Unpack(b []byte, id MsgTid) (Msg, error) {
	if f, ok := mhUnpack[id]; ok {
		m, err := f(b)
		if err != nil {
			return nil, err
		}
		m.setID(id)
		return m, nil
	}
	return nil, ErrUnpackNoExist
}

// Pack the Msg into a complete frame, generic header included.
func Pack(m Msg) ([]byte, error) {
	if m == nil {
		return nil, ErrPackNil
	}
	p, ok := m.(MsgReq)
	if !ok {
		return nil, ErrPackNoExist
	}
	b := p.Pack()
	return AppendHeader(make([]byte, 0, HeaderLength+len(b)), protocolVersion, m.GetID(), uint32(len(b)), b), nil
}

// MsgTid represent the type of data
type MsgTid uint16

// Error represents a DoIP error.
type Error struct{ err string }

func (e *Error) Error() string {
	if e == nil {
		return "DoIP: <nil>"
	}
	return "DoIP: " + e.err
}

// Header is the generic DoIP header, Table 16.
type Header struct {
	Version uint8
	Type    MsgTid
	Length  uint32
}

// ParseHeader decodes the generic header at the start of b. The inverse
// version byte is validated, the version itself is left to the caller.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLength {
		return Header{}, ErrHeaderTooShort
	}
	h := Header{
		Version: b[0],
		Type:    MsgTid(binary.BigEndian.Uint16(b[2:4])),
		Length:  binary.BigEndian.Uint32(b[4:8]),
	}
	if b[1] != ^b[0] {
		return h, ErrHeaderPatternFormat
	}
	return h, nil
}

// PutHeader writes the generic header into b, which must hold HeaderLength bytes.
func PutHeader(b []byte, version uint8, id MsgTid, length uint32) {
	b[0] = version
	b[1] = ^version
	binary.BigEndian.PutUint16(b[2:4], uint16(id))
	binary.BigEndian.PutUint32(b[4:8], length)
}

// AppendHeader appends a generic header followed by payload to b.
func AppendHeader(b []byte, version uint8, id MsgTid, length uint32, payload []byte) []byte {
	var h [HeaderLength]byte
	PutHeader(h[:], version, id, length)
	b = append(b, h[:]...)
	return append(b, payload...)
}

// Msg represent the L2 Message
type Msg interface {
	GetID() MsgTid
	setID(MsgTid)
}

// MsgReq represent ReqMsg
type MsgReq interface {
	Msg
	Pack() []byte
}

type msgID struct {
	Id MsgTid
}

// GetID returns id
func (m *msgID) GetID() MsgTid { return m.Id }

func (m *msgID) setID(id MsgTid) { m.Id = id }

// MsgNACKReq : NACK message
type MsgNACKReq struct {
	msgID
	ErrCode byte
}

// NewNACK builds a generic header negative acknowledge.
func NewNACK(code byte) *MsgNACKReq {
	return &MsgNACKReq{msgID: msgID{GenericHeaderNegativeAcknowledge}, ErrCode: code}
}

// Pack message
func (r *MsgNACKReq) Pack() []byte {
	return []byte{r.ErrCode}
}

// MsgVehicleIDReq covers the three vehicle identification requests; EID and
// VIN are only set for the respective request type.
type MsgVehicleIDReq struct {
	msgID
	EID []byte
	VIN []byte
}

// Pack message
func (r *MsgVehicleIDReq) Pack() []byte {
	switch r.Id {
	case VehicleIdentificationRequestEID:
		return append([]byte(nil), r.EID...)
	case VehicleIdentificationRequestVIN:
		return append([]byte(nil), r.VIN...)
	}
	return []byte{}
}

// MsgVehicleIDRes is the vehicle announcement / identification response.
type MsgVehicleIDRes struct {
	msgID
	VIN            [VINLength]byte
	LogicalAddress uint16
	EID            [EIDLength]byte
	GID            [GIDLength]byte
	FurtherAction  byte
	// SyncStatus is only on the wire when HasSyncStatus is set.
	SyncStatus    byte
	HasSyncStatus bool
}

// Pack message
func (w *MsgVehicleIDRes) Pack() []byte {
	ln := VehicleIdentificationResponseLength
	if w.HasSyncStatus {
		ln++
	}
	b := make([]byte, ln)
	copy(b[0:17], w.VIN[:])
	binary.BigEndian.PutUint16(b[17:19], w.LogicalAddress)
	copy(b[19:25], w.EID[:])
	copy(b[25:31], w.GID[:])
	b[31] = w.FurtherAction
	if w.HasSyncStatus {
		b[32] = w.SyncStatus
	}
	return b
}

// MsgActivationReq :
type MsgActivationReq struct {
	msgID
	SrcAddress     uint16
	ActivationType byte
	ReserveForStd  []byte
	ReserveForOEM  []byte
}

// Pack message
func (r *MsgActivationReq) Pack() []byte {
	ln := RoutingActivationRequestLength
	if len(r.ReserveForOEM) == OEMSpecificLength {
		ln += OEMSpecificLength
	}

	buf := make([]byte, ln)
	binary.BigEndian.PutUint16(buf[:2], r.SrcAddress)
	buf[2] = r.ActivationType
	copy(buf[3:7], r.ReserveForStd)

	if len(r.ReserveForOEM) == OEMSpecificLength {
		copy(buf[7:], r.ReserveForOEM)
	}
	return buf
}

// MsgActivationRes Res
type MsgActivationRes struct {
	msgID
	SrcAddress    uint16 // logical address of the tester
	DstAddress    uint16 // logical address of the DoIP entity
	Code          byte
	ReserveForStd []byte
	ReserveForOEM []byte
}

// Pack message
func (w *MsgActivationRes) Pack() []byte {
	ln := RoutingActivationResponseLength
	if len(w.ReserveForOEM) == OEMSpecificLength {
		ln += OEMSpecificLength
	}
	b := make([]byte, ln)
	binary.BigEndian.PutUint16(b[0:2], w.SrcAddress)
	binary.BigEndian.PutUint16(b[2:4], w.DstAddress)
	b[4] = w.Code
	copy(b[5:9], w.ReserveForStd)
	if ln > RoutingActivationResponseLength {
		copy(b[9:13], w.ReserveForOEM)
	}
	return b
}

// MsgAliveChkReq AliveCheck
type MsgAliveChkReq struct {
	msgID
}

// Pack message
func (r *MsgAliveChkReq) Pack() []byte {
	return []byte{}
}

// MsgAliveChkRes AliveCheck
type MsgAliveChkRes struct {
	msgID
	SrcAddress uint16
}

// Pack message
func (w *MsgAliveChkRes) Pack() []byte {
	b := make([]byte, AliveCheckResponseLength)
	binary.BigEndian.PutUint16(b, w.SrcAddress)
	return b
}

// MsgEntityStatusRes is the DoIP entity status response.
type MsgEntityStatusRes struct {
	msgID
	NodeType       byte
	MaxSockets     byte
	OpenSockets    byte
	MaxDataSize    uint32
	HasMaxDataSize bool
}

// Pack message
func (w *MsgEntityStatusRes) Pack() []byte {
	ln := EntityStatusResponseLength
	if w.HasMaxDataSize {
		ln += 4
	}
	b := make([]byte, ln)
	b[0], b[1], b[2] = w.NodeType, w.MaxSockets, w.OpenSockets
	if w.HasMaxDataSize {
		binary.BigEndian.PutUint32(b[3:7], w.MaxDataSize)
	}
	return b
}

// MsgPowerModeRes is the diagnostic power mode information response.
type MsgPowerModeRes struct {
	msgID
	PowerMode byte
}

// Pack message
func (w *MsgPowerModeRes) Pack() []byte {
	return []byte{w.PowerMode}
}

// MsgDiagMsgReq DiagMsg
type MsgDiagMsgReq struct {
	msgID
	SrcAddress uint16
	DstAddress uint16
	Userdata   []byte
}

// Pack message
func (r *MsgDiagMsgReq) Pack() []byte {
	ln := DiagnosticHeaderLength + len(r.Userdata)
	buf := make([]byte, ln)

	binary.BigEndian.PutUint16(buf[0:2], r.SrcAddress)
	binary.BigEndian.PutUint16(buf[2:4], r.DstAddress)
	copy(buf[4:], r.Userdata)

	return buf
}

// MsgDiagMsgRes DiagMsg
type MsgDiagMsgRes struct {
	msgID
	SrcAddress uint16
	DstAddress uint16
	AckCode    byte // 0: Ack 1..0xFF NAck
	Userdata   []byte
}

// Pack message
func (w *MsgDiagMsgRes) Pack() []byte {
	b := make([]byte, DiagnosticAckHeaderLength+len(w.Userdata))
	binary.BigEndian.PutUint16(b[0:2], w.SrcAddress)
	binary.BigEndian.PutUint16(b[2:4], w.DstAddress)
	b[4] = w.AckCode
	copy(b[5:], w.Userdata)
	return b
}

// NewDiagMsg builds a diagnostic message.
func NewDiagMsg(src, dst uint16, data []byte) *MsgDiagMsgReq {
	return &MsgDiagMsgReq{msgID: msgID{DiagnosticMessage}, SrcAddress: src, DstAddress: dst, Userdata: data}
}

// NewActivationReq builds a routing activation request without OEM part.
func NewActivationReq(src uint16, activationType byte) *MsgActivationReq {
	return &MsgActivationReq{
		msgID:          msgID{RoutingActivationRequest},
		SrcAddress:     src,
		ActivationType: activationType,
		ReserveForStd:  []byte{0, 0, 0, 0},
	}
}

// NewAliveChkRes builds an alive check response.
func NewAliveChkRes(src uint16) *MsgAliveChkRes {
	return &MsgAliveChkRes{msgID: msgID{AliveCheckResponse}, SrcAddress: src}
}

// NewVehicleIDReq builds a plain vehicle identification request.
func NewVehicleIDReq() *MsgVehicleIDReq {
	return &MsgVehicleIDReq{msgID: msgID{VehicleIdentificationRequest}}
}

func unpackNAK(b []byte) (Msg, error) {
	if len(b) != 1 {
		return nil, ErrUnpackLength
	}
	return &MsgNACKReq{ErrCode: b[0]}, nil
}

func unpackReqVI(b []byte) (Msg, error) {
	m := &MsgVehicleIDReq{}
	switch len(b) {
	case 0:
	case EIDLength:
		m.EID = b
	case VINLength:
		m.VIN = b
	default:
		return nil, ErrUnpackLength
	}
	return m, nil
}

func unpackResVI(b []byte) (Msg, error) {
	ll := len(b)
	if !(ll == VehicleIdentificationResponseLength || ll == VehicleIdentificationResponseLength+1) {
		return nil, ErrUnpackLength
	}
	m := &MsgVehicleIDRes{
		LogicalAddress: binary.BigEndian.Uint16(b[17:19]),
		FurtherAction:  b[31],
	}
	copy(m.VIN[:], b[0:17])
	copy(m.EID[:], b[19:25])
	copy(m.GID[:], b[25:31])
	if ll > VehicleIdentificationResponseLength {
		m.SyncStatus = b[32]
		m.HasSyncStatus = true
	}
	return m, nil
}

func unpackReqRA(b []byte) (Msg, error) {
	ll := len(b)
	if !(ll == RoutingActivationRequestLength || ll == RoutingActivationRequestLength+OEMSpecificLength) {
		return nil, ErrUnpackLength
	}
	m := &MsgActivationReq{
		SrcAddress:     binary.BigEndian.Uint16(b[0:2]),
		ActivationType: b[2],
		ReserveForStd:  b[3:7],
	}
	if ll > RoutingActivationRequestLength {
		m.ReserveForOEM = b[7:11]
	}
	return m, nil
}

func unpackResRA(b []byte) (Msg, error) {
	ll := len(b)
	if !(ll == RoutingActivationResponseLength || ll == RoutingActivationResponseLength+OEMSpecificLength) {
		return nil, ErrUnpackLength
	}
	m := &MsgActivationRes{
		SrcAddress:    binary.BigEndian.Uint16(b[0:2]),
		DstAddress:    binary.BigEndian.Uint16(b[2:4]),
		Code:          b[4],
		ReserveForStd: b[5:9],
	}
	if ll > RoutingActivationResponseLength {
		m.ReserveForOEM = b[9:13]
	}
	return m, nil
}

func unpackReqAC(b []byte) (Msg, error) {
	if len(b) != 0 {
		return nil, ErrUnpackLength
	}
	return &MsgAliveChkReq{}, nil
}

func unpackResAC(b []byte) (Msg, error) {
	if len(b) != AliveCheckResponseLength {
		return nil, ErrUnpackLength
	}
	return &MsgAliveChkRes{SrcAddress: binary.BigEndian.Uint16(b)}, nil
}

func unpackResES(b []byte) (Msg, error) {
	ll := len(b)
	if !(ll == EntityStatusResponseLength || ll == EntityStatusResponseLength+4) {
		return nil, ErrUnpackLength
	}
	m := &MsgEntityStatusRes{NodeType: b[0], MaxSockets: b[1], OpenSockets: b[2]}
	if ll > EntityStatusResponseLength {
		m.MaxDataSize = binary.BigEndian.Uint32(b[3:7])
		m.HasMaxDataSize = true
	}
	return m, nil
}

func unpackResPM(b []byte) (Msg, error) {
	if len(b) != PowerModeResponseLength {
		return nil, ErrUnpackLength
	}
	return &MsgPowerModeRes{PowerMode: b[0]}, nil
}

func unpackReqDM(b []byte) (Msg, error) {
	if len(b) <= DiagnosticHeaderLength {
		return nil, ErrUnpackTooShort
	}
	m := &MsgDiagMsgReq{
		SrcAddress: binary.BigEndian.Uint16(b[0:2]),
		DstAddress: binary.BigEndian.Uint16(b[2:4]),
		Userdata:   b[4:],
	}
	return m, nil
}

func unpackResDM(b []byte) (Msg, error) {
	if len(b) < DiagnosticAckHeaderLength {
		return nil, ErrUnpackTooShort
	}
	m := &MsgDiagMsgRes{
		SrcAddress: binary.BigEndian.Uint16(b[0:2]),
		DstAddress: binary.BigEndian.Uint16(b[2:4]),
		AckCode:    b[4],
		Userdata:   b[5:],
	}
	return m, nil
}
