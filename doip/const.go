package doip

const (
	// ProtocolVersion2012 is the protocol version of ISO 13400-2:2012.
	ProtocolVersion2012 uint8 = 0x02
	// ProtocolVersion2019 is the protocol version of ISO 13400-2:2019.
	ProtocolVersion2019 uint8 = 0x03
	// ProtocolVersionDefault may be used by testers on vehicle identification requests.
	ProtocolVersionDefault uint8 = 0xFF

	protocolVersion        uint8 = ProtocolVersion2012
	inverseProtocolVersion uint8 = ^protocolVersion
)

// Well known ports, Table 39.
const (
	UDPDiscoveryPort = 13400
	TCPDataPort      = 13400
	TLSDataPort      = 3496
)

// Sizes of the fixed parts on the wire.
const (
	HeaderLength  = 8
	VINLength     = 17
	EIDLength     = 6
	GIDLength     = 6
	AddressLength = 2

	// RoutingActivationRequestLength excludes the optional OEM specific part.
	RoutingActivationRequestLength  = 7
	RoutingActivationResponseLength = 9
	OEMSpecificLength               = 4
	AliveCheckResponseLength        = 2
	DiagnosticHeaderLength          = 4
	DiagnosticAckHeaderLength       = 5

	VehicleIdentificationResponseLength = VINLength + AddressLength + EIDLength + GIDLength + 1
	EntityStatusResponseLength          = 3
	PowerModeResponseLength             = 1
)

// Table 17: DoIP payload types
const (
	GenericHeaderNegativeAcknowledge     MsgTid = 0x0000
	VehicleIdentificationRequest         MsgTid = 0x0001
	VehicleIdentificationRequestEID      MsgTid = 0x0002
	VehicleIdentificationRequestVIN      MsgTid = 0x0003
	VehicleAnnouncement                  MsgTid = 0x0004
	RoutingActivationRequest             MsgTid = 0x0005
	RoutingActivationResponse            MsgTid = 0x0006
	AliveCheckRequest                    MsgTid = 0x0007
	AliveCheckResponse                   MsgTid = 0x0008
	EntityStatusRequest                  MsgTid = 0x4001
	EntityStatusResponse                 MsgTid = 0x4002
	PowerModeInformationRequest          MsgTid = 0x4003
	PowerModeInformationResponse         MsgTid = 0x4004
	DiagnosticMessage                    MsgTid = 0x8001
	DiagnosticMessagePositiveAcknowledge MsgTid = 0x8002
	DiagnosticMessageNegativeAcknowledge MsgTid = 0x8003
)

// OEM specific payload types, Table 17.
const (
	OEMPayloadTypeFirst MsgTid = 0xF000
	OEMPayloadTypeLast  MsgTid = 0xFFFF
)

// IsOEM reports whether t lies in the manufacturer specific range.
func (t MsgTid) IsOEM() bool { return t >= OEMPayloadTypeFirst }

// Table 19: Generic DoIP header NACK codes
const (
	HeaderIncorrectPatternFormat uint8 = 0x00 // close socket
	HeaderUnknownPayloadType     uint8 = 0x01 // discard message
	HeaderMessageTooLarge        uint8 = 0x02 // discard message
	HeaderOutOfMemory            uint8 = 0x03 // discard message
	HeaderInvalidPayloadLength   uint8 = 0x04 // close socket
)

// Table 48: Routing activation response code values
const (
	RoutingDeniedUnknownSourceAddress     uint8 = 0x00
	RoutingDeniedNoFreeSocket             uint8 = 0x01
	RoutingDeniedSourceAddressMismatch    uint8 = 0x02
	RoutingDeniedSourceAddressAlreadyUsed uint8 = 0x03
	RoutingDeniedMissingAuthentication    uint8 = 0x04
	RoutingDeniedRejectedConfirmation     uint8 = 0x05
	RoutingDeniedUnsupportedType          uint8 = 0x06
	RoutingDeniedSecureConnectionRequired uint8 = 0x07
	RoutingSuccessfullyActivated          uint8 = 0x10
	RoutingConfirmationRequired           uint8 = 0x11
)

// RoutingClosesSocket reports whether the response code requires the entity
// to close the TCP_DATA socket after sending the response.
func RoutingClosesSocket(code uint8) bool {
	switch code {
	case RoutingDeniedUnknownSourceAddress,
		RoutingDeniedNoFreeSocket,
		RoutingDeniedSourceAddressMismatch,
		RoutingDeniedSourceAddressAlreadyUsed,
		RoutingDeniedUnsupportedType,
		RoutingDeniedSecureConnectionRequired:
		return true
	}
	return false
}

// Table 26/27: Diagnostic message acknowledge codes
const (
	DiagnosticAckOK                 uint8 = 0x00
	DiagnosticNackInvalidSource     uint8 = 0x02
	DiagnosticNackUnknownTarget     uint8 = 0x03
	DiagnosticNackMessageTooLarge   uint8 = 0x04
	DiagnosticNackOutOfMemory       uint8 = 0x05
	DiagnosticNackTargetUnreachable uint8 = 0x06
	DiagnosticNackUnknownNetwork    uint8 = 0x07
	DiagnosticNackTransportProtocol uint8 = 0x08
)

// Routing activation types, Table 47.
const (
	ActivationDefault         uint8 = 0x00
	ActivationWWHOBD          uint8 = 0x01
	ActivationCentralSecurity uint8 = 0xE0
)

// Further action codes of the vehicle announcement, Table 5.
const (
	FurtherActionNone            uint8 = 0x00
	FurtherActionCentralSecurity uint8 = 0x10
)

// Node types of the entity status response.
const (
	NodeTypeGateway uint8 = 0x00
	NodeTypeNode    uint8 = 0x01
)

// Diagnostic power mode values.
const (
	PowerModeNotReady     uint8 = 0x00
	PowerModeReady        uint8 = 0x01
	PowerModeNotSupported uint8 = 0x02
)
