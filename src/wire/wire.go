// Package wire implements the LoCave frame codec. It converts the byte frames
// exchanged with the serial bridge into typed protocol events and back. The
// physical SLIP framing is handled by the link hardware; this package sees
// whole frames: an 8-byte header followed by an ASCII or binary payload,
// protected by a CRC-8/MAXIM checksum.
package wire

// Reserved addresses of the node id space. This numbering is a wire-level
// contract shared with the node firmware and must not change.
const (
	// BaseID is the address of the base station hosting this engine.
	BaseID uint8 = 0

	// MaxNodeID is the highest valid field-node address.
	MaxNodeID uint8 = 253

	// TelegramID marks messages originating from the Telegram bridge.
	TelegramID uint8 = 254

	// BroadcastID addresses every node in the chain.
	BroadcastID uint8 = 255
)

// FrameType identifies the kind of payload carried by a frame.
type FrameType uint8

// Frame types understood by the base station.
const (
	DataType        FrameType = 0
	AckType         FrameType = 1
	HelloType       FrameType = 2
	StatusType      FrameType = 3
	BleScanType     FrameType = 4
	BaseConfirmType FrameType = 5
	TelemetryType   FrameType = 6
	ModeType        FrameType = 7
	DeployPingType  FrameType = 8
	PingResponse    FrameType = 254
	PingType        FrameType = 255
)

// String ...
func (t FrameType) String() string {
	switch t {
	case DataType:
		return "DATA"
	case AckType:
		return "ACK"
	case HelloType:
		return "HELLO"
	case StatusType:
		return "STATUS"
	case BleScanType:
		return "BLE_SCAN"
	case BaseConfirmType:
		return "BASE_CONFIRM"
	case TelemetryType:
		return "TELEMETRY"
	case ModeType:
		return "MODE"
	case DeployPingType:
		return "DEPLOY_PING"
	case PingResponse:
		return "PING_RESPONSE"
	case PingType:
		return "PING"
	default:
		return "UNKNOWN"
	}
}

// HeaderSize is the fixed size of a frame header:
// [crc, l2_sender, source, dest, hop_ttl, seq, type, length]
const HeaderSize = 8

// MaxContentLength bounds user-originated chat text. Enforced before
// encoding; longer content is rejected, never truncated.
const MaxContentLength = 120

// MaxPayloadLength is the most a frame can carry: the header's length field
// is a single byte.
const MaxPayloadLength = 255

// DefaultHopTTL is the hop budget given to frames originated by the base.
const DefaultHopTTL = 25

// Interface identifies the physical link a neighbor was heard on.
type Interface uint8

// Link interfaces reported by the node firmware.
const (
	InterfaceCave Interface = 0
	InterfaceExit Interface = 1
	InterfaceRF   Interface = 2
	InterfaceAll  Interface = 3
)

// String ...
func (i Interface) String() string {
	switch i {
	case InterfaceCave:
		return "CAVE"
	case InterfaceExit:
		return "EXIT"
	case InterfaceRF:
		return "RF"
	case InterfaceAll:
		return "ALL"
	default:
		return "UNKNOWN"
	}
}

// Mode is the operating mode a node reports for itself.
type Mode uint8

// Node operating modes.
const (
	FiberOnly Mode = iota
	FiberCaveRF
	FiberExitRF
	RFOnly
)

// String ...
func (m Mode) String() string {
	switch m {
	case FiberOnly:
		return "FIBER_ONLY"
	case FiberCaveRF:
		return "FIBER_CAVE_RF"
	case FiberExitRF:
		return "FIBER_EXIT_RF"
	case RFOnly:
		return "RF_ONLY"
	default:
		return "UNKNOWN"
	}
}

// Header carries the routing fields common to every frame. The checksum is
// not part of the header struct; it is computed on encode and verified on
// decode.
type Header struct {
	L2Sender uint8
	Source   uint8
	Dest     uint8
	HopTTL   uint8
	Seq      uint8
	Type     FrameType
}

// Event is a decoded protocol event.
type Event interface {
	Header() Header
}

// Neighbor is one entry of a node's reported neighbor set. RSSI is a signed
// dBm value; NodeID 0 means a reachable path to base.
type Neighbor struct {
	NodeID    uint8
	Interface Interface
	RSSI      int
}

// Weather is an optional environment reading attached to telemetry.
type Weather struct {
	Temperature float64
	Humidity    float64
	Pressure    float64
}

// TextMessage is a chat message relayed over the mesh.
type TextMessage struct {
	Hdr     Header
	Content string
}

// Header ...
func (e TextMessage) Header() Header { return e.Hdr }

// ForTelegram reports whether the message is destined for the Telegram
// bridge rather than a field node.
func (e TextMessage) ForTelegram() bool { return e.Hdr.Dest == TelegramID }

// NeighborReport carries a node's complete current neighbor set (at most 3
// entries). It replaces any previously reported set wholesale.
type NeighborReport struct {
	Hdr       Header
	Neighbors []Neighbor
}

// Header ...
func (e NeighborReport) Header() Header { return e.Hdr }

// TelemetryReport carries battery state and an optional weather reading.
type TelemetryReport struct {
	Hdr      Header
	Battery  float64
	Charging bool
	Weather  *Weather
}

// Header ...
func (e TelemetryReport) Header() Header { return e.Hdr }

// ModeReport announces the operating mode of a node.
type ModeReport struct {
	Hdr  Header
	Mode Mode
}

// Header ...
func (e ModeReport) Header() Header { return e.Hdr }

// DeployPing is a placement-survey ping emitted by a node in deploy mode.
type DeployPing struct {
	Hdr  Header
	RSSI int
}

// Header ...
func (e DeployPing) Header() Header { return e.Hdr }

// DeliveryAck confirms end-to-end delivery of an outbound message. AckedSeq
// is the wire sequence number of the confirmed frame; the engine maps it back
// to a message id.
type DeliveryAck struct {
	Hdr      Header
	AckedSeq uint8
}

// Header ...
func (e DeliveryAck) Header() Header { return e.Hdr }

// BleScanReport lists the BLE beacon ids a node currently hears.
type BleScanReport struct {
	Hdr     Header
	Beacons []uint16
}

// Header ...
func (e BleScanReport) Header() Header { return e.Hdr }

// Hello is a liveness probe with no payload.
type Hello struct {
	Hdr Header
}

// Header ...
func (e Hello) Header() Header { return e.Hdr }

// Ping is a broadcast liveness probe emitted by the base.
type Ping struct {
	Hdr Header
}

// Header ...
func (e Ping) Header() Header { return e.Hdr }

// Pong is a node's answer to a broadcast ping; its only effect is to refresh
// the node's last-seen timestamp.
type Pong struct {
	Hdr Header
}

// Header ...
func (e Pong) Header() Header { return e.Hdr }
