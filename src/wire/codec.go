package wire

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// DecodeErrType classifies frame decoding failures.
type DecodeErrType uint32

const (
	// TruncatedFrame ...
	TruncatedFrame DecodeErrType = iota
	// ChecksumMismatch ...
	ChecksumMismatch
	// UnknownFrameType ...
	UnknownFrameType
	// MalformedPayload ...
	MalformedPayload
)

// DecodeError is returned when a frame cannot be decoded. It is always
// recoverable: the frame is dropped and the engine state is left untouched.
type DecodeError struct {
	errType DecodeErrType
	detail  string
}

// NewDecodeError ...
func NewDecodeError(errType DecodeErrType, detail string) DecodeError {
	return DecodeError{errType: errType, detail: detail}
}

// Error ...
func (e DecodeError) Error() string {
	m := ""
	switch e.errType {
	case TruncatedFrame:
		m = "Truncated Frame"
	case ChecksumMismatch:
		m = "Checksum Mismatch"
	case UnknownFrameType:
		m = "Unknown Frame Type"
	case MalformedPayload:
		m = "Malformed Payload"
	}
	return fmt.Sprintf("%s, %s", m, e.detail)
}

// IsDecode checks that an error is of type DecodeError and that its code
// matches the provided code.
func IsDecode(err error, t DecodeErrType) bool {
	decodeErr, ok := err.(DecodeError)
	return ok && decodeErr.errType == t
}

// ErrContentTooLong is returned when user-originated chat text exceeds
// MaxContentLength. Content is rejected, never truncated.
var ErrContentTooLong = fmt.Errorf("content exceeds %d characters", MaxContentLength)

// ErrPayloadTooLarge is returned when an encoded payload would overflow the
// frame header's one-byte length field.
var ErrPayloadTooLarge = fmt.Errorf("payload exceeds %d bytes", MaxPayloadLength)

// Checksum computes the CRC-8/MAXIM checksum used by the node firmware
// (polynomial 0x8C, reflected, init 0).
func Checksum(data []byte) uint8 {
	var crc uint8
	for _, b := range data {
		extract := b
		for i := 0; i < 8; i++ {
			sum := (crc ^ extract) & 0x01
			crc >>= 1
			if sum != 0 {
				crc ^= 0x8C
			}
			extract >>= 1
		}
	}
	return crc
}

// Decode parses a deframed byte slice into a typed Event. It fails with a
// DecodeError on a short or inconsistent frame, a checksum mismatch, an
// unknown frame type, or an unparsable payload.
func Decode(frame []byte) (Event, error) {
	if len(frame) < HeaderSize {
		return nil, NewDecodeError(TruncatedFrame, fmt.Sprintf("%d bytes", len(frame)))
	}

	if Checksum(frame[1:]) != frame[0] {
		return nil, NewDecodeError(ChecksumMismatch, fmt.Sprintf("got 0x%02X", frame[0]))
	}

	hdr := Header{
		L2Sender: frame[1],
		Source:   frame[2],
		Dest:     frame[3],
		HopTTL:   frame[4],
		Seq:      frame[5],
		Type:     FrameType(frame[6]),
	}

	payload := frame[HeaderSize:]
	if int(frame[7]) != len(payload) {
		return nil, NewDecodeError(TruncatedFrame,
			fmt.Sprintf("length field %d, payload %d", frame[7], len(payload)))
	}

	switch hdr.Type {
	case DataType:
		return TextMessage{Hdr: hdr, Content: string(payload)}, nil

	case AckType, BaseConfirmType:
		seq, err := strconv.Atoi(string(payload))
		if err != nil || seq < 0 || seq > 255 {
			return nil, NewDecodeError(MalformedPayload, "ack seq: "+string(payload))
		}
		return DeliveryAck{Hdr: hdr, AckedSeq: uint8(seq)}, nil

	case HelloType:
		return Hello{Hdr: hdr}, nil

	case StatusType:
		neighbors, err := parseNeighbors(string(payload))
		if err != nil {
			return nil, err
		}
		return NeighborReport{Hdr: hdr, Neighbors: neighbors}, nil

	case BleScanType:
		if len(payload)%2 != 0 {
			return nil, NewDecodeError(MalformedPayload,
				fmt.Sprintf("ble scan of %d bytes", len(payload)))
		}
		beacons := make([]uint16, 0, len(payload)/2)
		for i := 0; i < len(payload); i += 2 {
			beacons = append(beacons, binary.BigEndian.Uint16(payload[i:i+2]))
		}
		return BleScanReport{Hdr: hdr, Beacons: beacons}, nil

	case TelemetryType:
		return parseTelemetry(hdr, string(payload))

	case ModeType:
		m, err := strconv.Atoi(string(payload))
		if err != nil || m < 0 || m > int(RFOnly) {
			return nil, NewDecodeError(MalformedPayload, "mode: "+string(payload))
		}
		return ModeReport{Hdr: hdr, Mode: Mode(m)}, nil

	case DeployPingType:
		rssi, err := strconv.Atoi(string(payload))
		if err != nil {
			return nil, NewDecodeError(MalformedPayload, "deploy rssi: "+string(payload))
		}
		return DeployPing{Hdr: hdr, RSSI: rssi}, nil

	case PingType:
		return Ping{Hdr: hdr}, nil

	case PingResponse:
		return Pong{Hdr: hdr}, nil

	default:
		return nil, NewDecodeError(UnknownFrameType, fmt.Sprintf("type %d", frame[6]))
	}
}

// Encode is the strict inverse of Decode: it serialises a typed Event into a
// checksummed frame ready for the serial link.
func Encode(e Event) ([]byte, error) {
	var payload []byte

	switch ev := e.(type) {
	case TextMessage:
		if utf8.RuneCountInString(ev.Content) > MaxContentLength {
			return nil, ErrContentTooLong
		}
		payload = []byte(ev.Content)

	case DeliveryAck:
		payload = []byte(strconv.Itoa(int(ev.AckedSeq)))

	case Hello, Ping, Pong:
		payload = nil

	case NeighborReport:
		payload = []byte(formatNeighbors(ev.Neighbors))

	case BleScanReport:
		payload = make([]byte, 2*len(ev.Beacons))
		for i, id := range ev.Beacons {
			binary.BigEndian.PutUint16(payload[2*i:], id)
		}

	case TelemetryReport:
		payload = []byte(formatTelemetry(ev))

	case ModeReport:
		payload = []byte(strconv.Itoa(int(ev.Mode)))

	case DeployPing:
		payload = []byte(strconv.Itoa(ev.RSSI))

	default:
		return nil, fmt.Errorf("cannot encode event of type %T", e)
	}

	if len(payload) > MaxPayloadLength {
		return nil, ErrPayloadTooLarge
	}

	return encodeFrame(e.Header(), payload), nil
}

func encodeFrame(hdr Header, payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	frame[1] = hdr.L2Sender
	frame[2] = hdr.Source
	frame[3] = hdr.Dest
	frame[4] = hdr.HopTTL
	frame[5] = hdr.Seq
	frame[6] = uint8(hdr.Type)
	frame[7] = uint8(len(payload))
	copy(frame[HeaderSize:], payload)
	frame[0] = Checksum(frame[1:])
	return frame
}

// parseNeighbors parses "id:iface:rssi,id:iface:rssi,...". An empty payload
// is a valid report of zero neighbors.
func parseNeighbors(s string) ([]Neighbor, error) {
	neighbors := []Neighbor{}
	if s == "" {
		return neighbors, nil
	}

	for _, entry := range strings.Split(s, ",") {
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, NewDecodeError(MalformedPayload, "neighbor entry: "+entry)
		}
		id, err := strconv.Atoi(parts[0])
		if err != nil || id < 0 || id > 255 {
			return nil, NewDecodeError(MalformedPayload, "neighbor id: "+parts[0])
		}
		iface, err := strconv.Atoi(parts[1])
		if err != nil || iface < 0 || iface > int(InterfaceAll) {
			return nil, NewDecodeError(MalformedPayload, "neighbor interface: "+parts[1])
		}
		rssi, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, NewDecodeError(MalformedPayload, "neighbor rssi: "+parts[2])
		}
		neighbors = append(neighbors, Neighbor{
			NodeID:    uint8(id),
			Interface: Interface(iface),
			RSSI:      rssi,
		})
	}

	if len(neighbors) > 3 {
		return nil, NewDecodeError(MalformedPayload,
			fmt.Sprintf("%d neighbor entries", len(neighbors)))
	}

	return neighbors, nil
}

func formatNeighbors(neighbors []Neighbor) string {
	entries := make([]string, len(neighbors))
	for i, n := range neighbors {
		entries[i] = fmt.Sprintf("%d:%d:%d", n.NodeID, n.Interface, n.RSSI)
	}
	return strings.Join(entries, ",")
}

// parseTelemetry parses "voltage:charging" optionally followed by
// ";temp,humidity,pressure".
func parseTelemetry(hdr Header, s string) (Event, error) {
	sections := strings.SplitN(s, ";", 2)

	parts := strings.Split(sections[0], ":")
	if len(parts) != 2 {
		return nil, NewDecodeError(MalformedPayload, "telemetry: "+s)
	}
	battery, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return nil, NewDecodeError(MalformedPayload, "battery: "+parts[0])
	}
	charging := parts[1] == "1"
	if parts[1] != "0" && parts[1] != "1" {
		return nil, NewDecodeError(MalformedPayload, "charging flag: "+parts[1])
	}

	report := TelemetryReport{Hdr: hdr, Battery: battery, Charging: charging}

	if len(sections) == 2 {
		fields := strings.Split(sections[1], ",")
		if len(fields) != 3 {
			return nil, NewDecodeError(MalformedPayload, "weather: "+sections[1])
		}
		values := make([]float64, 3)
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, NewDecodeError(MalformedPayload, "weather field: "+f)
			}
			values[i] = v
		}
		report.Weather = &Weather{
			Temperature: values[0],
			Humidity:    values[1],
			Pressure:    values[2],
		}
	}

	return report, nil
}

func formatTelemetry(t TelemetryReport) string {
	charging := "0"
	if t.Charging {
		charging = "1"
	}
	s := fmt.Sprintf("%s:%s", strconv.FormatFloat(t.Battery, 'f', -1, 64), charging)
	if t.Weather != nil {
		s += fmt.Sprintf(";%s,%s,%s",
			strconv.FormatFloat(t.Weather.Temperature, 'f', -1, 64),
			strconv.FormatFloat(t.Weather.Humidity, 'f', -1, 64),
			strconv.FormatFloat(t.Weather.Pressure, 'f', -1, 64))
	}
	return s
}
