package wire

import (
	"reflect"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	weather := &Weather{Temperature: 8.5, Humidity: 96, Pressure: 1013.2}

	events := []Event{
		TextMessage{
			Hdr:     Header{Source: BaseID, Dest: 5, HopTTL: 25, Seq: 1, Type: DataType},
			Content: "everyone ok down there?",
		},
		TextMessage{
			Hdr:     Header{Source: TelegramID, Dest: BroadcastID, HopTTL: 25, Seq: 2, Type: DataType},
			Content: "surface weather turning",
		},
		DeliveryAck{
			Hdr:      Header{Source: 5, Dest: BaseID, HopTTL: 20, Seq: 17, Type: AckType},
			AckedSeq: 42,
		},
		NeighborReport{
			Hdr: Header{Source: 3, Dest: BaseID, HopTTL: 22, Seq: 9, Type: StatusType},
			Neighbors: []Neighbor{
				{NodeID: 0, Interface: InterfaceCave, RSSI: -52},
				{NodeID: 4, Interface: InterfaceRF, RSSI: -88},
			},
		},
		TelemetryReport{
			Hdr:      Header{Source: 3, Dest: BaseID, HopTTL: 22, Seq: 10, Type: TelemetryType},
			Battery:  3.87,
			Charging: true,
			Weather:  weather,
		},
		TelemetryReport{
			Hdr:     Header{Source: 7, Dest: BaseID, HopTTL: 19, Seq: 11, Type: TelemetryType},
			Battery: 4.1,
		},
		ModeReport{
			Hdr:  Header{Source: 7, Dest: BaseID, HopTTL: 19, Seq: 12, Type: ModeType},
			Mode: FiberExitRF,
		},
		DeployPing{
			Hdr:  Header{Source: 9, Dest: BaseID, HopTTL: 25, Seq: 13, Type: DeployPingType},
			RSSI: -71,
		},
		BleScanReport{
			Hdr:     Header{Source: 2, Dest: BaseID, HopTTL: 23, Seq: 14, Type: BleScanType},
			Beacons: []uint16{0x0102, 0xBEEF},
		},
		Hello{Hdr: Header{Source: BaseID, Dest: 4, HopTTL: 25, Seq: 15, Type: HelloType}},
		Ping{Hdr: Header{Source: BaseID, Dest: BroadcastID, HopTTL: 25, Seq: 16, Type: PingType}},
		Pong{Hdr: Header{Source: 4, Dest: BaseID, HopTTL: 24, Seq: 3, Type: PingResponse}},
	}

	for _, ev := range events {
		frame, err := Encode(ev)
		if err != nil {
			t.Fatalf("Encode(%T): %v", ev, err)
		}

		decoded, err := Decode(frame)
		if err != nil {
			t.Fatalf("Decode(Encode(%T)): %v", ev, err)
		}

		if !reflect.DeepEqual(decoded, ev) {
			t.Fatalf("round trip mismatch:\ngot  %#v\nwant %#v", decoded, ev)
		}
	}
}

func TestDecodeChecksumMismatch(t *testing.T) {
	frame, err := Encode(TextMessage{
		Hdr:     Header{Source: 5, Dest: BaseID, HopTTL: 20, Seq: 1, Type: DataType},
		Content: "hello",
	})
	if err != nil {
		t.Fatal(err)
	}

	frame[0] ^= 0xFF

	_, err = Decode(frame)
	if err == nil {
		t.Fatal("Decode should fail on corrupt checksum")
	}
	if !IsDecode(err, ChecksumMismatch) {
		t.Fatalf("expected ChecksumMismatch, got %v", err)
	}

	// Flipping a payload bit must also be caught.
	frame[0] ^= 0xFF
	frame[len(frame)-1] ^= 0x01

	_, err = Decode(frame)
	if !IsDecode(err, ChecksumMismatch) {
		t.Fatalf("expected ChecksumMismatch, got %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x02, 0x03})
	if !IsDecode(err, TruncatedFrame) {
		t.Fatalf("expected TruncatedFrame, got %v", err)
	}

	// A frame whose length field promises more payload than delivered.
	frame, err := Encode(TextMessage{
		Hdr:     Header{Source: 5, Dest: BaseID, Type: DataType},
		Content: "cut me",
	})
	if err != nil {
		t.Fatal(err)
	}
	short := frame[:len(frame)-2]
	short[0] = Checksum(short[1:])

	_, err = Decode(short)
	if !IsDecode(err, TruncatedFrame) {
		t.Fatalf("expected TruncatedFrame, got %v", err)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	frame := encodeFrame(Header{Source: 5, Dest: BaseID, Type: FrameType(99)}, nil)

	_, err := Decode(frame)
	if !IsDecode(err, UnknownFrameType) {
		t.Fatalf("expected UnknownFrameType, got %v", err)
	}
}

func TestDecodeMalformedPayloads(t *testing.T) {
	cases := []struct {
		name    string
		typ     FrameType
		payload string
	}{
		{"ack not a number", AckType, "xyz"},
		{"neighbor missing field", StatusType, "3:1"},
		{"neighbor bad rssi", StatusType, "3:1:strong"},
		{"too many neighbors", StatusType, "1:0:-50,2:0:-50,3:0:-50,4:0:-50"},
		{"telemetry garbage", TelemetryType, "full"},
		{"telemetry bad charging", TelemetryType, "3.9:yes"},
		{"telemetry short weather", TelemetryType, "3.9:1;21.0"},
		{"mode out of range", ModeType, "7"},
		{"deploy rssi garbage", DeployPingType, "loud"},
	}

	for _, c := range cases {
		frame := encodeFrame(Header{Source: 5, Dest: BaseID, Type: c.typ}, []byte(c.payload))
		_, err := Decode(frame)
		if !IsDecode(err, MalformedPayload) {
			t.Fatalf("%s: expected MalformedPayload, got %v", c.name, err)
		}
	}

	// BLE payloads must be an even number of bytes.
	frame := encodeFrame(Header{Source: 5, Dest: BaseID, Type: BleScanType}, []byte{0x01})
	if _, err := Decode(frame); !IsDecode(err, MalformedPayload) {
		t.Fatalf("expected MalformedPayload for odd ble payload, got %v", err)
	}
}

func TestEncodeContentTooLong(t *testing.T) {
	msg := TextMessage{
		Hdr:     Header{Source: BaseID, Dest: BroadcastID, Type: DataType},
		Content: strings.Repeat("a", MaxContentLength+1),
	}

	if _, err := Encode(msg); err != ErrContentTooLong {
		t.Fatalf("expected ErrContentTooLong, got %v", err)
	}

	// Exactly at the limit is fine.
	msg.Content = strings.Repeat("a", MaxContentLength)
	if _, err := Encode(msg); err != nil {
		t.Fatalf("content at limit should encode: %v", err)
	}
}

func TestEncodePayloadTooLarge(t *testing.T) {
	// 128 beacons encode to 256 bytes, one past what the length field can
	// describe.
	beacons := make([]uint16, 128)
	for i := range beacons {
		beacons[i] = uint16(i)
	}

	scan := BleScanReport{
		Hdr:     Header{Source: 5, Dest: BaseID, Type: BleScanType},
		Beacons: beacons,
	}
	if _, err := Encode(scan); err != ErrPayloadTooLarge {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}

	// One beacon fewer fits and must roundtrip.
	scan.Beacons = beacons[:127]
	frame, err := Encode(scan)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if _, err := Decode(frame); err != nil {
		t.Fatalf("frame at the payload limit should decode: %v", err)
	}
}

func TestChecksumMatchesFirmware(t *testing.T) {
	// Reference value computed with the firmware's bitwise CRC-8/MAXIM.
	if got := Checksum([]byte{}); got != 0 {
		t.Fatalf("empty checksum should be 0, got 0x%02X", got)
	}
	a := Checksum([]byte("31:0:-54"))
	b := Checksum([]byte("31:0:-55"))
	if a == b {
		t.Fatal("checksum should differ for different payloads")
	}
}
