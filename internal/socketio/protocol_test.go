package socketio

import (
	"encoding/json"
	"testing"
)

func TestSplitEnginePacket(t *testing.T) {
	pt, payload, err := SplitEnginePacket(`0{"sid":"abc"}`)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if pt != EngineOpen || payload != `{"sid":"abc"}` {
		t.Fatalf("unexpected %c %q", pt, payload)
	}

	if _, _, err := SplitEnginePacket(""); err == nil {
		t.Fatalf("empty frame accepted")
	}
	if _, _, err := SplitEnginePacket("9x"); err == nil {
		t.Fatalf("unknown type accepted")
	}
}

func TestParseHandshake(t *testing.T) {
	h, err := ParseHandshake(`{"sid":"abc","pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if h.SID != "abc" || h.PingInterval != 25000 {
		t.Fatalf("unexpected %+v", h)
	}
	if _, err := ParseHandshake(`{}`); err == nil {
		t.Fatalf("handshake without sid accepted")
	}
}

func TestParseMessage_Event(t *testing.T) {
	msg, err := ParseMessage(`2["update",{"id":"u1","seq":1}]`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Event == nil || msg.Event.Event != "update" {
		t.Fatalf("unexpected %+v", msg)
	}
	if len(msg.Event.Args) != 1 {
		t.Fatalf("expected 1 arg, got %d", len(msg.Event.Args))
	}
	if msg.Event.ID != nil {
		t.Fatalf("unexpected ack id")
	}
}

func TestParseMessage_EventWithAckID(t *testing.T) {
	msg, err := ParseMessage(`213["ephemeral",{}]`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Event == nil || msg.Event.ID == nil || *msg.Event.ID != 13 {
		t.Fatalf("ack id lost: %+v", msg.Event)
	}
}

func TestParseMessage_Ack(t *testing.T) {
	msg, err := ParseMessage(`37[{"success":true}]`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Ack == nil || msg.Ack.ID != 7 || len(msg.Ack.Args) != 1 {
		t.Fatalf("unexpected %+v", msg.Ack)
	}

	if _, err := ParseMessage(`3[{"success":true}]`); err == nil {
		t.Fatalf("ack without id accepted")
	}
}

func TestParseMessage_ConnectAck(t *testing.T) {
	msg, err := ParseMessage(`0{"sid":"xyz"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Connect == nil || msg.Connect.SID != "xyz" || msg.Connect.Namespace != "/" {
		t.Fatalf("unexpected %+v", msg.Connect)
	}
}

func TestBuildEventRoundTrip(t *testing.T) {
	id := 5
	frame, err := BuildEvent("/", &id, "ping", map[string]any{"timestamp": 1000})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if frame[0] != byte(EngineMessage) {
		t.Fatalf("missing engine message byte: %q", frame)
	}

	msg, err := ParseMessage(frame[1:])
	if err != nil {
		t.Fatalf("parse built frame: %v", err)
	}
	if msg.Event == nil || msg.Event.Event != "ping" || msg.Event.ID == nil || *msg.Event.ID != 5 {
		t.Fatalf("round trip lost data: %+v", msg.Event)
	}

	var arg map[string]any
	if err := json.Unmarshal(msg.Event.Args[0], &arg); err != nil {
		t.Fatalf("unmarshal arg: %v", err)
	}
	if arg["timestamp"] != float64(1000) {
		t.Fatalf("unexpected arg %v", arg)
	}
}

func TestBuildConnect(t *testing.T) {
	if got := BuildConnect("/"); got != "40" {
		t.Fatalf("root namespace: %q", got)
	}
	if got := BuildConnect("/admin"); got != "40/admin," {
		t.Fatalf("custom namespace: %q", got)
	}
}
