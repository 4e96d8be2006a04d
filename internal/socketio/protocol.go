// Package socketio implements the client side of the socket.io-lite framing
// the server speaks: engine.io packets on the outside, socket.io event and
// ack packets inside engine messages.
package socketio

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

type EnginePacketType byte

const (
	EngineOpen    EnginePacketType = '0'
	EngineClose   EnginePacketType = '1'
	EnginePing    EnginePacketType = '2'
	EnginePong    EnginePacketType = '3'
	EngineMessage EnginePacketType = '4'
)

type socketPacketType byte

const (
	socketConnect socketPacketType = '0'
	socketEvent   socketPacketType = '2'
	socketAck     socketPacketType = '3'
)

// Handshake is the payload of the engine.io open packet.
type Handshake struct {
	SID          string `json:"sid"`
	PingInterval int64  `json:"pingInterval"`
	PingTimeout  int64  `json:"pingTimeout"`
	MaxPayload   int64  `json:"maxPayload"`
}

// SplitEnginePacket separates the engine.io type byte from its payload.
func SplitEnginePacket(frame string) (EnginePacketType, string, error) {
	if frame == "" {
		return 0, "", errors.New("empty frame")
	}
	t := EnginePacketType(frame[0])
	switch t {
	case EngineOpen, EngineClose, EnginePing, EnginePong, EngineMessage:
		return t, frame[1:], nil
	}
	return 0, "", errors.New("unknown engine packet type")
}

// ParseHandshake decodes the open packet payload.
func ParseHandshake(payload string) (Handshake, error) {
	var h Handshake
	if err := json.Unmarshal([]byte(payload), &h); err != nil {
		return Handshake{}, err
	}
	if h.SID == "" {
		return Handshake{}, errors.New("handshake missing sid")
	}
	return h, nil
}

func parseOptionalNamespace(s string) (namespace string, rest string) {
	if !strings.HasPrefix(s, "/") {
		return "/", s
	}
	comma := strings.IndexByte(s, ',')
	if comma == -1 {
		return "/", s
	}
	return s[:comma], s[comma+1:]
}

func parseOptionalIDPrefix(s string) (id *int, rest string) {
	i := 0
	for i < len(s) {
		c := s[i]
		if c < '0' || c > '9' {
			break
		}
		i++
	}
	if i == 0 {
		return nil, s
	}
	v, err := strconv.Atoi(s[:i])
	if err != nil {
		return nil, s
	}
	return &v, s[i:]
}

// EventPacket is a server-emitted socket.io event.
type EventPacket struct {
	Namespace string
	ID        *int
	Event     string
	Args      []json.RawMessage
}

// AckPacket is the server's acknowledgement of a client event.
type AckPacket struct {
	Namespace string
	ID        int
	Args      []json.RawMessage
}

// ConnectAck is the server's reply to the client connect packet.
type ConnectAck struct {
	Namespace string
	SID       string
}

// Message is one parsed socket.io packet inside an engine message frame.
// Exactly one of Event, Ack, Connect is set.
type Message struct {
	Event   *EventPacket
	Ack     *AckPacket
	Connect *ConnectAck
}

// ParseMessage decodes the socket.io payload of an engine message frame.
func ParseMessage(payload string) (Message, error) {
	if payload == "" {
		return Message{}, errors.New("empty payload")
	}
	switch socketPacketType(payload[0]) {
	case socketConnect:
		ns, rest := parseOptionalNamespace(payload[1:])
		var body struct {
			SID string `json:"sid"`
		}
		if rest != "" {
			if err := json.Unmarshal([]byte(rest), &body); err != nil {
				return Message{}, err
			}
		}
		return Message{Connect: &ConnectAck{Namespace: ns, SID: body.SID}}, nil

	case socketEvent:
		ns, rest := parseOptionalNamespace(payload[1:])
		id, rest := parseOptionalIDPrefix(rest)
		if !strings.HasPrefix(rest, "[") {
			return Message{}, errors.New("invalid event payload")
		}
		var arr []json.RawMessage
		if err := json.Unmarshal([]byte(rest), &arr); err != nil {
			return Message{}, err
		}
		if len(arr) == 0 {
			return Message{}, errors.New("missing event name")
		}
		var eventName string
		if err := json.Unmarshal(arr[0], &eventName); err != nil {
			return Message{}, errors.New("invalid event name")
		}
		return Message{Event: &EventPacket{Namespace: ns, ID: id, Event: eventName, Args: arr[1:]}}, nil

	case socketAck:
		ns, rest := parseOptionalNamespace(payload[1:])
		id, rest := parseOptionalIDPrefix(rest)
		if id == nil {
			return Message{}, errors.New("missing ack id")
		}
		if !strings.HasPrefix(rest, "[") {
			return Message{}, errors.New("invalid ack payload")
		}
		var arr []json.RawMessage
		if err := json.Unmarshal([]byte(rest), &arr); err != nil {
			return Message{}, err
		}
		return Message{Ack: &AckPacket{Namespace: ns, ID: *id, Args: arr}}, nil
	}
	return Message{}, errors.New("unsupported socket packet type")
}

// BuildConnect frames the client connect packet for a namespace.
func BuildConnect(namespace string) string {
	var b strings.Builder
	b.WriteByte(byte(EngineMessage))
	b.WriteByte(byte(socketConnect))
	if namespace != "" && namespace != "/" {
		b.WriteString(namespace)
		b.WriteByte(',')
	}
	return b.String()
}

// BuildEvent frames a client event, optionally with an ack id.
func BuildEvent(namespace string, id *int, event string, args ...any) (string, error) {
	arr := make([]any, 0, 1+len(args))
	arr = append(arr, event)
	arr = append(arr, args...)
	data, err := json.Marshal(arr)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteByte(byte(EngineMessage))
	b.WriteByte(byte(socketEvent))
	if namespace != "" && namespace != "/" {
		b.WriteString(namespace)
		b.WriteByte(',')
	}
	if id != nil {
		b.WriteString(strconv.Itoa(*id))
	}
	b.Write(data)
	return b.String(), nil
}

// BuildPong frames the engine.io reply to a server ping.
func BuildPong() string {
	return string(EnginePong)
}
