// Package wire defines the datagrams exchanged between a caster and its
// receivers: JSON control messages for the registration handshake and
// RTP-carried fragments of serialized frames.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"glimpse/internal/types"
)

// ProtocolVersion is carried in every control message and frame header.
const ProtocolVersion = 1

// MaxControlSize bounds a control datagram.
const MaxControlSize = 512

type MessageType string

const (
	TypeRegister   MessageType = "register"
	TypeAck        MessageType = "ack"
	TypeReject     MessageType = "reject"
	TypeUnregister MessageType = "unregister"
	TypeHeartbeat  MessageType = "heartbeat"
	TypeBye        MessageType = "bye"
)

// ReasonNotRegistered is the reject reason a caster gives to a heartbeat
// from an address it has no lease for. The receiver answers it by
// registering again.
const ReasonNotRegistered = "not registered"

// Message is a control datagram.
type Message struct {
	Version int         `json:"v"`
	Type    MessageType `json:"type"`
	ID      string      `json:"id,omitempty"`      // receiver id
	Session string      `json:"session,omitempty"` // caster session id
	Reason  string      `json:"reason,omitempty"`
}

func (m Message) valid() error {
	switch m.Type {
	case TypeRegister, TypeAck, TypeReject, TypeUnregister, TypeHeartbeat, TypeBye:
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if m.Version <= 0 {
		return errors.New("missing protocol version")
	}
	return nil
}

// MarshalMessage encodes m, filling in the protocol version when unset.
func MarshalMessage(m Message) ([]byte, error) {
	if m.Version == 0 {
		m.Version = ProtocolVersion
	}
	if err := m.valid(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(b) > MaxControlSize {
		return nil, fmt.Errorf("control message of %d bytes exceeds %d", len(b), MaxControlSize)
	}
	return b, nil
}

// ParseMessage decodes a control datagram. Version mismatches are not an
// error here; the caster answers them with a reject.
func ParseMessage(b []byte) (Message, error) {
	var m Message
	if len(b) > MaxControlSize {
		return m, &types.DecodeError{What: "control message", Err: fmt.Errorf("%d bytes", len(b))}
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, &types.DecodeError{What: "control message", Err: err}
	}
	if err := m.valid(); err != nil {
		return m, &types.DecodeError{What: "control message", Err: err}
	}
	return m, nil
}

// Kind classifies a datagram by its first byte.
type Kind int

const (
	KindUnknown Kind = iota
	KindControl
	KindFragment
)

func Classify(b []byte) Kind {
	if len(b) == 0 {
		return KindUnknown
	}
	if b[0] == '{' {
		return KindControl
	}
	// RTP version 2 in the top two bits.
	if b[0]>>6 == 2 && len(b) >= rtpHeaderSize+fragmentHeaderSize {
		return KindFragment
	}
	return KindUnknown
}
