package ws

import (
	"errors"
	"fmt"
)

// MessageType tags every binary WebSocket message. The rest of the message
// is the payload.
type MessageType byte

const (
	// MessageSyncRequest carries an encoded version vector. The receiver
	// answers with a MessageUpdate holding everything the sender lacks.
	MessageSyncRequest MessageType = 1
	// MessageUpdate carries a codec buffer, either updates or a snapshot.
	MessageUpdate MessageType = 2
	// MessageAck carries the operation id the server assigned to an update.
	MessageAck MessageType = 3
	// MessageError carries a UTF-8 error description.
	MessageError MessageType = 4
	// MessagePresence carries a JSON cursor/presence record. It is relayed
	// but never persisted.
	MessagePresence MessageType = 5
)

func (t MessageType) String() string {
	switch t {
	case MessageSyncRequest:
		return "sync_request"
	case MessageUpdate:
		return "update"
	case MessageAck:
		return "ack"
	case MessageError:
		return "error"
	case MessagePresence:
		return "presence"
	default:
		return fmt.Sprintf("message(%d)", byte(t))
	}
}

// ErrMalformedMessage is returned for empty messages and unknown types.
var ErrMalformedMessage = errors.New("malformed message")

// Message is one application message exchanged over a connection.
type Message struct {
	Type    MessageType
	Payload []byte
}

// EncodeMessage frames a message for the wire.
func EncodeMessage(m Message) []byte {
	out := make([]byte, 1+len(m.Payload))
	out[0] = byte(m.Type)
	copy(out[1:], m.Payload)
	return out
}

// DecodeMessage parses a framed message. The payload aliases data.
func DecodeMessage(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, fmt.Errorf("%w: empty", ErrMalformedMessage)
	}
	t := MessageType(data[0])
	switch t {
	case MessageSyncRequest, MessageUpdate, MessageAck, MessageError, MessagePresence:
	default:
		return Message{}, fmt.Errorf("%w: unknown type %d", ErrMalformedMessage, data[0])
	}
	return Message{Type: t, Payload: data[1:]}, nil
}
