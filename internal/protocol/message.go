// Package protocol defines the JSON wire envelope exchanged between
// peers and the payloads of the auth handshake and sync rounds.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Command identifies the kind of a peer message.
type Command int

const (
	CommandStatus Command = 0
	CommandAuth   Command = 1
	CommandAuthOk Command = 2
	CommandSync   Command = 3
)

var commandNames = map[Command]string{
	CommandStatus: "status",
	CommandAuth:   "auth",
	CommandAuthOk: "authok",
	CommandSync:   "sync",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", int(c))
}

// Outcome codes reuse HTTP status semantics as a compact vocabulary.
// There is no HTTP binding.
const (
	CodeOK           = 200
	CodeBadRequest   = 400
	CodeUnauthorized = 401
	CodeForbidden    = 403
)

// Message is the wire envelope.
type Message struct {
	ID        string          `json:"id"`
	Command   Command         `json:"command"`
	Code      int             `json:"code"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope with a fresh id and the given payload value.
func New(command Command, code int, payload any) (Message, error) {
	msg := Message{
		ID:        uuid.NewString(),
		Command:   command,
		Code:      code,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal payload: %w", err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// NewStatus builds a status reply carrying an outcome code. The echoed
// payload, if any, is included verbatim for diagnostics on the remote.
func NewStatus(code int, echo json.RawMessage) Message {
	return Message{
		ID:        uuid.NewString(),
		Command:   CommandStatus,
		Code:      code,
		Timestamp: time.Now().UTC(),
		Payload:   echo,
	}
}

// ValidateBasic checks required envelope fields.
func (m Message) ValidateBasic() error {
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("id is required")
	}
	if _, ok := commandNames[m.Command]; !ok {
		return fmt.Errorf("unsupported command: %d", int(m.Command))
	}
	if m.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}

// Encode serializes the envelope for the transport.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses and validates an envelope received from the transport.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := msg.ValidateBasic(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// DecodePayload decodes a command payload.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

// AuthPayload carries the handshake secrets. MyKey is the secret the
// sender expects echoed back on a later handshake; YourKey is the
// secret the sender presents to the receiver.
type AuthPayload struct {
	MyKey   string `json:"myKey"`
	YourKey string `json:"yourKey"`
}
