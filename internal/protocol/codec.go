package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

var api = sonic.ConfigStd

// MessageType tags an Envelope payload.
type MessageType string

const (
	MessageState        MessageType = "state"
	MessageNotification MessageType = "notification"
)

// Envelope wraps payloads pushed to browser clients.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals v with the standard-library compatible sonic config.
func Encode(v any) ([]byte, error) {
	data, err := api.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %T: %w", v, err)
	}
	return data, nil
}

// Decode unmarshals data into v.
func Decode(data []byte, v any) error {
	if err := api.Unmarshal(data, v); err != nil {
		return fmt.Errorf("protocol: decode %T: %w", v, err)
	}
	return nil
}

// Marshal creates an encoded Envelope from a message type and payload.
func Marshal(msgType MessageType, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := api.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal payload for %q: %w", msgType, err)
		}
		raw = b
	}
	return api.Marshal(Envelope{Type: msgType, Payload: raw})
}

// Unmarshal parses an encoded Envelope, returning the message type and raw payload.
func Unmarshal(data []byte) (MessageType, json.RawMessage, error) {
	var env Envelope
	if err := api.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("protocol: envelope missing type field")
	}
	return env.Type, env.Payload, nil
}
