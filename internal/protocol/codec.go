package protocol

import (
	"encoding/json"
	"fmt"
)

// EncodeError reports a payload that could not be marshalled.
type EncodeError struct {
	Type Type
	Err  error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("protocol: encode %s: %v", e.Type, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// ParseError reports a frame that is not a well-formed envelope. Unknown
// message types are NOT parse errors — only malformed JSON or missing
// required envelope fields are.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: decode: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol: decode: %s", e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Encode serialises an envelope to the UTF-8 frame bytes sent on the wire.
func Encode(env Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, &EncodeError{Type: env.Type, Err: err}
	}
	return raw, nil
}

// Decode parses frame bytes into an Envelope. The envelope must carry a
// non-empty id, type and timestamp; the payload is left raw for the handler
// to decode against the expected payload struct.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &ParseError{Reason: "malformed frame", Err: err}
	}
	if env.ID == "" {
		return Envelope{}, &ParseError{Reason: "missing id"}
	}
	if env.Type == "" {
		return Envelope{}, &ParseError{Reason: "missing type"}
	}
	if env.TS.IsZero() {
		return Envelope{}, &ParseError{Reason: "missing ts"}
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into dst.
func DecodePayload(env Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return &ParseError{Reason: fmt.Sprintf("%s: empty payload", env.Type)}
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return &ParseError{Reason: fmt.Sprintf("%s: invalid payload", env.Type), Err: err}
	}
	return nil
}
