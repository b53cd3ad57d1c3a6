package kv

import (
	"encoding/json"
	"fmt"
)

// SchemaVersion is the current version written into record envelopes.
const SchemaVersion = 1

// envelope wraps every record persisted to the store with an explicit
// schema version so readers can reject formats they do not understand.
type envelope struct {
	V    int             `json:"v"`
	Body json.RawMessage `json:"body"`
}

// EncodeRecord wraps v in a versioned envelope and returns its JSON form.
func EncodeRecord(v interface{}) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	data, err := json.Marshal(envelope{V: SchemaVersion, Body: body})
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	return string(data), nil
}

// DecodeRecord unwraps a versioned envelope into v. An unrecognized version
// is a store error, not silent data corruption.
func DecodeRecord(data string, v interface{}) error {
	var env envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return NewStoreError("decode", "", err)
	}
	if env.V != SchemaVersion {
		return NewStoreError("decode", "", fmt.Errorf("%w: %d", ErrUnknownSchemaVersion, env.V))
	}
	if err := json.Unmarshal(env.Body, v); err != nil {
		return NewStoreError("decode", "", err)
	}
	return nil
}
