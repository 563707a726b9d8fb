// Package jsonblob holds opaque JSON columns (trash snapshots, replication payloads).
// A Blob always carries bytes that are valid JSON; values that fail to serialize
// or parse degrade to an error sentinel instead of failing the caller.
package jsonblob

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed marks a blob whose source could not be serialized or parsed.
var ErrMalformed = errors.New("malformed json blob")

// SentinelKey is the field set on error payloads.
const SentinelKey = "_error"

// Blob is raw JSON plus the outcome of a best-effort parse.
type Blob struct {
	raw json.RawMessage
	err error
}

// FromValue serializes v. On failure the blob holds a sentinel payload and Err reports why.
func FromValue(v any) Blob {
	if raw, ok := v.(json.RawMessage); ok {
		return FromRaw(raw)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sentinel("serialize", err)
	}
	return Blob{raw: data}
}

// FromRaw wraps raw bytes, validating them. Invalid input becomes a sentinel payload.
func FromRaw(data []byte) Blob {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Blob{raw: json.RawMessage("null")}
	}
	if !json.Valid(trimmed) {
		return sentinel("parse", fmt.Errorf("%w: invalid json", ErrMalformed))
	}
	return Blob{raw: append(json.RawMessage(nil), trimmed...)}
}

func sentinel(stage string, cause error) Blob {
	payload, _ := json.Marshal(map[string]string{
		SentinelKey: stage + " failed",
		"detail":    cause.Error(),
	})
	if !errors.Is(cause, ErrMalformed) {
		cause = fmt.Errorf("%w: %v", ErrMalformed, cause)
	}
	return Blob{raw: payload, err: cause}
}

// Raw returns the stored bytes.
func (b Blob) Raw() json.RawMessage {
	if len(b.raw) == 0 {
		return json.RawMessage("null")
	}
	return b.raw
}

// Err is non-nil when the blob holds a sentinel.
func (b Blob) Err() error { return b.err }

// Valid reports whether the blob holds the caller's data.
func (b Blob) Valid() bool { return b.err == nil }

// Object decodes the blob as a JSON object.
func (b Blob) Object() (map[string]any, error) {
	if b.err != nil {
		return nil, b.err
	}
	dec := json.NewDecoder(bytes.NewReader(b.Raw()))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	return obj, nil
}

// IsSentinel reports whether stored bytes are an error payload written earlier.
func (b Blob) IsSentinel() bool {
	var probe map[string]json.RawMessage
	if json.Unmarshal(b.Raw(), &probe) != nil {
		return false
	}
	_, ok := probe[SentinelKey]
	return ok
}

func (b Blob) MarshalJSON() ([]byte, error) {
	return b.Raw(), nil
}

func (b *Blob) UnmarshalJSON(data []byte) error {
	*b = FromRaw(data)
	return nil
}

// Value stores the blob in json/jsonb columns.
func (b Blob) Value() (driver.Value, error) {
	return string(b.Raw()), nil
}

// Scan reads json/jsonb columns.
func (b *Blob) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*b = Blob{}
	case []byte:
		*b = FromRaw(v)
	case string:
		*b = FromRaw([]byte(v))
	default:
		return fmt.Errorf("jsonblob: cannot scan %T", src)
	}
	return nil
}
