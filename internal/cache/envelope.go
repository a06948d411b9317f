package cache

import (
	"encoding/json"
	"errors"
	"fmt"
)

// envelopeFormatV1 is the current serialization format tag (Invariant C2).
// A reader encountering an unknown tag treats the entry as a miss rather
// than failing the request, so a schema change never turns a cache hit into
// a 500.
const envelopeFormatV1 = 1

// ErrUnsupportedFormat is returned by Decode when an envelope's format tag
// is newer or otherwise unrecognized by this binary.
var ErrUnsupportedFormat = errors.New("cache: unsupported envelope format")

// envelope wraps a serialized prediction response with the format tag it
// was written with, so readers can tolerate schema migration.
type envelope struct {
	Format  int             `json:"format"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps payload (typically a JSON-marshaled prediction response) in
// the current envelope format.
func Encode(payload []byte) ([]byte, error) {
	env := envelope{Format: envelopeFormatV1, Payload: payload}

	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("cache: encode envelope: %w", err)
	}

	return out, nil
}

// Decode unwraps a stored value, returning the inner payload if the format
// tag is one this binary understands.
func Decode(stored []byte) ([]byte, error) {
	var env envelope

	if err := json.Unmarshal(stored, &env); err != nil {
		return nil, fmt.Errorf("cache: decode envelope: %w", err)
	}

	if env.Format != envelopeFormatV1 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, env.Format)
	}

	return env.Payload, nil
}
