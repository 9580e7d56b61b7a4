package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/mod/semver"
)

// FormatVersion is the envelope format written by this build.
const FormatVersion = "v1.0.0"

// ErrIncompatibleFormat is returned when a stored envelope was written by a
// newer, incompatible major format.
var ErrIncompatibleFormat = errors.New("storage: incompatible envelope format")

// Envelope wraps every persisted record.
type Envelope struct {
	Format  string          `json:"format" cbor:"format"`
	SavedAt time.Time       `json:"saved_at" cbor:"saved_at"`
	Data    json.RawMessage `json:"data" cbor:"data"`
}

// Codec encodes envelopes for a backend.
type Codec interface {
	Name() string
	Marshal(env *Envelope) ([]byte, error)
	Unmarshal(data []byte, env *Envelope) error
}

// JSONCodec stores envelopes as JSON documents.
type JSONCodec struct{}

// Name implements Codec.
func (JSONCodec) Name() string { return "json" }

// Marshal implements Codec.
func (JSONCodec) Marshal(env *Envelope) ([]byte, error) { return json.Marshal(env) }

// Unmarshal implements Codec.
func (JSONCodec) Unmarshal(data []byte, env *Envelope) error { return json.Unmarshal(data, env) }

// CBORCodec stores envelopes as CBOR. The payload inside stays JSON so
// records remain plain serializable values regardless of codec.
type CBORCodec struct{}

// Name implements Codec.
func (CBORCodec) Name() string { return "cbor" }

// Marshal implements Codec.
func (CBORCodec) Marshal(env *Envelope) ([]byte, error) {
	return cbor.Marshal(cborEnvelope{Format: env.Format, SavedAt: env.SavedAt.UnixNano(), Data: env.Data})
}

// Unmarshal implements Codec.
func (CBORCodec) Unmarshal(data []byte, env *Envelope) error {
	var ce cborEnvelope
	if err := cbor.Unmarshal(data, &ce); err != nil {
		return err
	}
	env.Format = ce.Format
	env.SavedAt = time.Unix(0, ce.SavedAt).UTC()
	env.Data = ce.Data
	return nil
}

type cborEnvelope struct {
	Format  string `cbor:"1,keyasint"`
	SavedAt int64  `cbor:"2,keyasint"`
	Data    []byte `cbor:"3,keyasint"`
}

// CodecByName returns the codec registered under name ("json" or "cbor").
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// Records reads and writes typed values through a KV using envelopes.
type Records struct {
	kv    KV
	codec Codec
	now   func() time.Time
}

// NewRecords creates a typed record accessor. A nil codec means JSON.
func NewRecords(kv KV, codec Codec) *Records {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &Records{kv: kv, codec: codec, now: time.Now}
}

// Save encodes v and writes it under key.
func (r *Records) Save(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	raw, err := r.codec.Marshal(&Envelope{
		Format:  FormatVersion,
		SavedAt: r.now().UTC(),
		Data:    data,
	})
	if err != nil {
		return fmt.Errorf("failed to encode envelope for %s: %w", key, err)
	}

	if err := r.kv.Put(ctx, key, raw); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Load reads key into v. It returns ErrNotFound when the key is absent.
func (r *Records) Load(ctx context.Context, key string, v any) error {
	raw, err := r.kv.Get(ctx, key)
	if err != nil {
		return err
	}

	var env Envelope
	if err := r.codec.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("failed to decode envelope for %s: %w", key, err)
	}
	if err := checkFormat(env.Format); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}

	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (r *Records) Delete(ctx context.Context, key string) error {
	return r.kv.Delete(ctx, key)
}

func checkFormat(format string) error {
	if !semver.IsValid(format) {
		return fmt.Errorf("%w: invalid version %q", ErrIncompatibleFormat, format)
	}
	if semver.Compare(semver.Major(format), semver.Major(FormatVersion)) > 0 {
		return fmt.Errorf("%w: %s is newer than %s", ErrIncompatibleFormat, format, FormatVersion)
	}
	return nil
}
