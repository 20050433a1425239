// Package codec defines the serialization contract for actor arguments and
// state payloads, plus the default JSON implementation. The runtime treats
// payload bytes as opaque; the codec must only be deterministic across
// silos for the same schema version.
package codec

import (
	"encoding/json"

	"github.com/roasbeef/hive/internal/errdefs"
)

// Codec serializes typed values to payload bytes and back.
type Codec interface {
	// Marshal encodes a value into payload bytes.
	Marshal(v any) ([]byte, error)

	// Unmarshal decodes payload bytes into the target value.
	Unmarshal(data []byte, v any) error

	// Name identifies the codec; both ends of a connection must agree.
	Name() string
}

// JSON is the default in-tree codec. encoding/json sorts map keys and
// renders struct fields in declaration order, so identical inputs produce
// identical bytes on every silo.
type JSON struct{}

// Marshal implements Codec.
func (JSON) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errdefs.Wrap(
			errdefs.KindMarshalling, err, "encode %T", v,
		)
	}

	return data, nil
}

// Unmarshal implements Codec.
func (JSON) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errdefs.Wrap(
			errdefs.KindMarshalling, err, "decode into %T", v,
		)
	}

	return nil
}

// Name implements Codec.
func (JSON) Name() string {
	return "json"
}

// Default is the codec used when a silo is not configured with another one.
var Default Codec = JSON{}
