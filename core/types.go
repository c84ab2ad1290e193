package core

import (
	"context"
	"fmt"
	"maps"

	"github.com/mitchellh/mapstructure"
)

// Msg is the payload of a call and of its result.
type Msg map[string]any

// Handler processes a call. Returning a nil Msg and nil error is an empty
// result.
type Handler func(ctx context.Context, msg Msg, meta *Meta) (Msg, error)

// Clone returns a shallow copy of m.
func (m Msg) Clone() Msg {
	if m == nil {
		return Msg{}
	}
	return maps.Clone(m)
}

// Decode copies m into out, matching fields by their json tags.
func (m Msg) Decode(out any) error {
	return Decode(m, out)
}

// Decode copies an arbitrary decoded JSON value into out.
func Decode(in any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(in); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}
