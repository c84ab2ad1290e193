// Package transport carries calls between nodes as newline delimited JSON over
// TCP.
package transport

import (
	"encoding/json"
	"errors"

	"github.com/WizardTales/MicroWizard/core"
)

// Frame kinds
const (
	KindAct    = "a"
	KindActE   = "aE"
	KindResult = "res"
)

// Protocol error strings
const (
	ErrUnknownMethod = "unknown method"
	ErrInvalidJSON   = "invalid_json"
)

// Frame is one line on the wire.
type Frame struct {
	ID      string          `json:"id,omitempty"`
	Kind    string          `json:"k,omitempty"`
	Sync    *bool           `json:"sync,omitempty"`
	Pattern string          `json:"p,omitempty"`
	Data    core.Msg        `json:"d,omitempty"`
	Args    core.Msg        `json:"args,omitempty"`
	Result  core.Msg        `json:"res,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
}

// IsSync reports whether the sender waits for a reply. Frames without the
// flag are synchronous.
func (f *Frame) IsSync() bool {
	return f.Sync == nil || *f.Sync
}

func boolPtr(b bool) *bool {
	return &b
}

// WireDetails carries the secondary message of a wire error.
type WireDetails struct {
	Message string `json:"message,omitempty"`
}

// WireError is the error member of a frame. Protocol errors travel as a bare
// string; handler errors travel as an object.
type WireError struct {
	Message string       `json:"message"`
	Name    string       `json:"name,omitempty"`
	Code    string       `json:"code,omitempty"`
	Details *WireDetails `json:"details,omitempty"`
}

type wireErrorObject WireError

// MarshalJSON encodes bare protocol errors as strings.
func (e WireError) MarshalJSON() ([]byte, error) {
	if e.Name == "" && e.Code == "" && e.Details == nil {
		return json.Marshal(e.Message)
	}
	return json.Marshal(wireErrorObject(e))
}

// UnmarshalJSON accepts both the string and the object form.
func (e *WireError) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*e = WireError{Message: s}
		return nil
	}
	var obj wireErrorObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = WireError(obj)
	return nil
}

// Remote converts e into the error returned to a local caller.
func (e *WireError) Remote() *core.RemoteError {
	re := &core.RemoteError{Message: e.Message, Name: e.Name, Code: e.Code}
	if e.Details != nil {
		re.DetailsMessage = e.Details.Message
	}
	return re
}

// encodeError maps a handler error onto the wire. Overloads carry the overload
// signature in details so remote balancers retry them.
func encodeError(err error) *WireError {
	var re *core.RemoteError
	if errors.As(err, &re) {
		we := &WireError{Message: re.Message, Name: re.Name, Code: re.Code}
		if re.DetailsMessage != "" {
			we.Details = &WireDetails{Message: re.DetailsMessage}
		}
		if we.Name == "" {
			we.Name = "Error"
		}
		return we
	}

	we := &WireError{Message: err.Error(), Name: "Error"}
	switch {
	case errors.Is(err, core.ErrOverloaded):
		we.Details = &WireDetails{Message: core.OverloadMessage}
	case errors.Is(err, core.ErrTimeout):
		we.Message = core.TimeoutMessage
	case errors.Is(err, core.ErrNoTarget):
		we.Code = core.ErrNoTarget.Error()
	case errors.Is(err, core.ErrNoCurrentTarget):
		we.Code = core.ErrNoCurrentTarget.Error()
	case errors.Is(err, core.ErrAllTargetsOverloaded):
		we.Code = core.ErrAllTargetsOverloaded.Error()
	}
	return we
}
