package notices

import (
	"bytes"
	"fmt"
)

// Status is a tri-state outcome: an operation can succeed, fail, or end
// without a determinable answer (for example an unreachable server).
type Status int8

const (
	Failed Status = iota
	Succeeded
	Undetermined
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "success"
	case Undetermined:
		return "undetermined"
	default:
		return "failure"
	}
}

// MarshalJSON encodes true, false or null.
func (s Status) MarshalJSON() ([]byte, error) {
	switch s {
	case Succeeded:
		return []byte("true"), nil
	case Undetermined:
		return []byte("null"), nil
	default:
		return []byte("false"), nil
	}
}

// UnmarshalJSON decodes true, false or null.
func (s *Status) UnmarshalJSON(b []byte) error {
	switch string(bytes.TrimSpace(b)) {
	case "true":
		*s = Succeeded
	case "false":
		*s = Failed
	case "null":
		*s = Undetermined
	default:
		return fmt.Errorf("invalid status %s", b)
	}
	return nil
}

// Result is what an administrative action reports back.
type Result struct {
	Status Status `json:"success"`
	Code   Code   `json:"notice"`
	Extra  string `json:"extra,omitempty"`
}

// OK reports success.
func (r Result) OK() bool {
	return r.Status == Succeeded
}

// Succeed builds a successful result.
func Succeed(code Code) Result {
	return Result{Status: Succeeded, Code: code}
}

// Fail builds a failed result.
func Fail(code Code) Result {
	return Result{Status: Failed, Code: code}
}

// Unknown builds an undetermined result.
func Unknown(code Code) Result {
	return Result{Status: Undetermined, Code: code}
}
