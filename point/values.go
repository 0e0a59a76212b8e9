// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package point

import (
	"fmt"

	"github.com/pointvault/pointvault/pkg/errors"
)

// Fault codes carried across the wire in query responses.
const (
	FaultClosed       = "service-closed"
	FaultLoginFailed  = "login-failed"
	FaultUnauthorized = "unauthorized"
	FaultUnsupported  = "unsupported"
	FaultPointUnknown = "point-unknown"
	FaultCancelled    = "cancelled"
	FaultInternal     = "internal"
)

// Fault is the wire form of an error attached to a response.
type Fault struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// FaultOf converts an error to its wire form.
func FaultOf(err error) *Fault {
	if err == nil {
		return nil
	}
	code := FaultInternal
	switch {
	case errors.Is(err, errors.ErrServiceClosed):
		code = FaultClosed
	case errors.Is(err, errors.ErrLoginFailed):
		code = FaultLoginFailed
	case errors.Is(err, errors.ErrUnauthorized):
		code = FaultUnauthorized
	case errors.Is(err, errors.ErrUnsupported):
		code = FaultUnsupported
	case errors.Is(err, errors.ErrPointUnknown):
		code = FaultPointUnknown
	case errors.Is(err, errors.ErrQueryCancelled):
		code = FaultCancelled
	}
	return &Fault{Code: code, Message: err.Error()}
}

// Err converts the fault back to a typed error, preserving the sentinel so
// callers can use errors.Is across the wire.
func (f *Fault) Err() error {
	if f == nil {
		return nil
	}
	var sentinel error
	switch f.Code {
	case FaultClosed:
		sentinel = errors.ErrServiceClosed
	case FaultLoginFailed:
		sentinel = errors.ErrLoginFailed
	case FaultUnauthorized:
		sentinel = errors.ErrUnauthorized
	case FaultUnsupported:
		sentinel = errors.ErrUnsupported
	case FaultPointUnknown:
		sentinel = errors.ErrPointUnknown
	case FaultCancelled:
		sentinel = errors.ErrQueryCancelled
	default:
		return errors.New(f.Message)
	}
	if f.Message != "" {
		return fmt.Errorf("%w: %s", sentinel, f.Message)
	}
	return sentinel
}

// StoreValues is an ordered, finite sequence of point values plus status,
// an optional continuation mark and an optional count. It is not
// restartable: continuing past a row limit requires resuming through the
// mark or issuing a new query.
type StoreValues struct {
	Values []Value `json:"values,omitempty"`
	Mark   *Mark   `json:"mark,omitempty"`
	Count  int64   `json:"count,omitempty"`
	Fault  *Fault  `json:"fault,omitempty"`
}

// NewStoreValues creates an empty successful response.
func NewStoreValues() *StoreValues {
	return &StoreValues{}
}

// FailedStoreValues creates a response carrying an error.
func FailedStoreValues(err error) *StoreValues {
	return &StoreValues{Fault: FaultOf(err)}
}

// Add appends a value to the response.
func (sv *StoreValues) Add(v Value) {
	sv.Values = append(sv.Values, v)
}

// Success reports whether the response carries no error.
func (sv *StoreValues) Success() bool {
	return sv.Fault == nil
}

// Err returns the response error, nil on success.
func (sv *StoreValues) Err() error {
	return sv.Fault.Err()
}

// Size returns the number of values in the response.
func (sv *StoreValues) Size() int {
	return len(sv.Values)
}

// IsEmpty reports whether the response holds no values.
func (sv *StoreValues) IsEmpty() bool {
	return len(sv.Values) == 0
}

func (sv *StoreValues) String() string {
	if !sv.Success() {
		return fmt.Sprintf("values{fault=%s}", sv.Fault.Code)
	}
	return fmt.Sprintf("values{size=%d count=%d marked=%t}", sv.Size(), sv.Count, sv.Mark != nil)
}
