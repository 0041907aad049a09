package ota

import (
	"errors"
	"fmt"
)

// Kind classifies why an update attempt failed.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindConnect
	KindRejected
	KindNoSlot
	KindWrite
	KindStream
	KindEmptyImage
	KindFinalize
	KindBootSwitch
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindRejected:
		return "rejected"
	case KindNoSlot:
		return "no_slot"
	case KindWrite:
		return "write"
	case KindStream:
		return "stream"
	case KindEmptyImage:
		return "empty_image"
	case KindFinalize:
		return "finalize"
	case KindBootSwitch:
		return "boot_switch"
	default:
		return "unknown"
	}
}

// Error is a kind-tagged update failure.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int // set for KindRejected
	Underlying error
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("ota: %s: %s: %v", e.Kind, e.Message, e.Underlying)
	}
	return fmt.Sprintf("ota: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

func wrap(err error, kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Underlying: err}
}

// KindOf returns the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Errors
var (
	ErrBusy          = errors.New("ota: update already in progress")
	ErrSlotBusy      = errors.New("ota: slot already open")
	ErrSlotClosed    = errors.New("ota: slot closed")
	ErrImageTooLarge = errors.New("ota: image too large for partition")
	ErrEmptyImage    = errors.New("ota: no data received")
	ErrNotFinalized  = errors.New("ota: slot not finalized")
	ErrVerify        = errors.New("ota: readback hash mismatch")
	ErrNoImage       = errors.New("ota: no bootable image in slot")
	ErrStalled       = errors.New("ota: stream stalled")
	ErrBadStatus     = errors.New("ota: unexpected http status")
)
