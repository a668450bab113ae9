package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures raised by the card and injection layers.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindServiceUnavailable means the platform smart card service is not running.
	KindServiceUnavailable
	// KindNoReaderFound means no reader could be enumerated.
	KindNoReaderFound
	// KindChannelFault means the reader notification channel itself failed.
	KindChannelFault
	// KindProtocolFailure means one card's command sequence did not succeed.
	KindProtocolFailure
	// KindDecodeFallback means a payload was not NDEF-shaped and was read as raw text.
	KindDecodeFallback
	// KindInjectionFailure means text could not be delivered to the target window.
	KindInjectionFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindNoReaderFound:
		return "no_reader_found"
	case KindChannelFault:
		return "channel_fault"
	case KindProtocolFailure:
		return "protocol_failure"
	case KindDecodeFallback:
		return "decode_fallback"
	case KindInjectionFailure:
		return "injection_failure"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k ErrorKind) describe() string {
	switch k {
	case KindServiceUnavailable:
		return "smart card service is not available"
	case KindNoReaderFound:
		return "no card reader found"
	case KindChannelFault:
		return "reader notification channel failed"
	case KindProtocolFailure:
		return "card protocol failure"
	case KindDecodeFallback:
		return "payload is not an NDEF text record"
	case KindInjectionFailure:
		return "text injection failed"
	default:
		return "unknown error"
	}
}

// Error is the error type returned across component boundaries.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError builds an *Error of the given kind.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error whose cause is a formatted message.
func Errorf(kind ErrorKind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Kind.describe()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrServiceUnavailable = &Error{Kind: KindServiceUnavailable}
	ErrNoReaderFound      = &Error{Kind: KindNoReaderFound}
	ErrChannelFault       = &Error{Kind: KindChannelFault}
	ErrProtocolFailure    = &Error{Kind: KindProtocolFailure}
	ErrDecodeFallback     = &Error{Kind: KindDecodeFallback}
	ErrInjectionFailure   = &Error{Kind: KindInjectionFailure}
)

// KindOf returns the kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
