package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

type ErrorKind string

const (
	ErrorUnsupported ErrorKind = "unsupported"
	ErrorTemporary   ErrorKind = "temporary"
	ErrorPermanent   ErrorKind = "permanent"
)

// Error is a failure talking to the printing system. Temporary errors are
// worth retrying on the next refresh; permanent ones are not.
type Error struct {
	Kind    ErrorKind
	Op      string
	Printer string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Op
	if e.Printer != "" {
		msg += " " + e.Printer
	}
	if e.Err == nil {
		if msg != "" {
			return msg
		}
		return string(e.Kind)
	}
	if msg == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

var ErrUnsupported error = &Error{Kind: ErrorUnsupported, Op: "backend", Err: errors.New("not supported")}

func WrapUnsupported(op, printer string, err error) error {
	if err == nil {
		err = errors.New("unsupported")
	}
	return &Error{Kind: ErrorUnsupported, Op: op, Printer: printer, Err: err}
}

func WrapTemporary(op, printer string, err error) error {
	if err == nil {
		err = errors.New("temporary failure")
	}
	return &Error{Kind: ErrorTemporary, Op: op, Printer: printer, Err: err}
}

func WrapPermanent(op, printer string, err error) error {
	if err == nil {
		err = errors.New("permanent failure")
	}
	return &Error{Kind: ErrorPermanent, Op: op, Printer: printer, Err: err}
}

// Wrap classifies err: network trouble, timeouts and cancellation are
// temporary, everything else (IPP status errors, bad data) is permanent.
func Wrap(op, printer string, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &netErr):
		return WrapTemporary(op, printer, err)
	}
	return WrapPermanent(op, printer, err)
}

func IsUnsupported(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == ErrorUnsupported
}

func IsTemporary(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == ErrorTemporary
}

func IsPermanent(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == ErrorPermanent
}
