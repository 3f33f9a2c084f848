package errors

import (
	stderrors "errors"
	"fmt"
)

type Kind string

const (
	// KindTransient errors may succeed on retry (watcher not started yet).
	KindTransient Kind = "TRANSIENT"
	// KindPerItem errors affect a single path or record and never abort a batch.
	KindPerItem Kind = "PER_ITEM"
	// KindConfig errors come from an impossible store or monitor configuration.
	KindConfig Kind = "CONFIG"
	// KindFatal errors abort the whole cycle.
	KindFatal Kind = "FATAL"
)

type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg = fmt.Sprintf("%s %s", msg, e.Path)
	}
	if e.Err != nil {
		if msg == "" {
			return e.Err.Error()
		}
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func PerItem(op, path string, err error) *Error {
	return &Error{Kind: KindPerItem, Op: op, Path: path, Err: err}
}

func ConfigError(message string) *Error {
	return &Error{Kind: KindConfig, Op: message}
}

func Fatal(op string, err error) *Error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// IsKind reports whether any error in err's chain is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// PathOf returns the path attached to a per-item error, if any.
func PathOf(err error) (string, bool) {
	var e *Error
	if stderrors.As(err, &e) && e.Path != "" {
		return e.Path, true
	}
	return "", false
}
