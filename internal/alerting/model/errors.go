package model

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies failures by how the pipeline reacts to them.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient is retried with backoff, then the work item is requeued.
	KindTransient
	// KindConfig drops the item and is logged once per rule per hour.
	KindConfig
	// KindData drops the item with a counter.
	KindData
	// KindLease skips the shard for this cycle.
	KindLease
	// KindFatal stops the worker.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConfig:
		return "config"
	case KindData:
		return "data"
	case KindLease:
		return "lease"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Transient(op string, err error) error { return E(KindTransient, op, err) }
func ConfigErr(op string, err error) error { return E(KindConfig, op, err) }
func DataErr(op string, err error) error   { return E(KindData, op, err) }
func LeaseErr(op string, err error) error  { return E(KindLease, op, err) }
func Fatal(op string, err error) error     { return E(KindFatal, op, err) }

// KindOf returns the kind of the outermost classified error. Timeouts are transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindUnknown
}

func IsTransient(err error) bool { return KindOf(err) == KindTransient }
