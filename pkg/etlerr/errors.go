// Package etlerr holds the error taxonomy shared by every pipeline stage.
//
// ValidationError and OrderingError are per-record and never abort a run.
// StoreError is retried with bounded backoff and becomes fatal once retries run out.
// ConsistencyError is fatal immediately.
package etlerr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRunInProgress is returned when a pipeline run is requested while another one holds the run lock.
var ErrRunInProgress = errors.New("pipeline run already in progress")

// Kind names an error category in audit breakdowns.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindOrdering    Kind = "ordering"
	KindStore       Kind = "store"
	KindConsistency Kind = "consistency"
	KindCancelled   Kind = "cancelled"
	KindOther       Kind = "other"
)

// ValidationError describes a staged record rejected by the loader.
type ValidationError struct {
	Entity     string
	NaturalKey string
	Reason     string
}

func (e *ValidationError) Error() string {
	if e.NaturalKey == "" {
		return fmt.Sprintf("invalid %s record: %s", e.Entity, e.Reason)
	}
	return fmt.Sprintf("invalid %s record %q: %s", e.Entity, e.NaturalKey, e.Reason)
}

// OrderingError marks a fact whose business timestamp has no matching dimension version.
type OrderingError struct {
	Fact         string
	NaturalKey   string
	Dimension    string
	DimensionKey string
	At           time.Time
}

func (e *OrderingError) Error() string {
	return fmt.Sprintf("%s %q: no %s version for %q at %s",
		e.Fact, e.NaturalKey, e.Dimension, e.DimensionKey, e.At.UTC().Format(time.RFC3339))
}

// StoreError wraps a failure of the backing store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

// Store wraps err as a StoreError. Nil stays nil.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// ConsistencyError reports a broken dimension invariant. It requires operator action.
type ConsistencyError struct {
	Dimension   string
	NaturalKey  string
	CurrentRows int
	Detail      string
}

func (e *ConsistencyError) Error() string {
	msg := fmt.Sprintf("dimension %s key %q has %d current rows", e.Dimension, e.NaturalKey, e.CurrentRows)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// IsRetryable reports whether err is a transient store failure.
func IsRetryable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StoreError
	if errors.As(err, &se) {
		return true
	}
	// a stalled attempt surfaces as a bare deadline
	return errors.Is(err, context.DeadlineExceeded)
}

// IsFatal reports whether err must halt the run without retrying.
func IsFatal(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}

// KindOf classifies err for audit breakdowns.
func KindOf(err error) Kind {
	var (
		ve *ValidationError
		oe *OrderingError
		se *StoreError
		ce *ConsistencyError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		return KindConsistency
	case errors.As(err, &oe):
		return KindOrdering
	case errors.As(err, &ve):
		return KindValidation
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.As(err, &se), errors.Is(err, context.DeadlineExceeded):
		return KindStore
	default:
		return KindOther
	}
}
