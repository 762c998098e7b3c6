package models

import (
	"context"
	"errors"
)

// Failure taxonomy shared by the gateway, the stage runners and the
// worker pool. Recoverable errors cause the job lease to be abandoned
// so the queue redelivers; the rest mark the unit failed.
var (
	// ErrTransientIO covers network and storage hiccups worth retrying.
	ErrTransientIO = errors.New("transient i/o failure")

	// ErrModelThrottled indicates the completion service rejected the
	// call due to rate limits. Retryable with backoff.
	ErrModelThrottled = errors.New("model throttled")

	// ErrModelRejected indicates a content or policy refusal. Never
	// retried; the unit is marked failed.
	ErrModelRejected = errors.New("model rejected request")

	// ErrCorruptInput indicates an unreadable page or document.
	ErrCorruptInput = errors.New("corrupt input")
)

// Recoverable reports whether the error justifies redelivering the job.
func Recoverable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return errors.Is(err, ErrTransientIO) || errors.Is(err, ErrModelThrottled)
}

// Retryable reports whether a stage should retry the call in place
// (backoff inside the attempt) rather than surface it.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientIO) || errors.Is(err, ErrModelThrottled)
}
