// Package transport holds the outbound integrations a journey touches:
// the email sender, the webhook caller, and operator notifications. Every
// error carries a transient/permanent class so the queue knows whether to
// retry or dead-letter.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorClass tells the queue how to treat a failed dispatch.
type ErrorClass int

const (
	// ClassTransient errors (timeouts, throttling, 5xx) are retried with
	// backoff up to the attempt limit.
	ClassTransient ErrorClass = iota
	// ClassPermanent errors (bad recipient, missing template, 4xx) never
	// retry.
	ClassPermanent
)

// SendError wraps a dispatch failure with its retry class.
type SendError struct {
	Class ErrorClass
	Err   error
}

func (e *SendError) Error() string { return e.Err.Error() }
func (e *SendError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	return &SendError{Class: ClassTransient, Err: err}
}

// Transientf formats a retryable error.
func Transientf(format string, args ...interface{}) error {
	return &SendError{Class: ClassTransient, Err: fmt.Errorf(format, args...)}
}

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	return &SendError{Class: ClassPermanent, Err: err}
}

// Permanentf formats a non-retryable error.
func Permanentf(format string, args ...interface{}) error {
	return &SendError{Class: ClassPermanent, Err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err should be retried. Unclassified errors
// default to transient so flaky infrastructure never dead-letters work.
func IsTransient(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Class == ClassTransient
	}
	return true
}

// SendRequest is one rendered email ready for the wire.
type SendRequest struct {
	To        string
	FromName  string
	FromEmail string
	ReplyTo   string
	Subject   string
	HTML      string
	Text      string

	// IdempotencyKey is attached as a message tag so a redelivered queue
	// item can be traced to the same logical send.
	IdempotencyKey string
	WorkflowID     string
	SubscriberID   string
	StepID         string
}

// SendResult reports a successful dispatch.
type SendResult struct {
	MessageID string
	SentAt    time.Time
}

// EmailSender delivers one rendered email. Implementations classify their
// failures with SendError.
type EmailSender interface {
	Send(ctx context.Context, req *SendRequest) (*SendResult, error)
}
