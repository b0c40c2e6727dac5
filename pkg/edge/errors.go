package edge

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/beam-cloud/splitedge/pkg/types"
)

// ErrConfigValidation indicates a configuration validation error
type ErrConfigValidation struct {
	Field   string
	Message string
}

func (e *ErrConfigValidation) Error() string {
	return fmt.Sprintf("config validation error: %s %s", e.Field, e.Message)
}

// ErrMalformedMessage indicates a payload that failed to decode or validate
type ErrMalformedMessage struct {
	Topic string
	Err   error
}

func (e *ErrMalformedMessage) Error() string {
	return fmt.Sprintf("malformed message on %s: %v", e.Topic, e.Err)
}

func (e *ErrMalformedMessage) Unwrap() error {
	return e.Err
}

// From checks if an error is an ErrMalformedMessage and populates fields
func (e *ErrMalformedMessage) From(err error) bool {
	var malformed *ErrMalformedMessage
	if !errors.As(err, &malformed) {
		return false
	}
	*e = *malformed
	return true
}

// ErrStaleMessage indicates a message sent before the session started
type ErrStaleMessage struct {
	MessageID    string
	Timestamp    types.Timestamp
	SessionStart types.Timestamp
}

func (e *ErrStaleMessage) Error() string {
	return fmt.Sprintf("stale message %s: sent at %s, session started at %s", e.MessageID, e.Timestamp, e.SessionStart)
}

// From checks if an error is an ErrStaleMessage and populates fields
func (e *ErrStaleMessage) From(err error) bool {
	var stale *ErrStaleMessage
	if !errors.As(err, &stale) {
		return false
	}
	*e = *stale
	return true
}

// ErrUnknownTopic indicates a message on a topic the edge does not handle
type ErrUnknownTopic struct {
	Topic string
}

func (e *ErrUnknownTopic) Error() string {
	return fmt.Sprintf("unknown topic %q", e.Topic)
}
