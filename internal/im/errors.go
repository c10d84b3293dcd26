package im

import (
	"errors"
	"fmt"
)

// ConfigurationError means a provider is missing credentials or is otherwise
// unusable. The provider is treated as disabled.
type ConfigurationError struct {
	Provider Provider
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.Provider == "" {
		return "im config: " + e.Reason
	}
	return fmt.Sprintf("im config %s: %s", e.Provider, e.Reason)
}

// AuthenticationError covers bad webhook signatures and bot login failures.
// The message never carries secret material.
type AuthenticationError struct {
	Provider Provider
	Reason   string
	Err      error
}

func (e *AuthenticationError) Error() string {
	msg := "authentication failed"
	if e.Provider != "" {
		msg += " (" + string(e.Provider) + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// TransportError wraps a connect or send failure.
type TransportError struct {
	Provider Provider
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// CallbackError wraps a failure (error or panic) raised by a Handler.
type CallbackError struct {
	MessageID string
	Err       error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("handler failed for message %s: %v", e.MessageID, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

// IsAuthentication reports whether err is (or wraps) an AuthenticationError.
func IsAuthentication(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}
