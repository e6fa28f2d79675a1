package messaging

import (
	"errors"
	"fmt"

	"github.com/glimte/brokerkit/internal/rabbitmq"
)

var (
	ErrRPCTimeout         = errors.New("messaging: rpc timed out")
	ErrInvalidResponse    = errors.New("messaging: invalid rpc response")
	ErrPublishFailed      = errors.New("messaging: publish failed")
	ErrClosed             = errors.New("messaging: closed")
	ErrInvalidPayload     = errors.New("messaging: payload is not valid JSON")
	ErrInvalidOptions     = errors.New("messaging: invalid options")
	ErrChannelUnavailable = rabbitmq.ErrChannelUnavailable
	ErrHandlerPanic       = rabbitmq.ErrHandlerPanic
)

// ErrorKind classifies RPC failures.
type ErrorKind int

const (
	KindTimeout ErrorKind = iota + 1
	KindChannelUnavailable
	KindPublishFailed
	KindInvalidResponse
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindChannelUnavailable:
		return "channel unavailable"
	case KindPublishFailed:
		return "publish failed"
	case KindInvalidResponse:
		return "invalid response"
	default:
		return "unknown"
	}
}

// RPCError completes a Call that did not receive a usable reply.
type RPCError struct {
	Kind          ErrorKind
	Queue         string
	CorrelationID string
	Err           error
}

func (e *RPCError) Error() string {
	msg := fmt.Sprintf("rpc to %q failed (%s", e.Queue, e.Kind)
	if e.CorrelationID != "" {
		msg += ", correlationId " + e.CorrelationID
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RPCError) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels, so errors.Is(err, ErrRPCTimeout) works.
func (e *RPCError) Is(target error) bool {
	switch target {
	case ErrRPCTimeout:
		return e.Kind == KindTimeout
	case ErrChannelUnavailable:
		return e.Kind == KindChannelUnavailable
	case ErrPublishFailed:
		return e.Kind == KindPublishFailed
	case ErrInvalidResponse:
		return e.Kind == KindInvalidResponse
	}
	return false
}

// HandlerError reports a delivery that a subscriber or worker could not process.
type HandlerError struct {
	Queue     string
	MessageID string
	Err       error
}

func (e *HandlerError) Error() string {
	if e.MessageID == "" {
		return fmt.Sprintf("handler failed on queue %s: %v", e.Queue, e.Err)
	}
	return fmt.Sprintf("handler failed for message %s on queue %s: %v", e.MessageID, e.Queue, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// ReplyError reports a worker reply that could not be published. The request
// itself was processed and acknowledged.
type ReplyError struct {
	Queue         string
	ReplyTo       string
	CorrelationID string
	Err           error
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("reply from %s to %s (correlationId %s) failed: %v", e.Queue, e.ReplyTo, e.CorrelationID, e.Err)
}

func (e *ReplyError) Unwrap() error {
	return e.Err
}
