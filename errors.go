package brokerkit

import (
	"errors"

	"github.com/glimte/brokerkit/internal/rabbitmq"
	"github.com/glimte/brokerkit/messaging"
)

// State is the connection state reported by Client.State.
type State = rabbitmq.State

const (
	StateDisconnected = rabbitmq.StateDisconnected
	StateConnecting   = rabbitmq.StateConnecting
	StateConnected    = rabbitmq.StateConnected
	StateClosed       = rabbitmq.StateClosed
)

var (
	ErrChannelUnavailable  = rabbitmq.ErrChannelUnavailable
	ErrConnectionClosed    = rabbitmq.ErrConnectionClosed
	ErrConnectionTimeout   = rabbitmq.ErrConnectionTimeout
	ErrMaxRetriesExceeded  = rabbitmq.ErrMaxRetriesExceeded
	ErrPublishNotConfirmed = rabbitmq.ErrPublishNotConfirmed
	ErrPublishTimeout      = rabbitmq.ErrPublishTimeout

	ErrRPCTimeout      = messaging.ErrRPCTimeout
	ErrInvalidResponse = messaging.ErrInvalidResponse
	ErrPublishFailed   = messaging.ErrPublishFailed
	ErrInvalidPayload  = messaging.ErrInvalidPayload
	ErrInvalidOptions  = messaging.ErrInvalidOptions
	ErrHandlerPanic    = messaging.ErrHandlerPanic
	ErrClosed          = messaging.ErrClosed
)

// Aliases for the error and result types surfaced by Client methods.
type (
	RPCError        = messaging.RPCError
	HandlerError    = messaging.HandlerError
	ReplyError      = messaging.ReplyError
	ConnectionError = rabbitmq.ConnectionError
	ErrorKind       = messaging.ErrorKind
)

const (
	KindTimeout            = messaging.KindTimeout
	KindChannelUnavailable = messaging.KindChannelUnavailable
	KindPublishFailed      = messaging.KindPublishFailed
	KindInvalidResponse    = messaging.KindInvalidResponse
)

// IsRetryable reports whether an operation that failed with err may succeed
// when tried again, typically once the client has reconnected. Invalid input,
// a closed client and refused access are final.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidPayload),
		errors.Is(err, ErrInvalidOptions),
		errors.Is(err, ErrClosed):
		return false
	}
	return rabbitmq.IsRetryable(err)
}
