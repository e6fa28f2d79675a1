// Package rabbitmq wraps github.com/rabbitmq/amqp091-go with connection
// supervision for the brokerkit client.
//
// This package includes:
//   - ConnectionManager: owns the single broker connection, watches it for
//     close notifications and reconnects on a fixed interval
//   - ChannelManager: holds the one shared channel of the current connection
//   - Publisher: publishes on the shared channel, optionally waiting for confirms
//   - Consumer: runs one dispatch goroutine per consumer and settles deliveries
//   - Topology helpers: exchange, queue and binding declarations
//
// The broker is reached through the Dialer, Connection and Channel
// interfaces so the supervisor can be driven by fakes in tests
// (see package rabbitmqtest).
package rabbitmq
