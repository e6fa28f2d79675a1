// Package messaging implements the messaging patterns of the brokerkit
// client on top of the shared broker channel:
//   - ReplyRouter: request/reply over one-way queues. Each request gets a
//     fresh correlation id and a pending entry that is completed exactly once,
//     by the matching reply, by its timeout or by a failed publish.
//   - PubSub: durable publish/subscribe with manual acknowledgement. Handler
//     failures are requeued; unparseable payloads are rejected.
//   - RPCWorker: consumes a request queue one message at a time and publishes
//     the handler result to the request's reply-to queue.
//
// Payloads are JSON. Every error that affects a single operation is returned
// to the caller (or completes its Call) and is also passed to the error
// reporter configured with WithErrorReporter.
package messaging
