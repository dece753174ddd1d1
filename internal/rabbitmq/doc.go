// Package rabbitmq implements the event bus on an AMQP 0-9-1 broker.
//
// This package includes:
//   - ConnectionSupervisor: owns the broker connection and redials it with backoff
//   - TopologyManager: declares the main, retry and dead-letter exchanges and queues
//   - Publisher: single and batch publishing with publisher confirms
//   - Consumer: one long-lived subscription with manual acknowledgment
//   - RetryRouter: delayed retries through the retry queue
//
// A failed delivery is published to the retry exchange with an expiration.
// When it expires in the retry queue the broker dead-letters it back to the
// main queue, so no retry waits happen in process.
package rabbitmq
