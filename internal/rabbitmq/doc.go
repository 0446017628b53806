// Package rabbitmq provides the RabbitMQ plumbing shared by every hotel service.
//
// This package includes:
//   - ConnectionManager: owns the single connection and channel of a process and
//     re-establishes them lazily after the broker drops them
//   - TopologyManager: declares exchanges, queues, dead-letter queues and bindings
//   - Publisher: publishes on the shared channel and waits for broker confirms
//   - Consumer: runs a single dispatch loop per subscription with ack or
//     dead-letter semantics
//
// The broker is reached through the Connection and Channel interfaces, which the
// amqp091-go types satisfy. Package rabbitmqtest provides an in-memory broker
// implementing the same interfaces.
package rabbitmq
