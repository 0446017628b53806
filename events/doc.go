// Package events defines the messages exchanged between hotel services.
//
// Three kinds of values flow over the broker:
//   - Envelope: a domain event (reservation created, confirmed or cancelled)
//     published on the event exchange with the event type as routing key
//   - Reminder: a payload delivered to the reminder exchange at a future instant
//   - Request: an RPC request sent to a well-known service queue
//
// All bodies are UTF-8 JSON. Correlation ids and reply queues travel as AMQP
// properties and never appear in these types.
package events
