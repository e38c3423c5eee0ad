// Package outbox implements the transactional outbox pattern for data contract events: every
// change to a domain entity, and every business operation, is recorded as an outbox row in the
// same database transaction as the change itself, and a relay later publishes those rows to a
// message broker.
//
// The pattern involves two main operations:
//
//  1. Capturing: entity inserts, updates and deletes raise lifecycle events that an
//     EntityCapture turns into ENTITY_CHANGE records, and service methods wrapped with
//     Intercept produce BUSINESS_OPERATION records. Records are written through the ambient
//     transaction Session, so they commit or roll back with the mutation they describe.
//
//  2. Relaying: a Relay polls the Store for unpublished records in creation order, wraps each
//     payload into a DataContractMessage envelope and publishes it synchronously. A record is
//     marked published only once the broker confirmed it, and the first failure stops the run
//     so that later records of the same key never overtake it.
//
// Delivery is at least once. Consumers must tolerate duplicates, which carry the same
// message id in the envelope metadata.
//
// This package provides:
//   - A Writer running database/sql transactions whose Tracker raises lifecycle events.
//   - An OperationCapture and the Intercept helpers for business operations.
//   - A Codec keeping the registry of protobuf payload types.
//   - An SQLStore and the Relay publishing through any Publisher.
//
// Sub-packages adapt GORM (gormoutbox), Kafka, RabbitMQ and NATS (broker/...) and provide a
// Redis relay lock (redislock).
package outbox
