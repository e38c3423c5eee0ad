package outbox

import (
	"context"
	"time"
)

// MessageType classifies what produced an outbox record.
type MessageType string

// Supported message types.
const (
	MessageTypeEntityChange      MessageType = "ENTITY_CHANGE"
	MessageTypeBusinessOperation MessageType = "BUSINESS_OPERATION"
)

// Event types of entity change records. Business operation records use the operation name instead.
const (
	EventTypeInsert = "INSERT"
	EventTypeUpdate = "UPDATE"
	EventTypeDelete = "DELETE"
)

// Record is a durable intent-to-publish row stored in the outbox table.
//
// A record is written once, in the same transaction as the mutation it describes,
// and afterwards only ever changes by flipping Published to true once the relay
// has delivered it.
type Record struct {
	// ID is a monotonically increasing surrogate key. It breaks CreatedAt ties.
	ID int64

	// MessageType tells whether the record describes an entity change or a business operation.
	MessageType MessageType

	// EventType is INSERT, UPDATE or DELETE for entity changes, or the business operation name.
	EventType string

	// PayloadTypeID identifies the schema used to decode Payload (a protobuf full message name).
	PayloadTypeID string

	// Payload is the protobuf JSON form of the event body.
	Payload string

	// Topic is the destination channel, resolved at capture time.
	Topic string

	// Key is the partition/ordering key. It is derived from the source entity identity.
	Key string

	// Published is false until the relay confirmed delivery.
	Published bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the storage contract the relay drains records from.
type Store interface {
	// FindUndelivered returns up to limit unpublished records ordered by CreatedAt, then ID.
	// A limit <= 0 returns every unpublished record.
	FindUndelivered(ctx context.Context, limit int) ([]*Record, error)

	// MarkPublished persists rec.Published and rec.UpdatedAt for an unpublished record.
	MarkPublished(ctx context.Context, rec *Record) error
}
