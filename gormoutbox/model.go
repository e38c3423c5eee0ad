package gormoutbox

import (
	"time"

	outbox "github.com/oagudo/contract-outbox"
)

// recordModel maps outbox.Record to the outbox table. Column names match the ones
// used by outbox.DBContext, so both adapters can share a table.
type recordModel struct {
	ID            int64     `gorm:"column:id;primaryKey;autoIncrement:false"`
	MessageType   string    `gorm:"column:message_type;size:32;not null"`
	EventType     string    `gorm:"column:event_type;size:128;not null"`
	PayloadTypeID string    `gorm:"column:payload_type;size:255;not null"`
	Payload       string    `gorm:"column:payload;type:text;not null"`
	Topic         string    `gorm:"column:topic;size:255;not null"`
	Key           string    `gorm:"column:message_key;size:255;not null"`
	Published     bool      `gorm:"column:published;not null;index:idx_outbox_pending,priority:1"`
	CreatedAt     time.Time `gorm:"column:created_at;not null;autoCreateTime:false;index:idx_outbox_pending,priority:2"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

func fromRecord(rec *outbox.Record) *recordModel {
	return &recordModel{
		ID:            rec.ID,
		MessageType:   string(rec.MessageType),
		EventType:     rec.EventType,
		PayloadTypeID: rec.PayloadTypeID,
		Payload:       rec.Payload,
		Topic:         rec.Topic,
		Key:           rec.Key,
		Published:     rec.Published,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
}

func (m *recordModel) toRecord() *outbox.Record {
	return &outbox.Record{
		ID:            m.ID,
		MessageType:   outbox.MessageType(m.MessageType),
		EventType:     m.EventType,
		PayloadTypeID: m.PayloadTypeID,
		Payload:       m.Payload,
		Topic:         m.Topic,
		Key:           m.Key,
		Published:     m.Published,
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
	}
}
