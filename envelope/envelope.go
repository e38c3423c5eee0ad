// Package envelope builds and parses the datacontracts.v1.DataContractMessage
// wire envelope that wraps every payload published by the relay.
//
// The schema is equivalent to:
//
//	syntax = "proto3";
//	package datacontracts.v1;
//
//	enum MessageType {
//	  MESSAGE_TYPE_UNSPECIFIED = 0;
//	  ENTITY_CHANGE = 1;
//	  BUSINESS_OPERATION = 2;
//	}
//
//	message Metadata {
//	  MessageType message_type = 1;
//	  int64 message_id = 2;
//	  string event_type = 3;
//	  google.protobuf.Timestamp published_at = 4;
//	}
//
//	message DataContractMessage {
//	  Metadata metadata = 1;
//	  google.protobuf.Any payload = 2;
//	}
package envelope

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Full names of the envelope types.
const (
	MessageFullName  = "datacontracts.v1.DataContractMessage"
	MetadataFullName = "datacontracts.v1.Metadata"
)

var (
	file         protoreflect.FileDescriptor
	messageDesc  protoreflect.MessageDescriptor
	metadataDesc protoreflect.MessageDescriptor
	typeEnum     protoreflect.EnumDescriptor
)

func init() {
	fd, err := protodesc.NewFile(fileProto(), protoregistry.GlobalFiles)
	if err != nil {
		panic(fmt.Sprintf("envelope: building descriptor: %v", err))
	}
	file = fd
	messageDesc = fd.Messages().ByName("DataContractMessage")
	metadataDesc = fd.Messages().ByName("Metadata")
	typeEnum = fd.Enums().ByName("MessageType")
}

func fileProto() *descriptorpb.FileDescriptorProto {
	field := func(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type, typeName string) *descriptorpb.FieldDescriptorProto {
		f := &descriptorpb.FieldDescriptorProto{
			Name:   proto.String(name),
			Number: proto.Int32(number),
			Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
			Type:   typ.Enum(),
		}
		if typeName != "" {
			f.TypeName = proto.String(typeName)
		}
		return f
	}

	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("datacontracts/v1/envelope.proto"),
		Package: proto.String("datacontracts.v1"),
		Syntax:  proto.String("proto3"),
		Dependency: []string{
			(&anypb.Any{}).ProtoReflect().Descriptor().ParentFile().Path(),
			(&timestamppb.Timestamp{}).ProtoReflect().Descriptor().ParentFile().Path(),
		},
		EnumType: []*descriptorpb.EnumDescriptorProto{{
			Name: proto.String("MessageType"),
			Value: []*descriptorpb.EnumValueDescriptorProto{
				{Name: proto.String("MESSAGE_TYPE_UNSPECIFIED"), Number: proto.Int32(0)},
				{Name: proto.String("ENTITY_CHANGE"), Number: proto.Int32(1)},
				{Name: proto.String("BUSINESS_OPERATION"), Number: proto.Int32(2)},
			},
		}},
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String("Metadata"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("message_type", 1, descriptorpb.FieldDescriptorProto_TYPE_ENUM, ".datacontracts.v1.MessageType"),
					field("message_id", 2, descriptorpb.FieldDescriptorProto_TYPE_INT64, ""),
					field("event_type", 3, descriptorpb.FieldDescriptorProto_TYPE_STRING, ""),
					field("published_at", 4, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, ".google.protobuf.Timestamp"),
				},
			},
			{
				Name: proto.String("DataContractMessage"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("metadata", 1, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, ".datacontracts.v1.Metadata"),
					field("payload", 2, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, ".google.protobuf.Any"),
				},
			},
		},
	}
}

// File returns the descriptor of the envelope schema.
func File() protoreflect.FileDescriptor { return file }

// FileProto returns the envelope schema as a FileDescriptorProto, e.g. to publish it
// to a schema registry or to generate consumer code.
func FileProto() *descriptorpb.FileDescriptorProto {
	return protodesc.ToFileDescriptorProto(file)
}

// Metadata describes a published outbox record.
type Metadata struct {
	// MessageType is ENTITY_CHANGE or BUSINESS_OPERATION.
	MessageType string
	MessageID   int64
	EventType   string
	PublishedAt time.Time
}

// Envelope is a parsed DataContractMessage.
type Envelope struct {
	Metadata Metadata
	Payload  *anypb.Any
}

// New builds a DataContractMessage wrapping payload.
func New(md Metadata, payload proto.Message) (proto.Message, error) {
	typeValue := typeEnum.Values().ByName(protoreflect.Name(md.MessageType))
	if typeValue == nil || typeValue.Number() == 0 {
		return nil, fmt.Errorf("unknown message type %q", md.MessageType)
	}
	if payload == nil {
		return nil, fmt.Errorf("nil payload")
	}
	payloadBytes, err := proto.MarshalOptions{Deterministic: true}.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}

	msg := dynamicpb.NewMessage(messageDesc)

	meta := msg.Mutable(messageDesc.Fields().ByName("metadata")).Message()
	metaFields := metadataDesc.Fields()
	meta.Set(metaFields.ByName("message_type"), protoreflect.ValueOfEnum(typeValue.Number()))
	meta.Set(metaFields.ByName("message_id"), protoreflect.ValueOfInt64(md.MessageID))
	meta.Set(metaFields.ByName("event_type"), protoreflect.ValueOfString(md.EventType))

	ts := meta.Mutable(metaFields.ByName("published_at")).Message()
	tsFields := ts.Descriptor().Fields()
	ts.Set(tsFields.ByName("seconds"), protoreflect.ValueOfInt64(md.PublishedAt.Unix()))
	// nolint:gosec
	ts.Set(tsFields.ByName("nanos"), protoreflect.ValueOfInt32(int32(md.PublishedAt.Nanosecond())))

	anyMsg := msg.Mutable(messageDesc.Fields().ByName("payload")).Message()
	anyFields := anyMsg.Descriptor().Fields()
	anyMsg.Set(anyFields.ByName("type_url"), protoreflect.ValueOfString(TypeURL(payload)))
	anyMsg.Set(anyFields.ByName("value"), protoreflect.ValueOfBytes(payloadBytes))

	return msg, nil
}

// Marshal builds a DataContractMessage wrapping payload and returns its binary form.
func Marshal(md Metadata, payload proto.Message) ([]byte, error) {
	msg, err := New(md, payload)
	if err != nil {
		return nil, fmt.Errorf("building envelope: %w", err)
	}
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}
	return b, nil
}

// Parse decodes the binary form of a DataContractMessage.
func Parse(b []byte) (*Envelope, error) {
	msg := dynamicpb.NewMessage(messageDesc)
	if err := proto.Unmarshal(b, msg); err != nil {
		return nil, fmt.Errorf("unmarshaling envelope: %w", err)
	}

	env := &Envelope{}

	meta := msg.Get(messageDesc.Fields().ByName("metadata")).Message()
	metaFields := metadataDesc.Fields()
	if ev := typeEnum.Values().ByNumber(meta.Get(metaFields.ByName("message_type")).Enum()); ev != nil {
		env.Metadata.MessageType = string(ev.Name())
	}
	env.Metadata.MessageID = meta.Get(metaFields.ByName("message_id")).Int()
	env.Metadata.EventType = meta.Get(metaFields.ByName("event_type")).String()

	ts := meta.Get(metaFields.ByName("published_at")).Message()
	if ts.IsValid() {
		tsFields := ts.Descriptor().Fields()
		env.Metadata.PublishedAt = time.Unix(
			ts.Get(tsFields.ByName("seconds")).Int(),
			ts.Get(tsFields.ByName("nanos")).Int(),
		).UTC()
	}

	anyMsg := msg.Get(messageDesc.Fields().ByName("payload")).Message()
	if anyMsg.IsValid() {
		anyFields := anyMsg.Descriptor().Fields()
		env.Payload = &anypb.Any{
			TypeUrl: anyMsg.Get(anyFields.ByName("type_url")).String(),
			Value:   anyMsg.Get(anyFields.ByName("value")).Bytes(),
		}
	}

	return env, nil
}

// UnpackPayload decodes the payload of env into dst.
func (env *Envelope) UnpackPayload(dst proto.Message) error {
	if env.Payload == nil {
		return fmt.Errorf("envelope has no payload")
	}
	return env.Payload.UnmarshalTo(dst)
}

// TypeURL returns the google.protobuf.Any type URL of msg.
func TypeURL(msg proto.Message) string {
	return "type.googleapis.com/" + string(msg.ProtoReflect().Descriptor().FullName())
}
