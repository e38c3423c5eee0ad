package outbox

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// ErrPayloadTypeUnknown is wrapped by errors returned for payload type ids without a registered decoder.
var ErrPayloadTypeUnknown = errors.New("payload type is not registered")

// DecodeError indicates a stored payload that cannot be turned back into a wire message,
// either because its type id is unknown or because the text does not match the schema.
// It is not transient: it points at a codec/schema mismatch.
type DecodeError struct {
	RecordID      int64
	PayloadTypeID string
	Err           error
}

func (e *DecodeError) Error() string {
	if e.RecordID != 0 {
		return fmt.Sprintf("decoding payload %q of record %d: %v", e.PayloadTypeID, e.RecordID, e.Err)
	}
	return fmt.Sprintf("decoding payload %q: %v", e.PayloadTypeID, e.Err)
}
func (e *DecodeError) Unwrap() error { return e.Err }

// Codec converts payloads between the textual form persisted in the outbox
// (protobuf JSON) and wire messages, using an explicit registry keyed by payload type id.
//
// Every payload type captured by the application must be registered before the
// relay runs; Check can be used at startup to fail fast on missing registrations.
type Codec struct {
	mu    sync.RWMutex
	types map[string]func() proto.Message

	marshal   protojson.MarshalOptions
	unmarshal protojson.UnmarshalOptions
}

// NewCodec creates an empty Codec.
func NewCodec() *Codec {
	return &Codec{
		types:     make(map[string]func() proto.Message),
		marshal:   protojson.MarshalOptions{UseProtoNames: false},
		unmarshal: protojson.UnmarshalOptions{DiscardUnknown: false},
	}
}

// Register adds the types of the given messages, keyed by their protobuf full name.
func (c *Codec) Register(msgs ...proto.Message) error {
	for _, msg := range msgs {
		if msg == nil {
			return fmt.Errorf("registering payload type: nil message")
		}
		mt := msg.ProtoReflect().Type()
		err := c.RegisterFunc(string(mt.Descriptor().FullName()), func() proto.Message {
			return mt.New().Interface()
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// RegisterFunc adds a decoder factory for typeID. Registering the same id twice is an error.
func (c *Codec) RegisterFunc(typeID string, newFn func() proto.Message) error {
	typeID = strings.TrimSpace(typeID)
	if typeID == "" {
		return fmt.Errorf("registering payload type: empty type id")
	}
	if newFn == nil {
		return fmt.Errorf("registering payload type %q: nil factory", typeID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.types[typeID]; exists {
		return fmt.Errorf("registering payload type %q: already registered", typeID)
	}
	c.types[typeID] = newFn
	return nil
}

// RegisterDescriptorSet registers a dynamic message type for every message
// (including nested ones) declared in the files of fds. It lets a standalone
// relay decode payloads whose Go types it was not compiled with.
// Types already registered are left untouched.
func (c *Codec) RegisterDescriptorSet(fds *descriptorpb.FileDescriptorSet) error {
	files, err := protodesc.NewFiles(fds)
	if err != nil {
		return fmt.Errorf("building descriptor set: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var register func(msgs protoreflect.MessageDescriptors)
	register = func(msgs protoreflect.MessageDescriptors) {
		for i := 0; i < msgs.Len(); i++ {
			md := msgs.Get(i)
			if md.IsMapEntry() {
				continue
			}
			typeID := string(md.FullName())
			if _, exists := c.types[typeID]; !exists {
				mt := dynamicpb.NewMessageType(md)
				c.types[typeID] = func() proto.Message { return mt.New().Interface() }
			}
			register(md.Messages())
		}
	}
	files.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		register(fd.Messages())
		return true
	})

	return nil
}

// Registered returns the registered payload type ids, sorted.
func (c *Codec) Registered() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.types))
	for id := range c.types {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Check verifies that the payload type of every given subject is registered.
// Subjects are usually zero values of the capturable entity types.
func (c *Codec) Check(subjects ...Capturable) error {
	var errs []error
	for _, s := range subjects {
		if !c.knows(s.PayloadTypeID()) {
			errs = append(errs, fmt.Errorf("%s: %w: %q", SourceType(s), ErrPayloadTypeUnknown, s.PayloadTypeID()))
		}
	}
	return errors.Join(errs...)
}

// Encode renders msg as protobuf JSON. typeID must be registered and match msg's type,
// so that whatever is captured can later be decoded by the relay.
func (c *Codec) Encode(typeID string, msg proto.Message) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("encoding payload %q: nil message", typeID)
	}
	if !c.knows(typeID) {
		return "", fmt.Errorf("encoding payload: %w: %q", ErrPayloadTypeUnknown, typeID)
	}
	if name := string(proto.MessageName(msg)); name != typeID {
		return "", fmt.Errorf("encoding payload %q: message is a %q", typeID, name)
	}

	b, err := c.marshal.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encoding payload %q: %w", typeID, err)
	}
	return string(b), nil
}

// Decode parses text into a new message of the type registered for typeID.
// It returns a *DecodeError on failure.
func (c *Codec) Decode(typeID, text string) (proto.Message, error) {
	c.mu.RLock()
	newFn, ok := c.types[typeID]
	c.mu.RUnlock()

	if !ok {
		return nil, &DecodeError{PayloadTypeID: typeID, Err: ErrPayloadTypeUnknown}
	}

	msg := newFn()
	unmarshal := c.unmarshal
	unmarshal.Resolver = protoregistry.GlobalTypes
	if err := unmarshal.Unmarshal([]byte(text), msg); err != nil {
		return nil, &DecodeError{PayloadTypeID: typeID, Err: err}
	}
	return msg, nil
}

func (c *Codec) knows(typeID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.types[typeID]
	return ok
}
