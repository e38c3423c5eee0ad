package outbox

import (
	"reflect"
	"strings"

	"google.golang.org/protobuf/proto"
)

// DefaultTopicPrefix is the namespace every resolved topic lives under unless configured otherwise.
const DefaultTopicPrefix = "data.contracts"

// Capturable is implemented by domain entities (and business operation subjects)
// that take part in outbox capture.
type Capturable interface {
	// MessagePayload returns the wire message describing the current state.
	MessagePayload() (proto.Message, error)

	// PayloadTypeID identifies the payload schema. It must not depend on the entity state,
	// so it can be called on a zero value at startup.
	PayloadTypeID() string

	// MessageKey returns the partition key. It must be derived from the entity identity only.
	MessageKey() (string, error)
}

// TopicResolver maps a source type identifier to a destination topic.
// Implementations must be pure and total.
type TopicResolver interface {
	Resolve(sourceType string) string
}

// TopicResolverFunc adapts a function to a TopicResolver.
type TopicResolverFunc func(sourceType string) string

// Resolve calls f(sourceType).
func (f TopicResolverFunc) Resolve(sourceType string) string {
	return f(sourceType)
}

// PrefixTopics returns a TopicResolver producing "<prefix>.<lowercased source type>".
// An empty prefix yields the lowercased source type alone.
func PrefixTopics(prefix string) TopicResolver {
	return TopicResolverFunc(func(sourceType string) string {
		name := strings.ToLower(sourceType)
		if prefix == "" {
			return name
		}
		return prefix + "." + name
	})
}

// SourceType returns the identifier of v's type used for topic resolution: the
// Go type name with pointers dereferenced (e.g. *shop.Order -> "Order").
func SourceType(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}
