package outbox

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
)

// IDGenerator assigns record ids. Ids must increase monotonically within a process
// so that they order records created within the same timestamp.
type IDGenerator interface {
	NextID() int64
}

// IDGeneratorFunc adapts a function to an IDGenerator.
type IDGeneratorFunc func() int64

// NextID calls f().
func (f IDGeneratorFunc) NextID() int64 { return f() }

type snowflakeIDs struct {
	node *snowflake.Node
}

// NewSnowflakeIDs returns an IDGenerator backed by a snowflake node.
// Nodes of concurrently writing processes must be distinct (0-1023).
func NewSnowflakeIDs(node int64) (IDGenerator, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("creating snowflake node %d: %w", node, err)
	}
	return &snowflakeIDs{node: n}, nil
}

func (s *snowflakeIDs) NextID() int64 {
	return s.node.Generate().Int64()
}

// NodeIDEnv holds the snowflake node of the default IDGenerator.
const NodeIDEnv = "OUTBOX_NODE_ID"

// NodeIDFromEnv returns the snowflake node set in OUTBOX_NODE_ID, or 0 when it is unset.
func NodeIDFromEnv() (int64, error) {
	v := os.Getenv(NodeIDEnv)
	if v == "" {
		return 0, nil
	}
	node, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", NodeIDEnv, err)
	}
	if node < 0 || node > maxNode {
		return 0, fmt.Errorf("%s must be between 0 and %d, got %d", NodeIDEnv, maxNode, node)
	}
	return node, nil
}

const maxNode = 1<<10 - 1

var (
	defaultIDsOnce sync.Once
	defaultIDs     IDGenerator
)

func defaultIDGenerator() IDGenerator {
	defaultIDsOnce.Do(func() {
		node, err := NodeIDFromEnv()
		if err != nil {
			panic(err)
		}
		ids, err := NewSnowflakeIDs(node)
		if err != nil {
			panic(err)
		}
		defaultIDs = ids
	})
	return defaultIDs
}
