package tree

import "errors"

var (
	// ErrInvalidNode reports a malformed node or message field at
	// construction time. This is the only error class that interrupts
	// caller control flow; everything downstream is absorbed into
	// statistics.
	ErrInvalidNode = errors.New("invalid node")

	// ErrCircularReference reports an AddChild that would make a node
	// its own ancestor.
	ErrCircularReference = errors.New("circular reference")

	// ErrNodeNotFound reports a lookup for an id not present in the
	// subtree.
	ErrNodeNotFound = errors.New("node not found")
)
