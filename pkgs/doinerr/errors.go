// Package doinerr classifies node errors so policy code can branch on
// the kind of failure instead of matching message strings.
package doinerr

import (
	"errors"
	"fmt"
)

// Kind partitions all recoverable and fatal failures in the node.
type Kind int

const (
	// Protocol covers malformed messages, bad signatures and exhausted TTLs.
	Protocol Kind = iota
	// Consistency covers hash mismatches, Merkle mismatches, non-monotone
	// indices and reorg attempts below finality.
	Consistency
	// Economic covers insufficient reputation, rate limits and bounds.
	Economic
	// Liveness covers timeouts and insufficient quorums.
	Liveness
	// External covers anchor divergence and peer misbehavior.
	External
	// Fatal covers unrecoverable state such as chain file corruption.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Protocol:
		return "protocol"
	case Consistency:
		return "consistency"
	case Economic:
		return "economic"
	case Liveness:
		return "liveness"
	case External:
		return "external"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// NodeError carries a failure kind alongside the wrapped cause.
type NodeError struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *NodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// New creates a NodeError of the given kind.
func New(kind Kind, msg string) *NodeError {
	return &NodeError{Kind: kind, Msg: msg}
}

// Newf creates a NodeError with a formatted message.
func Newf(kind Kind, format string, args ...any) *NodeError {
	return &NodeError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, msg string, err error) *NodeError {
	return &NodeError{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors
// report as Protocol, the safest local-drop policy.
func KindOf(err error) Kind {
	var ne *NodeError
	if errors.As(err, &ne) {
		return ne.Kind
	}
	return Protocol
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var ne *NodeError
	return errors.As(err, &ne) && ne.Kind == kind
}
