package cluster

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a ClusterError the way spec §7's error taxonomy does,
// so callers can branch on cause rather than string-matching messages.
type Kind int

const (
	// KindCrossSlot: a request's (or transaction's) keys span more than
	// one hash slot. Never retried.
	KindCrossSlot Kind = iota
	// KindMissingNode: a slot's shard, or a shard's master NodeConnection,
	// could not be found.
	KindMissingNode
	// KindUnsupportedCommand: the command name is unknown to the InfoMap.
	KindUnsupportedCommand
	// KindTryAgain names the server's TRYAGAIN condition. This package
	// does not produce it: a TRYAGAIN reply is handed back unchanged as
	// the request's Reply.
	KindTryAgain
	// KindConnClosed: a wire/IO fault, including EOF mid-pipeline.
	KindConnClosed
	// KindFatal: an internal invariant was violated, such as a parser
	// result that is neither Done nor More, or a reply index outside its
	// batch.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindCrossSlot:
		return "cross slot"
	case KindMissingNode:
		return "missing node"
	case KindUnsupportedCommand:
		return "unsupported cluster command"
	case KindTryAgain:
		return "TRYAGAIN"
	case KindConnClosed:
		return "connection closed"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClusterError is the error type returned for every failure kind the core
// recognizes. It wraps an underlying cause (if any) with pkg/errors so a
// stack trace and the original error survive redirection retries.
type ClusterError struct {
	Kind  Kind
	cause error
}

func newClusterError(kind Kind, format string, args ...interface{}) *ClusterError {
	return &ClusterError{Kind: kind, cause: errors.Errorf(format, args...)}
}

func wrapClusterError(kind Kind, cause error) *ClusterError {
	return &ClusterError{Kind: kind, cause: errors.WithStack(cause)}
}

func (e *ClusterError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("redis: %s: %s", e.Kind, e.cause)
	}
	return fmt.Sprintf("redis: %s", e.Kind)
}

func (e *ClusterError) Unwrap() error { return e.cause }

// IsKind reports whether err is, or wraps, a ClusterError of the given kind.
func IsKind(err error, kind Kind) bool {
	var ce *ClusterError
	if stderrors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

var (
	// ErrConnClosed is the canonical closed-stream error ConnectionContext
	// implementations are expected to raise on EOF or a broken pipe.
	ErrConnClosed = newClusterError(KindConnClosed, "connection closed")
)
