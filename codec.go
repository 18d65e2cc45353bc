package cluster

import "context"

// RawRequest is an unrendered request: the command name followed by its
// arguments, as raw bytes. The core never interprets these beyond
// extracting keys (via InfoMap) and recognizing a handful of literal
// command names (MULTI, EXEC, ASKING, the broadcast commands).
type RawRequest [][]byte

// Name returns the request's command name, or "" for an empty request.
func (r RawRequest) Name() string {
	if len(r) == 0 {
		return ""
	}
	return string(r[0])
}

// Reply is an opaque parsed server reply. The core only needs to detect
// whether a reply is an error and, if so, recover its error payload; it
// never interprets successful replies.
type Reply interface {
	// IsError reports whether this reply represents a server-side error
	// (as opposed to a successful value).
	IsError() bool
	// ErrorPayload returns the raw error message when IsError is true.
	// Behavior is undefined otherwise.
	ErrorPayload() string
}

// Renderer renders a RawRequest to the bytes that should be written to a
// node's connection. Rendering is pure and never fails in this model: a
// request that cannot be rendered is a programmer error in the caller.
type Renderer interface {
	RenderRequest(req RawRequest) []byte
}

// ParseResult is the outcome of one incremental parse attempt.
type ParseResult struct {
	// Done, if true, indicates a full reply was parsed; Reply and
	// Remainder are valid. Remainder is the unconsumed tail of the
	// buffer, to be threaded into the next ParseReply call.
	Done      bool
	Reply     Reply
	Remainder []byte
	// More, if true (and Done is false), indicates the parser needs
	// another chunk of input appended to Remainder before it can make
	// progress.
	More bool
	// Err is set when the parser encountered malformed input.
	Err error
}

// Parser incrementally parses one Reply at a time from a byte stream,
// threading an unconsumed remainder buffer across calls so a reply that
// spans multiple socket reads can be reassembled.
type Parser interface {
	// ParseReply attempts to parse exactly one reply out of remainder.
	// Callers must seed remainder with the Remainder from the previous
	// call (or nil for the first call on a fresh connection).
	ParseReply(remainder []byte) ParseResult
}

// ConnectionContext is the transport capability for one node: TCP/TLS
// connection establishment, send, flush, and receive. The core treats it
// as opaque; a real implementation owns dialing, TLS handshake, and
// timeouts.
type ConnectionContext interface {
	Send(ctx context.Context, b []byte) error
	Flush(ctx context.Context) error
	// Recv returns the next available chunk of bytes, or an empty slice
	// on EOF. It never blocks past ctx's deadline.
	Recv(ctx context.Context) ([]byte, error)
	Disconnect() error
}

// ConnectionDialer creates a ConnectionContext to a given host:port.
type ConnectionDialer interface {
	Dial(ctx context.Context, host string, port uint16) (ConnectionContext, error)
}

// InfoMap answers which argument positions of a command hold keys. It
// returns (nil, false) for a command name it has never heard of, and
// (possibly empty) keys otherwise.
type InfoMap interface {
	KeysForRequest(req RawRequest) (keys [][]byte, known bool)
}
