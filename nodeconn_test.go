package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeReply is a minimal Reply used across the test suite.
type fakeReply struct {
	err     bool
	payload string
}

func (r fakeReply) IsError() bool        { return r.err }
func (r fakeReply) ErrorPayload() string { return r.payload }

func okReply(payload string) fakeReply  { return fakeReply{payload: payload} }
func errReply(payload string) fakeReply { return fakeReply{err: true, payload: payload} }

// lineRenderer renders a request as newline-joined tokens; lineParser
// parses one reply per line. Good enough to exercise framing/remainder
// logic without a real wire format.
type lineRenderer struct{}

func (lineRenderer) RenderRequest(req RawRequest) []byte {
	var out []byte
	for i, tok := range req {
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, tok...)
	}
	return append(out, '\n')
}

type lineParser struct{}

func (lineParser) ParseReply(remainder []byte) ParseResult {
	for i, b := range remainder {
		if b == '\n' {
			line := string(remainder[:i])
			rest := remainder[i+1:]
			if len(line) > 0 && line[0] == '-' {
				return ParseResult{Done: true, Reply: errReply(line[1:]), Remainder: rest}
			}
			return ParseResult{Done: true, Reply: okReply(line), Remainder: rest}
		}
	}
	return ParseResult{More: true}
}

// fakeConnCtx is an in-memory ConnectionContext: Send/Flush append to an
// outbox, Recv serves from a preloaded inbox one chunk at a time.
type fakeConnCtx struct {
	outbox  []byte
	inbox   [][]byte
	nextIdx int
	closed  bool
}

func (f *fakeConnCtx) Send(ctx context.Context, b []byte) error {
	f.outbox = append(f.outbox, b...)
	return nil
}
func (f *fakeConnCtx) Flush(ctx context.Context) error { return nil }
func (f *fakeConnCtx) Recv(ctx context.Context) ([]byte, error) {
	if f.nextIdx >= len(f.inbox) {
		return nil, nil
	}
	chunk := f.inbox[f.nextIdx]
	f.nextIdx++
	return chunk, nil
}
func (f *fakeConnCtx) Disconnect() error { f.closed = true; return nil }

func TestRequestNodeOrdersRepliesWithSingleSend(t *testing.T) {
	fc := &fakeConnCtx{inbox: [][]byte{[]byte("OK\nv\n")}}
	nc := newNodeConnection("n1", fc, lineRenderer{}, lineParser{}, zap.NewNop())

	replies, err := nc.requestNode(context.Background(), []RawRequest{
		{[]byte("SET"), []byte("k"), []byte("v")},
		{[]byte("GET"), []byte("k")},
	})
	require.NoError(t, err)
	require.Len(t, replies, 2)
	require.Equal(t, "OK", replies[0].(fakeReply).payload)
	require.Equal(t, "v", replies[1].(fakeReply).payload)
	require.Equal(t, "SET k v\nGET k\n", string(fc.outbox))
}

func TestRequestNodeReadsAcrossPartialChunks(t *testing.T) {
	fc := &fakeConnCtx{inbox: [][]byte{[]byte("O"), []byte("K\n")}}
	nc := newNodeConnection("n1", fc, lineRenderer{}, lineParser{}, zap.NewNop())

	replies, err := nc.requestNode(context.Background(), []RawRequest{{[]byte("PING")}})
	require.NoError(t, err)
	require.Equal(t, "OK", replies[0].(fakeReply).payload)
}

func TestRequestNodePersistsRemainderAcrossCalls(t *testing.T) {
	fc := &fakeConnCtx{inbox: [][]byte{[]byte("a\nb\n")}}
	nc := newNodeConnection("n1", fc, lineRenderer{}, lineParser{}, zap.NewNop())

	r1, err := nc.requestNode(context.Background(), []RawRequest{{[]byte("X")}})
	require.NoError(t, err)
	require.Equal(t, "a", r1[0].(fakeReply).payload)

	r2, err := nc.requestNode(context.Background(), []RawRequest{{[]byte("Y")}})
	require.NoError(t, err)
	require.Equal(t, "b", r2[0].(fakeReply).payload)
}

func TestRequestNodeEOFDuringShortReadFailsConnClosed(t *testing.T) {
	fc := &fakeConnCtx{inbox: [][]byte{[]byte("incomplete")}} // never terminates with \n, then EOF
	nc := newNodeConnection("n1", fc, lineRenderer{}, lineParser{}, zap.NewNop())

	_, err := nc.requestNode(context.Background(), []RawRequest{{[]byte("X")}})
	require.Error(t, err)
	require.True(t, IsKind(err, KindConnClosed))
}
