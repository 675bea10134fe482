package dispatch

import (
	"encoding/json"
	"iter"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gaspardpetit/mcpgate/internal/logx"
	"github.com/gaspardpetit/mcpgate/internal/metrics"
	"github.com/gaspardpetit/mcpgate/internal/rpcerr"
	"github.com/gaspardpetit/mcpgate/internal/wire"
)

// Chunk is the params member of a chunk notification.
type Chunk struct {
	RequestID json.RawMessage `json:"requestId"`
	Index     int             `json:"index"`
	Chunk     any             `json:"chunk"`
}

// StreamResult is the terminal result of a streaming tool call. Collected
// streams carry one content item per chunk; incremental ones carry none
// because every chunk was already delivered.
type StreamResult struct {
	Content []mcp.Content `json:"content"`
	Chunks  int           `json:"chunks"`
}

// Stream is a streaming tool execution waiting for a transport to drain it.
type Stream struct {
	id        json.RawMessage
	tool      string
	transport string
	seq       iter.Seq2[any, error]
	start     time.Time
}

// ID returns the id of the originating request.
func (s *Stream) ID() json.RawMessage { return s.id }

// Envelopes runs the tool and yields one chunk notification per partial
// result, then the terminal response. A handler error or panic becomes
// the terminal error response. Stopping the iteration early stops the
// handler and produces no terminal envelope.
func (s *Stream) Envelopes() iter.Seq[any] {
	return func(yield func(any) bool) {
		var (
			count   int
			failure *rpcerr.Error
			stopped bool
		)
		func() {
			inBody := false
			defer func() {
				if v := recover(); v != nil {
					if inBody {
						panic(v)
					}
					logx.Log.Error().Interface("panic", v).Str("tool", s.tool).Msg("stream handler panicked")
					failure = rpcerr.Panic(v)
				}
			}()
			for chunk, err := range s.seq {
				if err != nil {
					failure = rpcerr.From(err)
					break
				}
				inBody = true
				ok := yield(wire.NewNotification(MethodToolChunk, Chunk{RequestID: s.id, Index: count, Chunk: chunk}))
				inBody = false
				if !ok {
					stopped = true
					break
				}
				count++
				metrics.RecordStreamChunk(s.transport)
			}
		}()

		outcome := "ok"
		if failure != nil {
			outcome = failure.Kind.String()
			if failure.Kind == rpcerr.KindInternal {
				logx.Log.Error().Err(failure).Str("tool", s.tool).Int("chunks", count).Msg("stream failed")
			}
		} else if stopped {
			outcome = "cancelled"
		}
		metrics.RecordRequest(MethodToolsCall, outcome)
		if !s.start.IsZero() {
			metrics.ObserveDuration(MethodToolsCall, s.transport, time.Since(s.start))
		}

		if stopped {
			return
		}
		if failure != nil {
			yield(wire.NewError(s.id, failure))
			return
		}
		yield(wire.NewResult(s.id, StreamResult{Content: []mcp.Content{}, Chunks: count}))
	}
}

// collect drains seq into a single result for callers that cannot take
// partial results.
func collect(seq iter.Seq2[any, error]) (StreamResult, error) {
	res := StreamResult{Content: []mcp.Content{}}
	for chunk, err := range seq {
		if err != nil {
			return StreamResult{}, err
		}
		res.Content = append(res.Content, toContent(chunk))
		res.Chunks++
	}
	return res, nil
}
