package scan

import (
	"time"

	"github.com/teslashibe/go-scan/pkg/decode"
)

// State is the controller state.
type State int

const (
	// Streaming: camera streaming, no frame out for decode.
	Streaming State = iota
	// Decoding: one frame outstanding at the worker.
	Decoding
	// Finalizing: a result was produced and is being delivered.
	Finalizing
	// Stopped is terminal.
	Stopped
)

func (s State) String() string {
	switch s {
	case Streaming:
		return "streaming"
	case Decoding:
		return "decoding"
	case Finalizing:
		return "finalizing"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome is the worker report for one submitted frame.
type Outcome struct {
	Seq    uint64
	Found  bool
	Result decode.Result
}

// Result is a symbol delivered to the result sink.
type Result struct {
	SessionID string        `json:"session_id"`
	Symbol    decode.Symbol `json:"symbol"`
	Seq       uint64        `json:"seq"`
	At        time.Time     `json:"at"`
}

// ResultSink receives delivered symbols. Deliver must not block.
type ResultSink interface {
	Deliver(Result)
}

// SinkFunc adapts a function to ResultSink.
type SinkFunc func(Result)

// Deliver implements ResultSink.
func (f SinkFunc) Deliver(r Result) { f(r) }

// Feedback is notified when a symbol is found. Implementations are
// best-effort and must not block for long.
type Feedback interface {
	Found(cfg SessionConfig)
}

// Stats counts pipeline activity for one session.
type Stats struct {
	FramesRequested uint64 `json:"frames_requested"`
	FramesDecoded   uint64 `json:"frames_decoded"`
	NotFound        uint64 `json:"not_found"`
	Found           uint64 `json:"found"`
	Delivered       uint64 `json:"delivered"`
	Discarded       uint64 `json:"discarded"`
}
