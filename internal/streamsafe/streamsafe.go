// Package streamsafe implements the Streaming Safety Wrapper (C8): buffered
// SSE reassembly, mid-stream error-frame detection, an inter-chunk read
// timeout, and cancellation propagation. Grounded on this codebase's
// internal/streaming/forwarder.go and parsers.go, generalized from a single
// fixed OpenAI/Anthropic/Gemini parser set to the adapter-supplied
// provider.StreamParser from C6.
package streamsafe

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/relayforge/llmgateway/internal/provider"
	gwerrors "github.com/relayforge/llmgateway/pkg/errors"
	"github.com/relayforge/llmgateway/pkg/types"
)

const (
	// DefaultStreamingReadTimeout is the inter-chunk budget while a stream
	// is actively being forwarded.
	DefaultStreamingReadTimeout = 180 * time.Second
	// DefaultNonStreamingReadTimeout bounds a single non-streaming response
	// body read.
	DefaultNonStreamingReadTimeout = 600 * time.Second

	sseDataPrefix = "data:"
	sseDone       = "[DONE]"

	defaultBufferSize = 64 * 1024
	maxLineSize       = 1 << 20
)

// StreamedAPIError indicates the upstream sent a well-formed error object as
// a stream frame instead of (or partway through) a content stream.
type StreamedAPIError struct {
	Err *gwerrors.GatewayError
}

func (e *StreamedAPIError) Error() string { return e.Err.Error() }
func (e *StreamedAPIError) Unwrap() error { return e.Err }

// Frame is one decoded unit handed to the caller: either a parsed
// StreamChunk or the raw SSE payload in passthrough mode (bytes are
// forwarded without JSON re-parsing).
type Frame struct {
	Chunk *types.StreamChunk
	Raw   []byte
	Done  bool // true on the terminal [DONE] marker
}

// Config configures a Wrapper.
type Config struct {
	// Parser, if set, turns each data frame into a unified StreamChunk
	// (parsed/observability-enabled mode). Nil selects passthrough mode.
	Parser provider.StreamParser

	ReadTimeout time.Duration

	Provider   string
	Model      string
	Credential string

	// ClassifyError reuses the adapter's HTTP-error classifier (C6) for
	// error objects that arrive as stream frames instead of HTTP statuses.
	ClassifyError func(statusCode int, body []byte) (kind string, message string)
}

// Wrapper is the C8 state owner for one upstream stream.
type Wrapper struct {
	upstream io.ReadCloser
	cfg      Config
	ctx      context.Context
	cancel   context.CancelFunc

	lines   chan []byte
	readErr chan error

	delivered atomic.Int64
}

// Wrap starts reading upstream on a background goroutine so Next can
// enforce the inter-chunk timeout without blocking on a stalled connection
// ("inter-chunk stream read" suspension point). Canceling ctx,
// or calling Close, propagates to the upstream connection.
func Wrap(ctx context.Context, upstream io.ReadCloser, cfg Config) *Wrapper {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultStreamingReadTimeout
	}
	ctx, cancel := context.WithCancel(ctx)
	w := &Wrapper{
		upstream: upstream,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		lines:    make(chan []byte),
		readErr:  make(chan error, 1),
	}
	go w.pump()
	return w
}

func (w *Wrapper) pump() {
	defer close(w.lines)
	scanner := bufio.NewScanner(w.upstream)
	scanner.Buffer(make([]byte, defaultBufferSize), maxLineSize)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...) // scanner reuses its buffer
		select {
		case w.lines <- line:
		case <-w.ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		w.readErr <- err
	}
}

// Next returns the next frame, blocking no longer than ReadTimeout since the
// previous frame arrived. It returns (nil, io.EOF) once the upstream stream
// ends cleanly, and (nil, *StreamedAPIError) on a mid-stream error frame.
func (w *Wrapper) Next() (*Frame, error) {
	for {
		timer := time.NewTimer(w.cfg.ReadTimeout)
		select {
		case line, ok := <-w.lines:
			timer.Stop()
			if !ok {
				select {
				case err := <-w.readErr:
					return nil, gwerrors.Wrap(gwerrors.KindServerError, w.cfg.Provider, w.cfg.Model, "stream read failed", err)
				default:
					return nil, io.EOF
				}
			}
			frame, err := w.processLine(line)
			if err != nil {
				return nil, err
			}
			if frame == nil {
				continue
			}
			if !frame.Done {
				w.delivered.Add(1)
			}
			return frame, nil

		case <-timer.C:
			return nil, gwerrors.New(gwerrors.KindTimeout, w.cfg.Provider, w.cfg.Model, "stream inter-chunk read timeout")

		case <-w.ctx.Done():
			timer.Stop()
			return nil, w.ctx.Err()
		}
	}
}

// processLine turns one raw SSE line into a Frame, or (nil, nil) for a
// keep-alive / non-content event.
func (w *Wrapper) processLine(line []byte) (*Frame, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, nil
	}

	payload := trimmed
	switch {
	case bytes.HasPrefix(payload, []byte(sseDataPrefix)):
		payload = bytes.TrimSpace(bytes.TrimPrefix(payload, []byte(sseDataPrefix)))
	case bytes.HasPrefix(payload, []byte("event:")), bytes.HasPrefix(payload, []byte(":")):
		return nil, nil
	}
	if bytes.Equal(payload, []byte(sseDone)) {
		return &Frame{Done: true, Raw: payload}, nil
	}

	if gwErr := w.detectErrorFrame(payload); gwErr != nil {
		return nil, &StreamedAPIError{Err: gwErr}
	}

	if w.cfg.Parser == nil {
		return &Frame{Raw: payload}, nil
	}

	chunk, err := w.cfg.Parser(payload)
	if err != nil {
		// Malformed frame: skip rather than fail the whole stream, matching
		// this package's policy to log and continue rather than fail the whole stream.
		return nil, nil
	}
	if chunk == nil {
		return nil, nil
	}
	return &Frame{Chunk: chunk, Raw: payload}, nil
}

// detectErrorFrame reports whether payload is an upstream error object
// rather than a content chunk: it unmarshals cleanly and carries a
// top-level "error" field.
func (w *Wrapper) detectErrorFrame(payload []byte) *gwerrors.GatewayError {
	var probe struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || len(probe.Error) == 0 {
		return nil
	}

	message := "stream error"
	kindStr := string(gwerrors.KindUnknown)
	if w.cfg.ClassifyError != nil {
		kindStr, message = w.cfg.ClassifyError(0, payload)
	} else {
		var errObj struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(probe.Error, &errObj) == nil && errObj.Message != "" {
			message = errObj.Message
		}
	}
	gwErr := gwerrors.New(gwerrors.Kind(kindStr), w.cfg.Provider, w.cfg.Model, message)
	gwErr.Credential = w.cfg.Credential
	return gwErr
}

// FramesDelivered returns the number of content/raw frames (excluding the
// terminal Done marker) yielded so far. The external HTTP-framing layer
// uses this to decide whether a mid-stream failure may still be retried on
// a fresh credential — only safe when nothing has reached the client yet.
func (w *Wrapper) FramesDelivered() int64 {
	return w.delivered.Load()
}

// Close cancels the read context and closes the upstream connection, which
// unblocks the pump goroutine.
func (w *Wrapper) Close() {
	w.cancel()
	w.upstream.Close()
}
