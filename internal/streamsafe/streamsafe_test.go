package streamsafe

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/llmgateway/pkg/types"
)

func nopCloser(s string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(s))
}

func TestWrapper_PassthroughFramesAndDone(t *testing.T) {
	body := "data: {\"a\":1}\n\ndata: {\"a\":2}\n\ndata: [DONE]\n"
	w := Wrap(context.Background(), nopCloser(body), Config{ReadTimeout: time.Second})

	f1, err := w.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(f1.Raw))

	f2, err := w.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(f2.Raw))

	f3, err := w.Next()
	require.NoError(t, err)
	assert.True(t, f3.Done)

	_, err = w.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.EqualValues(t, 2, w.FramesDelivered())
}

func TestWrapper_ParsedModeUsesProvidedParser(t *testing.T) {
	body := "data: anything\n"
	w := Wrap(context.Background(), nopCloser(body), Config{
		ReadTimeout: time.Second,
		Parser: func(frame []byte) (*types.StreamChunk, error) {
			return &types.StreamChunk{Object: "chat.completion.chunk"}, nil
		},
	})

	f, err := w.Next()
	require.NoError(t, err)
	require.NotNil(t, f.Chunk)
	assert.Equal(t, "chat.completion.chunk", f.Chunk.Object)
}

func TestWrapper_MidStreamErrorFrameRaisesStreamedAPIError(t *testing.T) {
	body := `data: {"error":{"message":"rate limited mid-stream"}}` + "\n"
	w := Wrap(context.Background(), nopCloser(body), Config{ReadTimeout: time.Second})

	_, err := w.Next()
	require.Error(t, err)
	var streamedErr *StreamedAPIError
	require.ErrorAs(t, err, &streamedErr)
	assert.Contains(t, streamedErr.Error(), "rate limited mid-stream")
}

func TestWrapper_InterChunkTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	w := Wrap(context.Background(), pr, Config{ReadTimeout: 20 * time.Millisecond})
	t.Cleanup(func() { pw.Close() })

	_, err := w.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestWrapper_CloseCancelsPump(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })
	w := Wrap(context.Background(), pr, Config{ReadTimeout: time.Second})

	w.Close()
	_, err := w.Next()
	assert.Error(t, err)
}
