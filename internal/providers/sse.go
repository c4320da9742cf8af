package providers

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/modelmux/modelmux/internal/gateway"
)

// maxSSELineBytes bounds a single SSE line; provider deltas are small but
// tool payloads can be large.
const maxSSELineBytes = 1024 * 1024

// SSEDecoder translates one SSE data payload into zero or one StreamChunk.
// Returning done=true terminates the stream cleanly; returning an error
// surfaces a terminal error event.
type SSEDecoder func(data []byte) (chunk *gateway.StreamChunk, done bool, err error)

// StreamSSE consumes an SSE body in a goroutine, decoding each data frame
// with decode and delivering events on the returned channel. The channel is
// closed when the stream ends; a read or decode failure is delivered as a
// final event with Err set. The body is always closed.
func StreamSSE(body io.ReadCloser, decode SSEDecoder) <-chan gateway.StreamEvent {
	out := make(chan gateway.StreamEvent)
	go func() {
		defer close(out)
		defer func() { _ = body.Close() }()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), maxSSELineBytes)

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 || bytes.HasPrefix(line, []byte(":")) {
				continue
			}
			data, ok := bytes.CutPrefix(line, []byte("data:"))
			if !ok {
				// event:/id: framing lines carry no payload we need here.
				continue
			}
			data = bytes.TrimSpace(data)
			if strings.EqualFold(string(data), "[DONE]") {
				return
			}

			chunk, done, err := decode(data)
			if err != nil {
				out <- gateway.StreamEvent{Err: fmt.Errorf("decode stream frame: %w", err)}
				return
			}
			if chunk != nil {
				out <- gateway.StreamEvent{Chunk: chunk}
			}
			if done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			out <- gateway.StreamEvent{Err: fmt.Errorf("read stream: %w", err)}
		}
	}()
	return out
}
