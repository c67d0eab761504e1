package adapters

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/openai/openai-go/packages/ssestream"
)

// ChunkReader yields vendor stream chunks one at a time.
type ChunkReader interface {
	Next() bool
	Chunk() Chunk
	Err() error
	Close() error
}

// NewSSEChunkReader reads text/event-stream responses.
func NewSSEChunkReader(resp *http.Response) ChunkReader {
	return &sseChunkReader{dec: ssestream.NewDecoder(resp)}
}

type sseChunkReader struct {
	dec ssestream.Decoder
}

func (r *sseChunkReader) Next() bool {
	return r.dec != nil && r.dec.Next()
}

func (r *sseChunkReader) Chunk() Chunk {
	ev := r.dec.Event()
	return Chunk{Event: ev.Type, Data: ev.Data}
}

func (r *sseChunkReader) Err() error {
	if r.dec == nil {
		return errors.New("empty stream response")
	}
	return r.dec.Err()
}

func (r *sseChunkReader) Close() error {
	if r.dec == nil {
		return nil
	}
	return r.dec.Close()
}

// NewEventStreamChunkReader reads application/vnd.amazon.eventstream responses.
// Event is the ":event-type" header, or the ":exception-type" header for
// exception messages.
func NewEventStreamChunkReader(resp *http.Response) ChunkReader {
	return &eventStreamChunkReader{body: resp.Body, dec: eventstream.NewDecoder()}
}

type eventStreamChunkReader struct {
	body io.ReadCloser
	dec  *eventstream.Decoder
	cur  Chunk
	err  error
}

func (r *eventStreamChunkReader) Next() bool {
	if r.err != nil || r.body == nil {
		return false
	}
	msg, err := r.dec.Decode(r.body, nil)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			r.err = fmt.Errorf("failed to decode event stream message: %w", err)
		}
		return false
	}

	switch headerString(msg.Headers, ":message-type") {
	case "error":
		r.err = fmt.Errorf("event stream error %s: %s",
			headerString(msg.Headers, ":error-code"), headerString(msg.Headers, ":error-message"))
		return false
	case "exception":
		r.cur = Chunk{Event: headerString(msg.Headers, ":exception-type"), Data: msg.Payload}
	default:
		r.cur = Chunk{Event: headerString(msg.Headers, ":event-type"), Data: msg.Payload}
	}
	return true
}

func (r *eventStreamChunkReader) Chunk() Chunk { return r.cur }
func (r *eventStreamChunkReader) Err() error   { return r.err }

func (r *eventStreamChunkReader) Close() error {
	if r.body == nil {
		return nil
	}
	return r.body.Close()
}

func headerString(h eventstream.Headers, name string) string {
	if v := h.Get(name); v != nil {
		return v.String()
	}
	return ""
}
