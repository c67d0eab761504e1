package adapters

import (
	"bytes"
	"encoding/json"
)

// sseFrame renders one SSE event. An empty event name emits a data-only frame.
func sseFrame(event string, data []byte) []byte {
	var b bytes.Buffer
	if event != "" {
		b.WriteString("event: ")
		b.WriteString(event)
		b.WriteByte('\n')
	}
	b.WriteString("data: ")
	b.Write(data)
	b.WriteString("\n\n")
	return b.Bytes()
}

// sseJSON marshals v and renders it as an SSE frame.
func sseJSON(event string, v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return sseFrame(event, data)
}

// defaultSSEHeaders are the transport headers for every SSE vendor.
func defaultSSEHeaders() map[string]string {
	return map[string]string{
		"Content-Type":      "text/event-stream",
		"Cache-Control":     "no-cache",
		"Connection":        "keep-alive",
		"X-Accel-Buffering": "no",
	}
}

func usagePtr(u Usage) *Usage {
	return &u
}

func truncateForError(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
