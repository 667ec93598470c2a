package oracle

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// StreamEvent is a parsed SSE event from the Messages API. Only the
// fields for the event's type are populated.
type StreamEvent struct {
	Type string

	ContentBlockDelta *ContentBlockDeltaEvent
	MessageDelta      *MessageDeltaEvent
	Error             *SSEErrorEvent
}

// StreamReader parses SSE events from an HTTP response body.
type StreamReader struct {
	reader io.ReadCloser
	scan   *bufio.Scanner
	closed bool
}

// NewStreamReader wraps a streaming response body.
func NewStreamReader(body io.ReadCloser) *StreamReader {
	return &StreamReader{reader: body, scan: bufio.NewScanner(body)}
}

// Next returns the next SSE event, or io.EOF when the stream ends.
func (s *StreamReader) Next() (StreamEvent, error) {
	if s.closed {
		return StreamEvent{}, io.EOF
	}

	var eventType, dataLine string
	for s.scan.Scan() {
		line := s.scan.Text()

		// blank line terminates one event
		if line == "" {
			if eventType != "" && dataLine != "" {
				return s.parseEvent(eventType, dataLine)
			}
			continue
		}
		if after, ok := strings.CutPrefix(line, "event: "); ok {
			eventType = after
			continue
		}
		if after, ok := strings.CutPrefix(line, "data: "); ok {
			dataLine = after
			continue
		}
	}

	if err := s.scan.Err(); err != nil {
		return StreamEvent{}, err
	}
	return StreamEvent{}, io.EOF
}

func (s *StreamReader) parseEvent(eventType, data string) (StreamEvent, error) {
	ev := StreamEvent{Type: eventType}

	switch eventType {
	case EventContentBlockDelta:
		var msg ContentBlockDeltaEvent
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return ev, fmt.Errorf("parse content_block_delta: %w", err)
		}
		ev.ContentBlockDelta = &msg

	case EventMessageDelta:
		var msg MessageDeltaEvent
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return ev, fmt.Errorf("parse message_delta: %w", err)
		}
		ev.MessageDelta = &msg

	case EventError:
		var msg SSEErrorEvent
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return ev, fmt.Errorf("parse error event: %w", err)
		}
		ev.Error = &msg
	}

	// message_start, content_block_start/stop, message_stop, and ping
	// carry nothing the chat loop needs; the type alone is enough.
	return ev, nil
}

// Close closes the underlying reader.
func (s *StreamReader) Close() error {
	s.closed = true
	return s.reader.Close()
}
