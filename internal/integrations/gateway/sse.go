package gateway

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// Event names the streaming endpoint emits.
const (
	EventDelta   = "delta"
	EventError   = "error"
	EventDone    = "done"
	EventMessage = "message"
)

// Event is one server-sent event record.
type Event struct {
	Name string
	Data string
}

// EventReader splits a server-sent event stream into records. Records are
// separated by a blank line; "event:" sets the name, "data:" lines are joined
// with newlines, comments and unknown fields are ignored.
type EventReader struct {
	r *bufio.Reader
}

func NewEventReader(r io.Reader) *EventReader {
	return &EventReader{r: bufio.NewReader(r)}
}

// Next returns the next complete record. A record cut off by EOF is still
// returned; io.EOF follows.
func (er *EventReader) Next() (Event, error) {
	var (
		ev      Event
		data    []string
		pending bool
	)
	for {
		line, err := er.r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return Event{}, err
		}
		eof := err != nil
		if eof && line == "" {
			if pending {
				return finish(ev, data), nil
			}
			return Event{}, io.EOF
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if pending {
				return finish(ev, data), nil
			}
			continue
		}
		if !strings.HasPrefix(line, ":") {
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				ev.Name = value
				pending = true
			case "data":
				data = append(data, value)
				pending = true
			}
		}
		if eof {
			if pending {
				return finish(ev, data), nil
			}
			return Event{}, io.EOF
		}
	}
}

func finish(ev Event, data []string) Event {
	if ev.Name == "" {
		ev.Name = EventMessage
	}
	ev.Data = strings.Join(data, "\n")
	return ev
}

// ErrorText extracts a readable message from an error event payload.
func ErrorText(data string) string {
	trimmed := strings.TrimSpace(data)
	if strings.HasPrefix(trimmed, "{") {
		var payload errorResponse
		if json.Unmarshal([]byte(trimmed), &payload) == nil {
			for _, raw := range []json.RawMessage{payload.Error, payload.Message, payload.Details} {
				if d := rawText(raw); d != "" {
					return d
				}
			}
		}
	}
	return trimmed
}
