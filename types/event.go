package types

import (
	"encoding/json"
	"fmt"
)

type EventType string

const (
	EventMetadata EventType = "metadata"
	EventContent  EventType = "content"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// StreamEvent is one line of the chat stream.
type StreamEvent struct {
	Type    EventType
	Content string
	Sources []string
	Error   string
}

func MetadataEvent(sources []string) StreamEvent {
	return StreamEvent{Type: EventMetadata, Sources: sources}
}

func ContentEvent(delta string) StreamEvent {
	return StreamEvent{Type: EventContent, Content: delta}
}

func DoneEvent(full string, sources []string) StreamEvent {
	return StreamEvent{Type: EventDone, Content: full, Sources: sources}
}

func ErrorEvent(msg string) StreamEvent {
	return StreamEvent{Type: EventError, Error: msg}
}

// Terminal reports whether no event may follow this one.
func (e StreamEvent) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

type wireEvent struct {
	Type    EventType `json:"type"`
	Content *string   `json:"content,omitempty"`
	Sources *[]string `json:"sources,omitempty"`
	Error   *string   `json:"error,omitempty"`
}

func (e StreamEvent) MarshalJSON() ([]byte, error) {
	w := wireEvent{Type: e.Type}
	sources := e.Sources
	if sources == nil {
		sources = []string{}
	}
	switch e.Type {
	case EventMetadata:
		w.Sources = &sources
	case EventContent:
		w.Content = &e.Content
	case EventDone:
		w.Content = &e.Content
		w.Sources = &sources
	case EventError:
		w.Error = &e.Error
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	return json.Marshal(w)
}

func (e *StreamEvent) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case EventMetadata, EventContent, EventDone, EventError:
	default:
		return fmt.Errorf("unknown event type %q", w.Type)
	}
	*e = StreamEvent{Type: w.Type}
	if w.Content != nil {
		e.Content = *w.Content
	}
	if w.Sources != nil {
		e.Sources = *w.Sources
	}
	if w.Error != nil {
		e.Error = *w.Error
	}
	return nil
}
