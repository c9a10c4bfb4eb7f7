package client

import (
	"slices"
	"strings"
	"sync"

	"askpdf/types"
)

const stoppedSuffix = " [stopped]"

// Conversation reassembles streamed answers into chat turns. Every request
// gets a sequence number; events carrying an older number are dropped, so
// a cancelled request can never touch the history again.
type Conversation struct {
	mu        sync.Mutex
	turns     []types.ChatTurn
	streaming strings.Builder
	pending   []string
	active    bool
	seq       uint64
}

func NewConversation() *Conversation {
	return &Conversation{}
}

// Begin records the user's question and opens a new answer. A still
// active answer is cancelled first.
func (c *Conversation) Begin(query string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
	c.turns = append(c.turns, types.ChatTurn{Role: types.RoleUser, Text: query})
	c.seq++
	c.active = true
	c.pending = nil
	c.streaming.Reset()
	return c.seq
}

// Apply feeds one event of request seq. It reports whether the visible
// state changed.
func (c *Conversation) Apply(seq uint64, ev types.StreamEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active || seq != c.seq {
		return false
	}
	switch ev.Type {
	case types.EventMetadata:
		c.pending = slices.Clone(ev.Sources)
		return false
	case types.EventContent:
		c.streaming.WriteString(ev.Content)
	case types.EventDone:
		text := ev.Content
		if text == "" {
			text = c.streaming.String()
		}
		sources := c.pending
		if ev.Sources != nil {
			sources = slices.Clone(ev.Sources)
		}
		if sources == nil {
			sources = []string{}
		}
		c.finishLocked(types.ChatTurn{Role: types.RoleAssistant, Text: text, Sources: sources})
	case types.EventError:
		c.finishLocked(types.ChatTurn{Role: types.RoleAssistant, Text: "Error: " + ev.Error})
	default:
		return false
	}
	return true
}

// Fail ends request seq with a transport error. It is a no-op when the
// request already finished or was cancelled.
func (c *Conversation) Fail(seq uint64, err error) bool {
	return c.Apply(seq, types.ErrorEvent(err.Error()))
}

// Cancel stops the active answer. Text received so far is kept as a turn
// marked as stopped; an answer with no text leaves no turn.
func (c *Conversation) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelLocked()
}

func (c *Conversation) cancelLocked() bool {
	if !c.active {
		return false
	}
	if text := c.streaming.String(); text != "" {
		c.turns = append(c.turns, types.ChatTurn{Role: types.RoleAssistant, Text: text + stoppedSuffix, Sources: c.pending})
	}
	c.streaming.Reset()
	c.pending = nil
	c.active = false
	c.seq++
	return true
}

func (c *Conversation) finishLocked(turn types.ChatTurn) {
	c.turns = append(c.turns, turn)
	c.streaming.Reset()
	c.pending = nil
	c.active = false
}

func (c *Conversation) Turns() []types.ChatTurn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.turns)
}

// Streaming returns the partial answer and whether one is in progress.
func (c *Conversation) Streaming() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming.String(), c.active
}

// Active reports whether request seq is still receiving events.
func (c *Conversation) Active(seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active && c.seq == seq
}
