package model

import "maps"

// Message senders.
const (
	SenderUser = "user"
	SenderBot  = "bot"
)

// Metadata keys understood by the tracker.
const (
	MetaSlots   = "slots"
	MetaCostUSD = "cost_usd"
	MetaModel   = "model"

	// MetaSelection carries the action name chosen by a selector.
	MetaSelection = "selection"
)

// Message is an utterance produced by an action. It is immutable once built:
// accessors return copies of the metadata.
type Message struct {
	sender   string
	text     string
	metadata map[string]any
}

func NewMessage(sender, text string, metadata map[string]any) Message {
	return Message{sender: sender, text: text, metadata: maps.Clone(metadata)}
}

func (m Message) Sender() string { return m.sender }

func (m Message) Text() string { return m.text }

func (m Message) Metadata() map[string]any { return maps.Clone(m.metadata) }

// Slots returns the slot updates carried in the metadata, if any.
func (m Message) Slots() map[string]any {
	switch s := m.metadata[MetaSlots].(type) {
	case map[string]any:
		return maps.Clone(s)
	case map[string]string:
		out := make(map[string]any, len(s))
		for k, v := range s {
			out[k] = v
		}
		return out
	default:
		return nil
	}
}

// Selection returns the action name chosen by a selector, if any.
func (m Message) Selection() string {
	v, _ := m.metadata[MetaSelection].(string)
	return v
}

// CostUSD returns the model cost attached to the message, or zero.
func (m Message) CostUSD() float64 {
	v, _ := m.metadata[MetaCostUSD].(float64)
	return v
}
