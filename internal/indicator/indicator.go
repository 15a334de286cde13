// Package indicator defines the out-of-band status events that drive UI
// feedback while a response is being generated. Indicator events are distinct
// from chat message content: they carry no text, only a state keyed by
// channel id and message id.
package indicator

// Event types on the wire.
const (
	TypeUpdate = "ai_indicator.update"
	TypeClear  = "ai_indicator.clear"
)

// State is the generation state reported to UI collaborators.
type State string

const (
	// StateThinking is emitted as soon as a message is accepted, before the
	// upstream call starts.
	StateThinking State = "AI_STATE_THINKING"

	// StateGenerating is emitted when the upstream call is about to stream.
	StateGenerating State = "AI_STATE_GENERATING"

	// StateError is emitted on any terminal failure.
	StateError State = "AI_STATE_ERROR"
)

// Event is a single indicator event. State is empty for clear events.
type Event struct {
	Type      string `json:"type"`
	State     State  `json:"state,omitempty"`
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

// Update constructs an ai_indicator.update event for the given message.
func Update(channelID, messageID string, state State) Event {
	return Event{
		Type:      TypeUpdate,
		State:     state,
		ChannelID: channelID,
		MessageID: messageID,
	}
}

// Clear constructs an ai_indicator.clear event for the given message.
func Clear(channelID, messageID string) Event {
	return Event{
		Type:      TypeClear,
		ChannelID: channelID,
		MessageID: messageID,
	}
}
