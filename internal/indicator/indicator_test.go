package indicator

import (
	"encoding/json"
	"testing"
)

func TestUpdate(t *testing.T) {
	t.Parallel()

	ev := Update("ch-1", "msg-1", StateThinking)

	if ev.Type != TypeUpdate {
		t.Errorf("Type = %q, want %q", ev.Type, TypeUpdate)
	}
	if ev.State != StateThinking {
		t.Errorf("State = %q, want %q", ev.State, StateThinking)
	}
	if ev.ChannelID != "ch-1" || ev.MessageID != "msg-1" {
		t.Errorf("keys = (%q, %q), want (ch-1, msg-1)", ev.ChannelID, ev.MessageID)
	}
}

func TestClear(t *testing.T) {
	t.Parallel()

	ev := Clear("ch-1", "msg-1")

	if ev.Type != TypeClear {
		t.Errorf("Type = %q, want %q", ev.Type, TypeClear)
	}
	if ev.State != "" {
		t.Errorf("State = %q, want empty", ev.State)
	}
}

func TestEventJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{
			name: "update event",
			ev:   Update("general", "m1", StateGenerating),
			want: `{"type":"ai_indicator.update","state":"AI_STATE_GENERATING","channel_id":"general","message_id":"m1"}`,
		},
		{
			name: "clear event omits state",
			ev:   Clear("general", "m1"),
			want: `{"type":"ai_indicator.clear","channel_id":"general","message_id":"m1"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			data, err := json.Marshal(tt.ev)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("got %s, want %s", data, tt.want)
			}
		})
	}
}
