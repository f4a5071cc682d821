package playthrough

import (
	"encoding/json"
	"testing"
)

func TestMessageEventOptionalFields(t *testing.T) {
	tests := []struct {
		name          string
		raw           string
		wantCharacter string
		wantSpeech    bool
		wantMedia     bool
		wantSave      []*string
	}{
		{
			name: "character and speech present",
			raw: `{"conversationId":3,"type":"character","message":{"text":"hi",` +
				`"character":{"id":1,"name":"Ada"},"speech":{"audio":"AQI=","duration":1.5}},` +
				`"memories":[{"id":9,"recallValue":"door","saveValue":"open"}]}`,
			wantCharacter: "Ada",
			wantSpeech:    true,
			wantSave:      []*string{strPtr("open")},
		},
		{
			name:     "panel message without character",
			raw:      `{"conversationId":3,"type":"panel","message":{"text":"..."},"memories":[{"id":9,"recallValue":"door"}]}`,
			wantSave: []*string{nil},
		},
		{
			name: "media passed through",
			raw: `{"conversationId":3,"type":"character","message":{"text":"look",` +
				`"media":{"animations":[{"layer":0,"name":"wave"}],"stopAllAnimations":true}}}`,
			wantMedia: true,
		},
		{
			name: "explicit null overrides",
			raw:  `{"conversationId":3,"type":"character","message":{"text":"...","character":null,"speech":null}}`,
		},
	}

	for _, tt := range tests {
		var event MessageEvent
		if err := json.Unmarshal([]byte(tt.raw), &event); err != nil {
			t.Fatalf("%s: unmarshal err: %v", tt.name, err)
		}

		if got := event.Message.CharacterName(); got != tt.wantCharacter {
			t.Errorf("%s: character = %q, want %q", tt.name, got, tt.wantCharacter)
		}
		if (event.Message.Speech != nil) != tt.wantSpeech {
			t.Errorf("%s: speech present = %v, want %v", tt.name, event.Message.Speech != nil, tt.wantSpeech)
		}
		if tt.wantSpeech && len(event.Message.Speech.Audio) != 2 {
			t.Errorf("%s: audio length = %d, want 2", tt.name, len(event.Message.Speech.Audio))
		}
		if (event.Message.Media != nil) != tt.wantMedia {
			t.Errorf("%s: media present = %v, want %v", tt.name, event.Message.Media != nil, tt.wantMedia)
		}
		if tt.wantMedia && event.Message.Media["stopAllAnimations"] != true {
			t.Errorf("%s: media = %v", tt.name, event.Message.Media)
		}
		if len(event.Memories) != len(tt.wantSave) {
			t.Fatalf("%s: memories = %d, want %d", tt.name, len(event.Memories), len(tt.wantSave))
		}
		for i, want := range tt.wantSave {
			got := event.Memories[i].SaveValue
			if (got == nil) != (want == nil) || (got != nil && *got != *want) {
				t.Errorf("%s: memory %d save value = %v, want %v", tt.name, i, got, want)
			}
		}
	}
}

func strPtr(v string) *string { return &v }
