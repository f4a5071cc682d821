package playthrough

// TokenRequest asks for a playthrough token for a story.
// Version 0 selects the latest published version, -1 the draft.
type TokenRequest struct {
	StoryID int `json:"storyId"`
	Version int `json:"version,omitempty"`
}

// SetMemoryRequest overwrites a memory by its recall value.
type SetMemoryRequest struct {
	RecallValue string `json:"memoryRecallValue"`
	SaveValue   string `json:"saveValue"`
}

// RestartRequest rewinds the playthrough to a past event.
// The id is sent as a decimal string since it can exceed 2^53.
type RestartRequest struct {
	EventID string `json:"eventId"`
}
