package domain

// Fact is a unit of long-term recall returned by a memory store.
type Fact struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Score    *float64          `json:"score,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MemoryQuery searches an owner's facts. An empty ThreadID means the global scope.
type MemoryQuery struct {
	Owner    string
	ThreadID string
	Query    string
	TopK     int
}

// MemoryRecord is a user utterance to remember. An empty ThreadID stores it globally.
type MemoryRecord struct {
	Owner    string
	ThreadID string
	Text     string
}
