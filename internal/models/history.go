package models

// HistoryEntry records one successful generation. Field names match the
// durable representation written by earlier clients.
type HistoryEntry struct {
	ID             int64      `json:"id"`
	Timestamp      string     `json:"timestamp"`
	ImageURL       string     `json:"imageUrl"`
	BaseModel      string     `json:"baseModel"`
	Loras          []LoraSpec `json:"loras"`
	Prompt         string     `json:"prompt"`
	Resolution     string     `json:"resolution"`
	Seed           int        `json:"seed"`
	NegativePrompt string     `json:"negativePrompt"`
}
