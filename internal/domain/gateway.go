package domain

// ChatRequest is the body sent to both gateway endpoints.
type ChatRequest struct {
	Text          string          `json:"text"`
	Mode          Mode            `json:"mode"`
	Context       BusinessContext `json:"context"`
	History       []HistoryItem   `json:"history"`
	Packed        string          `json:"packed,omitempty"`
	ModelHint     string          `json:"modelHint,omitempty"`
	ReasoningTier string          `json:"reasoningTier,omitempty"`
}

// ChatReply is the decoded success body of the synchronous endpoint.
type ChatReply struct {
	Reply     string
	RequestID string
}

// TaskRequest is one accepted action item forwarded to the task collaborator.
type TaskRequest struct {
	Title    string   `json:"title"`
	Steps    []string `json:"steps"`
	Priority Priority `json:"priority,omitempty"`
	ETA      string   `json:"eta,omitempty"`
	OrgID    string   `json:"orgId,omitempty"`
	StoreID  string   `json:"storeId,omitempty"`
}
