package domain

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// ValidPriority reports whether s is exactly LOW, MEDIUM or HIGH.
func ValidPriority(s string) bool {
	switch Priority(s) {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// ActionItem is a single actionable suggestion. Title is always non-empty.
type ActionItem struct {
	Title    string   `json:"title"`
	Steps    []string `json:"steps,omitempty"`
	Priority Priority `json:"priority,omitempty"`
	ETA      string   `json:"eta,omitempty"`
}

// AiMeta is the typed result of one exchange. Memory, when set, is the delta
// the memory store should absorb.
type AiMeta struct {
	Text     string             `json:"text"`
	Actions  []ActionItem       `json:"actions"`
	NextMove string             `json:"nextMove,omitempty"`
	Lang     Lang               `json:"lang,omitempty"`
	Memory   *ConversationState `json:"memory,omitempty"`
}
