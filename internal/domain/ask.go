package domain

type Mode string

const (
	ModeAuto Mode = "AUTO"
	ModeSW   Mode = "SW"
	ModeEN   Mode = "EN"
)

// NormalizeMode maps unknown or empty values to ModeAuto.
func NormalizeMode(m Mode) Mode {
	switch m {
	case ModeSW, ModeEN:
		return m
	}
	return ModeAuto
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// HistoryItem is one prior turn, most-recent-last in AskOpts.History.
type HistoryItem struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// BusinessContext is optional metadata about who is asking.
type BusinessContext struct {
	OrgID     string `json:"orgId,omitempty"`
	OrgName   string `json:"orgName,omitempty"`
	StoreID   string `json:"storeId,omitempty"`
	StoreName string `json:"storeName,omitempty"`
	Role      string `json:"role,omitempty"`
	Currency  string `json:"currency,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
	Country   string `json:"country,omitempty"`
}

// AskOpts is the caller-supplied request shape.
type AskOpts struct {
	Mode          Mode            `json:"mode"`
	History       []HistoryItem   `json:"history,omitempty"`
	Context       BusinessContext `json:"context"`
	TaskAutosave  bool            `json:"taskAutosave,omitempty"`
	ModelHint     string          `json:"modelHint,omitempty"`
	ReasoningTier string          `json:"reasoningTier,omitempty"`
}
