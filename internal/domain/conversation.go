package domain

import (
	"strings"
	"time"
)

// GlobalConversationKey scopes memory when the caller has no organization.
const GlobalConversationKey = "global"

type StrategyLevel string

const (
	StrategyIdea      StrategyLevel = "IDEA"
	StrategyPlan      StrategyLevel = "PLAN"
	StrategyExecution StrategyLevel = "EXECUTION"
)

// ValidStrategyLevel reports whether s is one of the enumerated levels.
func ValidStrategyLevel(s string) bool {
	switch StrategyLevel(s) {
	case StrategyIdea, StrategyPlan, StrategyExecution:
		return true
	}
	return false
}

type Lang string

const (
	LangSwahili Lang = "sw"
	LangEnglish Lang = "en"
	LangAuto    Lang = "auto"
)

// ValidLang reports whether s is sw, en or auto.
func ValidLang(s string) bool {
	switch Lang(s) {
	case LangSwahili, LangEnglish, LangAuto:
		return true
	}
	return false
}

// ConversationState is the short-term continuity kept per conversation key.
type ConversationState struct {
	Topic         string        `json:"topic,omitempty"`
	Objective     string        `json:"objective,omitempty"`
	LastPlan      string        `json:"lastPlan,omitempty"`
	StrategyLevel StrategyLevel `json:"strategyLevel,omitempty"`
	Lang          Lang          `json:"lang,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// IsEmpty reports whether no meaningful field is set. UpdatedAt does not count.
func (s *ConversationState) IsEmpty() bool {
	if s == nil {
		return true
	}
	return strings.TrimSpace(s.Topic) == "" &&
		strings.TrimSpace(s.Objective) == "" &&
		strings.TrimSpace(s.LastPlan) == "" &&
		s.StrategyLevel == "" &&
		s.Lang == ""
}

// ConversationKey derives the memory scope from the caller's business context.
func ConversationKey(c BusinessContext) string {
	if id := strings.TrimSpace(c.OrgID); id != "" {
		return id
	}
	return GlobalConversationKey
}
