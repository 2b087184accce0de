package parser

import (
	"strings"
	"time"

	"duka-assistant/internal/domain"
)

// ActionVerdict is the tagged outcome of validating one actions element:
// either Valid with Item set, or rejected with Reason.
type ActionVerdict struct {
	Valid  bool
	Item   domain.ActionItem
	Reason string
}

func rejected(reason string) ActionVerdict {
	return ActionVerdict{Reason: reason}
}

// ValidateAction checks one decoded JSON value against the ActionItem schema.
// Optional fields that fail validation are dropped; a missing title rejects
// the whole element.
func ValidateAction(v any) ActionVerdict {
	obj, ok := v.(map[string]any)
	if !ok {
		return rejected("not_an_object")
	}
	rawTitle, ok := obj["title"].(string)
	if !ok {
		return rejected("missing_title")
	}
	title := strings.TrimSpace(rawTitle)
	if title == "" {
		return rejected("empty_title")
	}

	item := domain.ActionItem{Title: title}
	if steps, ok := obj["steps"].([]any); ok {
		for _, s := range steps {
			str, ok := s.(string)
			if !ok {
				continue
			}
			if str = strings.TrimSpace(str); str != "" {
				item.Steps = append(item.Steps, str)
			}
		}
	}
	if p, ok := obj["priority"].(string); ok && domain.ValidPriority(p) {
		item.Priority = domain.Priority(p)
	}
	if eta, ok := obj["eta"].(string); ok {
		item.ETA = strings.TrimSpace(eta)
	}
	return ActionVerdict{Valid: true, Item: item}
}

// ValidateMemory keeps only well-typed memory fields and stamps now. It
// returns nil when nothing meaningful survives.
func ValidateMemory(obj map[string]any, now time.Time) *domain.ConversationState {
	st := &domain.ConversationState{
		Topic:     stringField(obj, "topic"),
		Objective: stringField(obj, "objective"),
		LastPlan:  stringField(obj, "lastPlan"),
		UpdatedAt: now,
	}
	if lvl := stringField(obj, "strategyLevel"); domain.ValidStrategyLevel(lvl) {
		st.StrategyLevel = domain.StrategyLevel(lvl)
	}
	// auto names no language and must not displace a remembered one
	if lang := domain.Lang(stringField(obj, "lang")); lang == domain.LangSwahili || lang == domain.LangEnglish {
		st.Lang = lang
	}
	if st.IsEmpty() {
		return nil
	}
	return st
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return strings.TrimSpace(s)
}
