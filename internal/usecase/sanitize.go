package usecase

import (
	"strings"
	"unicode/utf8"

	"duka-assistant/internal/domain"
)

const (
	MaxMessageChars = 12000

	maxHistoryItems = 10
	maxHistoryChars = 800

	maxIDChars       = 128
	maxNameChars     = 1200
	maxRoleChars     = 64
	maxCurrencyChars = 32
	maxTimezoneChars = 64
	maxCountryChars  = 64

	reasonEmpty   = "empty_message"
	reasonTooLong = "message_too_long"
)

// validateMessage trims msg and enforces the length ceiling, counted in
// characters rather than bytes.
func validateMessage(msg string) (string, error) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "", newError(ErrorInvalidInput, reasonEmpty, nil)
	}
	if utf8.RuneCountInString(msg) > MaxMessageChars {
		return "", newError(ErrorInvalidInput, reasonTooLong, nil)
	}
	return msg, nil
}

// sanitizeHistory keeps the most recent non-empty turns, each clamped.
// Unknown roles are treated as user turns.
func sanitizeHistory(in []domain.HistoryItem) []domain.HistoryItem {
	out := make([]domain.HistoryItem, 0, min(len(in), maxHistoryItems))
	for _, h := range in {
		text := strings.TrimSpace(h.Text)
		if text == "" {
			continue
		}
		role := h.Role
		if role != domain.RoleAssistant {
			role = domain.RoleUser
		}
		out = append(out, domain.HistoryItem{Role: role, Text: clamp(text, maxHistoryChars)})
	}
	if len(out) > maxHistoryItems {
		out = out[len(out)-maxHistoryItems:]
	}
	return out
}

func clampContext(c domain.BusinessContext) domain.BusinessContext {
	return domain.BusinessContext{
		OrgID:     clamp(c.OrgID, maxIDChars),
		OrgName:   clamp(c.OrgName, maxNameChars),
		StoreID:   clamp(c.StoreID, maxIDChars),
		StoreName: clamp(c.StoreName, maxNameChars),
		Role:      clamp(c.Role, maxRoleChars),
		Currency:  clamp(c.Currency, maxCurrencyChars),
		Timezone:  clamp(c.Timezone, maxTimezoneChars),
		Country:   clamp(c.Country, maxCountryChars),
	}
}

// clamp trims s and cuts it to at most n characters.
func clamp(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return strings.TrimSpace(s[:pos])
		}
		i++
	}
	return s
}
