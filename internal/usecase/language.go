package usecase

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"duka-assistant/internal/domain"
)

const (
	shortMessageChars  = 26
	shortMessageTokens = 3
	minHistoryTurnLen  = 6
	minLexicalHits     = 2
)

// Function words that rarely appear in the other language.
var swahiliWords = wordSet(
	"na", "ya", "wa", "za", "kwa", "ni", "si", "la", "cha", "vya", "katika",
	"hii", "hiyo", "huu", "ile", "yangu", "wangu", "yako", "sana", "pia",
	"lakini", "au", "kama", "nini", "gani", "je", "bado", "tu", "kuna",
	"nataka", "naomba", "habari", "asante", "ndiyo", "hapana", "leo", "kesho",
	"duka", "bei", "mauzo", "faida", "hela", "pesa", "sasa", "vipi", "mimi",
)

var englishWords = wordSet(
	"the", "and", "is", "are", "was", "of", "to", "in", "for", "with", "my",
	"your", "this", "that", "what", "how", "can", "should", "do", "does",
	"i", "we", "you", "it", "on", "be", "have", "please", "thanks", "today",
	"tomorrow", "sales", "price", "profit", "shop", "store", "want", "need",
)

func wordSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// isShortMessage reports whether msg is too short to carry a reliable
// language signal of its own.
func isShortMessage(msg string) bool {
	msg = strings.TrimSpace(msg)
	return utf8.RuneCountInString(msg) <= shortMessageChars || len(strings.Fields(msg)) <= shortMessageTokens
}

// classifyLang counts function-word hits. It returns "" when neither list
// reaches the threshold.
func classifyLang(text string) domain.Lang {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	var sw, en int
	for _, w := range words {
		if _, ok := swahiliWords[w]; ok {
			sw++
		}
		if _, ok := englishWords[w]; ok {
			en++
		}
	}
	switch {
	case sw >= minLexicalHits && sw >= en:
		return domain.LangSwahili
	case en >= minLexicalHits:
		return domain.LangEnglish
	}
	return ""
}

// stabilizeMode pins the reply language for short AUTO messages so a terse
// "ok" or "sawa" does not flip the conversation language. Explicit SW/EN is
// never overridden.
func stabilizeMode(mode domain.Mode, msg string, history []domain.HistoryItem, mem *domain.ConversationState) domain.Mode {
	if mode != domain.ModeAuto || !isShortMessage(msg) {
		return mode
	}
	if mem != nil {
		if m, ok := modeForLang(mem.Lang); ok {
			return m
		}
	}
	for i := len(history) - 1; i >= 0; i-- {
		h := history[i]
		if h.Role != domain.RoleUser || utf8.RuneCountInString(strings.TrimSpace(h.Text)) < minHistoryTurnLen {
			continue
		}
		if m, ok := modeForLang(classifyLang(h.Text)); ok {
			return m
		}
	}
	return mode
}

func modeForLang(l domain.Lang) (domain.Mode, bool) {
	switch l {
	case domain.LangSwahili:
		return domain.ModeSW, true
	case domain.LangEnglish:
		return domain.ModeEN, true
	}
	return "", false
}
