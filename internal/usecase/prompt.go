package usecase

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"duka-assistant/internal/domain"
	"duka-assistant/internal/parser"
)

const (
	// PackedLimit is the exclusive upper bound, in characters, for sending
	// the packed prompt. Longer prompts are built and logged but not sent.
	PackedLimit = 6000

	promptHistoryTurns = 12
	previewChars       = 400
)

// promptInput carries the caller's mode unchanged; override is the stabilized
// language for a short AUTO message and only affects the language directive.
type promptInput struct {
	message  string
	mode     domain.Mode
	override domain.Mode
	memory   *domain.ConversationState
	context  domain.BusinessContext
	history  []domain.HistoryItem
}

// buildPacked assembles the single prompt string in a fixed block order:
// system, memory, business context, history, user message.
func buildPacked(in promptInput) string {
	blocks := []string{buildSystemBlock(in.mode, in.override)}
	if b := buildMemoryBlock(in.memory); b != "" {
		blocks = append(blocks, b)
	}
	if b := buildContextBlock(in.context); b != "" {
		blocks = append(blocks, b)
	}
	if b := buildHistoryBlock(in.history); b != "" {
		blocks = append(blocks, b)
	}
	blocks = append(blocks, "User message:\n"+in.message)
	return strings.Join(blocks, "\n\n")
}

func buildSystemBlock(mode, override domain.Mode) string {
	return strings.Join([]string{
		"Role:",
		"You are Duka Assistant, a practical business advisor for small shop owners in East Africa.",
		"Give short, concrete advice grounded in the owner's own numbers and situation.",
		"",
		"Language:",
		languageDirective(mode, override),
		"",
		"Output Contract:",
		outputContract(),
	}, "\n")
}

func languageDirective(mode, override domain.Mode) string {
	switch mode {
	case domain.ModeSW:
		return "Reply in Swahili only."
	case domain.ModeEN:
		return "Reply in English only."
	}
	switch override {
	case domain.ModeSW:
		return "The user's message is short. Keep replying in Swahili, the language of this conversation."
	case domain.ModeEN:
		return "The user's message is short. Keep replying in English, the language of this conversation."
	default:
		return "Reply in the language of the user's message (Swahili or English)."
	}
}

func outputContract() string {
	return strings.Join([]string{
		"Write the reply in exactly this layout:",
		parser.ReplyMarker,
		"<reply text for the user>",
		parser.ActionsMarker,
		"<one JSON object, no code fence>",
		"",
		"The JSON object has these keys, all optional:",
		`{"actions":[{"title":"string","steps":["string"],"priority":"LOW|MEDIUM|HIGH","eta":"string"}],` +
			`"nextMove":"string","lang":"sw|en",` +
			`"memory":{"topic":"string","objective":"string","lastPlan":"string","strategyLevel":"IDEA|PLAN|EXECUTION"}}`,
		"Every action needs a title. Use memory only to record what should carry over to the next message.",
	}, "\n")
}

func buildMemoryBlock(mem *domain.ConversationState) string {
	if mem.IsEmpty() {
		return ""
	}
	lines := []string{"Conversation memory (use only if relevant):"}
	lines = appendField(lines, "topic", mem.Topic)
	lines = appendField(lines, "objective", mem.Objective)
	lines = appendField(lines, "last plan", mem.LastPlan)
	lines = appendField(lines, "strategy level", string(mem.StrategyLevel))
	lines = appendField(lines, "language", string(mem.Lang))
	return strings.Join(lines, "\n")
}

func buildContextBlock(c domain.BusinessContext) string {
	lines := []string{"Business context:"}
	lines = appendField(lines, "organization", labelled(c.OrgName, c.OrgID))
	lines = appendField(lines, "store", labelled(c.StoreName, c.StoreID))
	lines = appendField(lines, "role", c.Role)
	lines = appendField(lines, "currency", c.Currency)
	lines = appendField(lines, "timezone", c.Timezone)
	lines = appendField(lines, "country", c.Country)
	if len(lines) == 1 {
		return ""
	}
	return strings.Join(lines, "\n")
}

func buildHistoryBlock(history []domain.HistoryItem) string {
	if len(history) > promptHistoryTurns {
		history = history[len(history)-promptHistoryTurns:]
	}
	lines := make([]string, 0, len(history)+1)
	lines = append(lines, "Recent conversation:")
	for _, h := range history {
		text := strings.TrimSpace(h.Text)
		if text == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", h.Role, text))
	}
	if len(lines) == 1 {
		return ""
	}
	return strings.Join(lines, "\n")
}

func appendField(lines []string, label, v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return lines
	}
	return append(lines, fmt.Sprintf("- %s: %s", label, v))
}

func labelled(name, id string) string {
	switch {
	case name != "" && id != "":
		return fmt.Sprintf("%s (%s)", name, id)
	case name != "":
		return name
	}
	return id
}

// packedFits reports whether packed is short enough to send.
func packedFits(packed string) bool {
	return utf8.RuneCountInString(packed) < PackedLimit
}

func preview(s string) string {
	return clamp(s, previewChars)
}
