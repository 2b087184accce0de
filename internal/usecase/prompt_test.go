package usecase

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"duka-assistant/internal/domain"
	"duka-assistant/internal/parser"
)

func TestBuildPacked_BlockOrder(t *testing.T) {
	packed := buildPacked(promptInput{
		message: "Nisaidie na bei",
		mode:    domain.ModeSW,
		memory:  &domain.ConversationState{Topic: "bei", StrategyLevel: domain.StrategyIdea},
		context: domain.BusinessContext{OrgID: "org-1", OrgName: "Mama Duka", Currency: "TZS"},
		history: []domain.HistoryItem{{Role: domain.RoleUser, Text: "habari"}, {Role: domain.RoleAssistant, Text: "salama"}},
	})

	order := []string{
		"Reply in Swahili only.",
		parser.ReplyMarker,
		"Conversation memory (use only if relevant):",
		"- topic: bei",
		"Business context:",
		"- organization: Mama Duka (org-1)",
		"- currency: TZS",
		"Recent conversation:\nuser: habari\nassistant: salama",
		"User message:\nNisaidie na bei",
	}
	pos := -1
	for _, want := range order {
		i := strings.Index(packed, want)
		require.Greater(t, i, pos, "%q out of order", want)
		pos = i
	}
}

func TestBuildPacked_OmitsEmptyBlocks(t *testing.T) {
	packed := buildPacked(promptInput{message: "hi", mode: domain.ModeAuto})
	require.NotContains(t, packed, "Conversation memory")
	require.NotContains(t, packed, "Business context:")
	require.NotContains(t, packed, "Recent conversation:")
	require.Contains(t, packed, "language of the user's message")
}

func TestLanguageDirective(t *testing.T) {
	cases := []struct {
		name     string
		mode     domain.Mode
		override domain.Mode
		want     string
	}{
		{"explicit swahili", domain.ModeSW, "", "Reply in Swahili only."},
		{"explicit english ignores override", domain.ModeEN, domain.ModeSW, "Reply in English only."},
		{"auto stabilized to swahili", domain.ModeAuto, domain.ModeSW, "Keep replying in Swahili"},
		{"auto stabilized to english", domain.ModeAuto, domain.ModeEN, "Keep replying in English"},
		{"auto without override", domain.ModeAuto, "", "language of the user's message"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Contains(t, languageDirective(tc.mode, tc.override), tc.want)
		})
	}
	require.NotEqual(t, languageDirective(domain.ModeSW, ""), languageDirective(domain.ModeAuto, domain.ModeSW))
}

func TestBuildHistoryBlock_LastTwelveTurns(t *testing.T) {
	var history []domain.HistoryItem
	for i := 0; i < 15; i++ {
		history = append(history, domain.HistoryItem{Role: domain.RoleUser, Text: string(rune('a' + i))})
	}
	block := buildHistoryBlock(history)
	require.Equal(t, 13, strings.Count(block, "\n")+1)
	require.NotContains(t, block, "user: c\n")
	require.Contains(t, block, "user: d\n")
}

func TestPackedFits(t *testing.T) {
	require.True(t, packedFits(strings.Repeat("x", PackedLimit-1)))
	require.False(t, packedFits(strings.Repeat("x", PackedLimit)))
}
