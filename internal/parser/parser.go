// Package parser reduces raw model output into a typed AiMeta. It never fails:
// malformed or partial output degrades to the most conservative valid result.
package parser

import (
	"encoding/json"
	"strings"
	"time"

	"duka-assistant/internal/domain"
)

const (
	ReplyMarker   = "<<<REPLY_MARKER>>>"
	ActionsMarker = "<<<ACTIONS_MARKER>>>"
)

// Rejection records why an element of the actions array was dropped.
type Rejection struct {
	Index  int
	Reason string
}

// Result is the detailed outcome of a parse.
type Result struct {
	Meta     domain.AiMeta
	Rejected []Rejection
	// Structured is false when the marker pair was not found in order.
	Structured bool
	// PayloadValid is false when the JSON block could not be decoded.
	PayloadValid bool
}

type payload struct {
	Lang     any `json:"lang"`
	NextMove any `json:"nextMove"`
	Actions  any `json:"actions"`
	Memory   any `json:"memory"`
}

// Parse returns the best-effort AiMeta for raw.
func Parse(raw string) domain.AiMeta {
	return ParseDetailed(raw, time.Now()).Meta
}

// ParseDetailed is Parse with the validation trail exposed. now stamps any
// memory block; timestamps in the payload are ignored.
func ParseDetailed(raw string, now time.Time) Result {
	reply, jsonBlock, ok := split(raw)
	if !ok {
		return Result{Meta: domain.AiMeta{Text: raw, Actions: []domain.ActionItem{}, Lang: domain.LangAuto}}
	}

	res := Result{
		Meta:       domain.AiMeta{Text: reply, Actions: []domain.ActionItem{}},
		Structured: true,
	}

	var p payload
	if err := json.Unmarshal([]byte(stripFence(jsonBlock)), &p); err != nil {
		return res
	}
	res.PayloadValid = true

	res.Meta.Lang = domain.LangAuto
	if s, ok := p.Lang.(string); ok && domain.ValidLang(strings.TrimSpace(s)) {
		res.Meta.Lang = domain.Lang(strings.TrimSpace(s))
	}
	if s, ok := p.NextMove.(string); ok {
		res.Meta.NextMove = strings.TrimSpace(s)
	}

	if items, ok := p.Actions.([]any); ok {
		for i, el := range items {
			v := ValidateAction(el)
			if !v.Valid {
				res.Rejected = append(res.Rejected, Rejection{Index: i, Reason: v.Reason})
				continue
			}
			res.Meta.Actions = append(res.Meta.Actions, v.Item)
		}
	}

	if m, ok := p.Memory.(map[string]any); ok {
		res.Meta.Memory = ValidateMemory(m, now)
	}
	return res
}

// split locates the marker pair in order and returns the trimmed reply and the
// text after the second marker.
func split(raw string) (reply, rest string, ok bool) {
	start := strings.Index(raw, ReplyMarker)
	if start < 0 {
		return "", "", false
	}
	afterStart := start + len(ReplyMarker)
	end := strings.Index(raw[afterStart:], ActionsMarker)
	if end < 0 {
		return "", "", false
	}
	end += afterStart
	return strings.TrimSpace(raw[afterStart:end]), raw[end+len(ActionsMarker):], true
}

// stripFence removes a surrounding ```json fence some models add.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// ReplyPortion extracts the user-visible reply from a possibly incomplete
// stream buffer: everything before the first marker appears, then the text
// between the markers. A trailing partial marker is held back.
func ReplyPortion(buf string) string {
	start := strings.Index(buf, ReplyMarker)
	if start < 0 {
		return strings.TrimSpace(trimPartialMarker(buf, ReplyMarker))
	}
	body := buf[start+len(ReplyMarker):]
	if end := strings.Index(body, ActionsMarker); end >= 0 {
		return strings.TrimSpace(body[:end])
	}
	return strings.TrimSpace(trimPartialMarker(body, ActionsMarker))
}

func trimPartialMarker(s, marker string) string {
	for n := len(marker) - 1; n > 0; n-- {
		if strings.HasSuffix(s, marker[:n]) {
			return s[:len(s)-n]
		}
	}
	return s
}
