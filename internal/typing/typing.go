// Package typing paces the visible reveal of a known final string so a
// non-streamed reply still looks live.
package typing

import (
	"context"
	"math/rand/v2"
	"regexp"
	"time"
	"unicode/utf8"
)

type Unit int

const (
	Words Unit = iota
	Chars
)

const (
	DefaultBase       = 28 * time.Millisecond
	DefaultJitter     = 40 * time.Millisecond
	DefaultPunctPause = 180 * time.Millisecond
	DefaultMaxTotal   = 25 * time.Second
)

// Options controls pacing. Zero values take the package defaults.
type Options struct {
	Unit Unit
	Base time.Duration
	// Jitter is the upper bound of the random extra delay; negative disables it.
	Jitter     time.Duration
	PunctPause time.Duration
	// MaxTotal is the wall-clock ceiling; once reached the full text is
	// emitted and Reveal returns.
	MaxTotal time.Duration

	// Now and Sleep are overridable for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	// RandN returns a value in [0, n). Defaults to math/rand/v2.
	RandN func(n int64) int64
}

func (o Options) withDefaults() Options {
	if o.Base <= 0 {
		o.Base = DefaultBase
	}
	if o.Jitter < 0 {
		o.Jitter = 0
	} else if o.Jitter == 0 {
		o.Jitter = DefaultJitter
	}
	if o.PunctPause <= 0 {
		o.PunctPause = DefaultPunctPause
	}
	if o.MaxTotal <= 0 {
		o.MaxTotal = DefaultMaxTotal
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = sleep
	}
	if o.RandN == nil {
		o.RandN = rand.Int64N
	}
	return o
}

var wordToken = regexp.MustCompile(`\s*\S+`)

// Tokenize splits text into reveal units. Concatenating the tokens yields the
// original text.
func Tokenize(text string, unit Unit) []string {
	if text == "" {
		return nil
	}
	if unit == Chars {
		out := make([]string, 0, len(text))
		for len(text) > 0 {
			_, size := utf8.DecodeRuneInString(text)
			out = append(out, text[:size])
			text = text[size:]
		}
		return out
	}
	locs := wordToken.FindAllStringIndex(text, -1)
	out := make([]string, 0, len(locs)+1)
	prev := 0
	for _, loc := range locs {
		out = append(out, text[prev:loc[1]])
		prev = loc[1]
	}
	if prev < len(text) {
		// trailing whitespace rides on the last token
		if len(out) == 0 {
			return []string{text}
		}
		out[len(out)-1] += text[prev:]
	}
	return out
}

// Reveal emits growing prefixes of final to onUpdate, pausing between tokens.
// The last call to onUpdate always carries final unless ctx is cancelled, in
// which case ctx.Err() is returned.
func Reveal(ctx context.Context, final string, onUpdate func(string), opts Options) error {
	opts = opts.withDefaults()
	tokens := Tokenize(final, opts.Unit)
	if len(tokens) == 0 {
		onUpdate(final)
		return nil
	}

	deadline := opts.Now().Add(opts.MaxTotal)
	shown := 0
	for i, tok := range tokens {
		if err := ctx.Err(); err != nil {
			return err
		}
		shown += len(tok)
		onUpdate(final[:shown])
		if i == len(tokens)-1 {
			return nil
		}

		delay := opts.Base
		if opts.Jitter > 0 {
			delay += time.Duration(opts.RandN(int64(opts.Jitter) + 1))
		}
		if endsWithPause(tok) {
			delay += opts.PunctPause
		}
		if !opts.Now().Add(delay).Before(deadline) {
			onUpdate(final)
			return nil
		}
		if err := opts.Sleep(ctx, delay); err != nil {
			return err
		}
	}
	return nil
}

func endsWithPause(tok string) bool {
	for i := len(tok) - 1; i >= 0; i-- {
		switch tok[i] {
		case ' ', '\t', '\n', '\r':
			continue
		case '.', '!', '?', ',', ';', ':':
			return true
		}
		return false
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
