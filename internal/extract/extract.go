// Package extract cuts dangerous spans out of a flagged entry and replaces
// them with reference tokens.
//
// Overlapping spans merge into one pattern that keeps the highest severity.
// Patterns are numbered PATTERN_001, PATTERN_002, ... in order of their
// start offset, so the same text and verdict always produce the same
// preview. A finding without a span (bidi controls, timeouts) seals the
// whole content as a single pattern.
package extract

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dativo-io/memguard/internal/classifier"
)

// RawPattern is an extracted span before sealing. Text is plaintext and
// must never be persisted as-is.
type RawPattern struct {
	Ref      string
	Text     string
	Family   classifier.Family
	Severity classifier.Severity
	Start    int
	End      int
}

// Result is the sanitized preview and the patterns removed from it.
type Result struct {
	Preview  string
	Patterns []RawPattern
}

// RefToken returns the reference for the n-th pattern (1-based).
func RefToken(n int) string {
	return fmt.Sprintf("PATTERN_%03d", n)
}

// Placeholder returns the text that replaces a pattern in the preview.
func Placeholder(ref string) string {
	return "[" + ref + "]"
}

// Extract builds the sanitized preview of text under verdict v. A nil or
// clean verdict returns text unchanged with no patterns.
func Extract(text string, v *classifier.Verdict) Result {
	if v == nil || v.Clean || len(v.Matches) == 0 {
		return Result{Preview: text}
	}

	if whole, ok := wholeContent(v); ok {
		p := RawPattern{
			Ref:      RefToken(1),
			Text:     text,
			Family:   whole.Family,
			Severity: v.OverallSeverity,
			Start:    0,
			End:      len(text),
		}
		return Result{Preview: Placeholder(p.Ref), Patterns: []RawPattern{p}}
	}

	spans := mergeSpans(text, v.Matches)
	var b strings.Builder
	prev := 0
	for i := range spans {
		spans[i].Ref = RefToken(i + 1)
		b.WriteString(text[prev:spans[i].Start])
		b.WriteString(Placeholder(spans[i].Ref))
		prev = spans[i].End
	}
	b.WriteString(text[prev:])

	return Result{Preview: sweep(b.String(), spans), Patterns: spans}
}

// wholeContent returns the most severe span-less match, if any.
func wholeContent(v *classifier.Verdict) (classifier.Match, bool) {
	var best classifier.Match
	found := false
	for _, m := range v.Matches {
		if m.Span != nil {
			continue
		}
		if !found || m.Severity > best.Severity {
			best = m
			found = true
		}
	}
	return best, found
}

// mergeSpans sorts spans by start and folds overlapping ones together.
func mergeSpans(text string, matches []classifier.Match) []RawPattern {
	var spans []RawPattern
	for _, m := range matches {
		if m.Span == nil || m.Span.Start < 0 || m.Span.End > len(text) || m.Span.Start >= m.Span.End {
			continue
		}
		spans = append(spans, RawPattern{
			Family:   m.Family,
			Severity: m.Severity,
			Start:    m.Span.Start,
			End:      m.Span.End,
		})
	}
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End > spans[j].End
	})

	var merged []RawPattern
	for _, s := range spans {
		if n := len(merged); n > 0 && s.Start < merged[n-1].End {
			last := &merged[n-1]
			if s.End > last.End {
				last.End = s.End
			}
			if s.Severity > last.Severity {
				last.Severity = s.Severity
				last.Family = s.Family
			}
			continue
		}
		merged = append(merged, s)
	}
	for i := range merged {
		merged[i].Text = text[merged[i].Start:merged[i].End]
	}
	return merged
}

// sweep replaces any remaining literal occurrence of an extracted pattern,
// longest first, so no raw span text survives in the preview.
func sweep(preview string, patterns []RawPattern) string {
	order := make([]int, len(patterns))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return len(patterns[order[a]].Text) > len(patterns[order[b]].Text)
	})
	for _, idx := range order {
		p := patterns[idx]
		if p.Text != "" && strings.Contains(preview, p.Text) {
			preview = strings.ReplaceAll(preview, p.Text, Placeholder(p.Ref))
		}
	}
	return preview
}
