package matcher

import (
	"fmt"
	"regexp/syntax"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxRepeatCount is the first counted repetition bound that is rejected.
	MaxRepeatCount = 100
	// MaxPatternLength bounds the source length of a single expression.
	MaxPatternLength = 4096
)

// CheckComplexity statically inspects expr for shapes that are known to
// explode on backtracking engines. Patterns are shared across deployments,
// so a shape that is only slow elsewhere is still rejected here.
func CheckComplexity(expr string) error {
	if len(expr) > MaxPatternLength {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrPatternTooLong, len(expr), MaxPatternLength)
	}
	re, err := syntax.Parse(expr, syntax.Perl)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	if err := checkNode(re); err != nil {
		return err
	}
	return checkQuantifiedGroups(expr)
}

func checkNode(re *syntax.Regexp) error {
	if re.Op == syntax.OpRepeat && (re.Min >= MaxRepeatCount || re.Max >= MaxRepeatCount) {
		return fmt.Errorf("%w: {%d,%d} in %s", ErrLargeRepetition, re.Min, re.Max, re)
	}
	if repeatsMany(re) {
		sub := re.Sub[0]
		if containsUnbounded(sub) {
			return fmt.Errorf("%w: %s", ErrNestedQuantifier, re)
		}
		if isUnbounded(re) {
			if alt := overlappingAlternation(sub); alt != nil {
				return fmt.Errorf("%w: %s", ErrOverlappingAlternation, alt)
			}
		}
	}
	for _, sub := range re.Sub {
		if err := checkNode(sub); err != nil {
			return err
		}
	}
	return nil
}

// repeatsMany reports whether re applies its operand more than once.
func repeatsMany(re *syntax.Regexp) bool {
	switch re.Op {
	case syntax.OpStar, syntax.OpPlus:
		return true
	case syntax.OpRepeat:
		return re.Max == -1 || re.Max > 1
	}
	return false
}

func isUnbounded(re *syntax.Regexp) bool {
	switch re.Op {
	case syntax.OpStar, syntax.OpPlus:
		return true
	case syntax.OpRepeat:
		return re.Max == -1
	}
	return false
}

func containsUnbounded(re *syntax.Regexp) bool {
	if isUnbounded(re) {
		return true
	}
	for _, sub := range re.Sub {
		if containsUnbounded(sub) {
			return true
		}
	}
	return false
}

// overlappingAlternation returns the first alternation under re whose
// branches are ambiguous: two branches share a leading character or a
// branch can match the empty string.
func overlappingAlternation(re *syntax.Regexp) *syntax.Regexp {
	if re.Op == syntax.OpAlternate {
		sets := make([]firstSet, len(re.Sub))
		for i, sub := range re.Sub {
			sets[i] = first(sub)
			if sets[i].nullable {
				return re
			}
		}
		for i := range sets {
			for j := i + 1; j < len(sets); j++ {
				if sets[i].intersects(sets[j]) {
					return re
				}
			}
		}
	}
	for _, sub := range re.Sub {
		if alt := overlappingAlternation(sub); alt != nil {
			return alt
		}
	}
	return nil
}

// firstSet is the set of runes a node can start with, as sorted inclusive
// ranges in the syntax package's [lo, hi, lo, hi, ...] layout.
type firstSet struct {
	ranges   []rune
	nullable bool
}

func (f firstSet) intersects(o firstSet) bool {
	for i := 0; i+1 < len(f.ranges); i += 2 {
		for j := 0; j+1 < len(o.ranges); j += 2 {
			if f.ranges[i] <= o.ranges[j+1] && o.ranges[j] <= f.ranges[i+1] {
				return true
			}
		}
	}
	return false
}

func (f *firstSet) add(lo, hi rune) { f.ranges = append(f.ranges, lo, hi) }

func (f *firstSet) union(o firstSet) { f.ranges = append(f.ranges, o.ranges...) }

func first(re *syntax.Regexp) firstSet {
	var fs firstSet
	switch re.Op {
	case syntax.OpLiteral:
		if len(re.Rune) == 0 {
			fs.nullable = true
			return fs
		}
		r := re.Rune[0]
		fs.add(r, r)
		if re.Flags&syntax.FoldCase != 0 {
			for f := unicode.SimpleFold(r); f != r; f = unicode.SimpleFold(f) {
				fs.add(f, f)
			}
		}
	case syntax.OpCharClass:
		fs.ranges = append(fs.ranges, re.Rune...)
	case syntax.OpAnyChar, syntax.OpAnyCharNotNL:
		fs.add(0, utf8.MaxRune)
	case syntax.OpCapture:
		return first(re.Sub[0])
	case syntax.OpStar, syntax.OpQuest:
		fs = first(re.Sub[0])
		fs.nullable = true
	case syntax.OpPlus:
		return first(re.Sub[0])
	case syntax.OpRepeat:
		fs = first(re.Sub[0])
		if re.Min == 0 {
			fs.nullable = true
		}
	case syntax.OpConcat:
		fs.nullable = true
		for _, sub := range re.Sub {
			s := first(sub)
			fs.union(s)
			if !s.nullable {
				fs.nullable = false
				break
			}
		}
	case syntax.OpAlternate:
		for _, sub := range re.Sub {
			s := first(sub)
			fs.union(s)
			if s.nullable {
				fs.nullable = true
			}
		}
	default:
		// Empty matches and zero-width assertions consume nothing.
		fs.nullable = true
	}
	return fs
}

// group is a parenthesized span of the source expression. body excludes the
// opening prefix and the closing paren; bars are top-level '|' offsets.
type group struct {
	flags string
	body  int
	bars  []int
}

// checkQuantifiedGroups re-checks alternations on the source text. The parser
// factors alternations before checkNode sees them (a|a becomes a, \w|\d becomes
// one class), so each branch of an unboundedly repeated group is parsed on its
// own and compared.
func checkQuantifiedGroups(expr string) error {
	var stack []*group
	inline := ""
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '\\':
			i++
		case '[':
			i = skipClass(expr, i)
		case '(':
			g := &group{body: i + 1}
			if strings.HasPrefix(expr[i:], "(?") {
				end := strings.IndexAny(expr[i+2:], ":)>")
				if end >= 0 {
					switch expr[i+2+end] {
					case ')':
						// Inline flags such as (?i) open no scope.
						inline += expr[i : i+3+end]
						i += 2 + end
						continue
					case ':':
						g.flags = expr[i+2 : i+2+end]
					}
					g.body = i + 3 + end
				}
			}
			stack = append(stack, g)
		case '|':
			if n := len(stack); n > 0 {
				stack[n-1].bars = append(stack[n-1].bars, i)
			}
		case ')':
			n := len(stack)
			if n == 0 {
				continue
			}
			g := stack[n-1]
			stack = stack[:n-1]
			if len(g.bars) == 0 || !unboundedSuffix(expr[i+1:]) {
				continue
			}
			if err := checkBranches(expr, inline, g, i); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkBranches(expr, inline string, g *group, end int) error {
	prefix := inline
	if g.flags != "" {
		prefix += "(?" + g.flags + ")"
	}
	bounds := append([]int{g.body - 1}, g.bars...)
	bounds = append(bounds, end)
	sets := make([]firstSet, 0, len(bounds)-1)
	for k := 0; k+1 < len(bounds); k++ {
		branch := expr[bounds[k]+1 : bounds[k+1]]
		re, err := syntax.Parse(prefix+branch, syntax.Perl)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
		}
		fs := first(re)
		if fs.nullable {
			return fmt.Errorf("%w: %s", ErrOverlappingAlternation, expr[g.body:end])
		}
		for _, prev := range sets {
			if prev.intersects(fs) {
				return fmt.Errorf("%w: %s", ErrOverlappingAlternation, expr[g.body:end])
			}
		}
		sets = append(sets, fs)
	}
	return nil
}

// unboundedSuffix reports whether rest starts with *, + or {n,}.
func unboundedSuffix(rest string) bool {
	if rest == "" {
		return false
	}
	switch rest[0] {
	case '*', '+':
		return true
	case '{':
		end := strings.IndexByte(rest, '}')
		return end > 0 && strings.HasSuffix(rest[:end], ",")
	}
	return false
}

// skipClass returns the offset of the ']' closing the class opened at i.
func skipClass(expr string, i int) int {
	j := i + 1
	if j < len(expr) && expr[j] == '^' {
		j++
	}
	if j < len(expr) && expr[j] == ']' {
		j++
	}
	for ; j < len(expr); j++ {
		switch {
		case expr[j] == '\\':
			j++
		case strings.HasPrefix(expr[j:], "[:"):
			if end := strings.Index(expr[j+2:], ":]"); end >= 0 {
				j += end + 3
			}
		case expr[j] == ']':
			return j
		}
	}
	return len(expr)
}
