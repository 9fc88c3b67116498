package matcher

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPattern is returned when an expression does not parse.
	ErrInvalidPattern = errors.New("pattern does not compile")
	// ErrNestedQuantifier marks a repeated group that itself contains an
	// unbounded quantifier, e.g. (a+)+.
	ErrNestedQuantifier = errors.New("nested unbounded quantifier")
	// ErrOverlappingAlternation marks an alternation whose branches can start
	// with the same character (or match empty) inside an unbounded repeat.
	ErrOverlappingAlternation = errors.New("overlapping alternation under unbounded quantifier")
	// ErrLargeRepetition marks a counted repetition at or above MaxRepeatCount.
	ErrLargeRepetition = errors.New("repetition count too large")
	// ErrPatternTooLong marks an expression longer than MaxPatternLength.
	ErrPatternTooLong = errors.New("pattern too long")
)

// ConfigurationError rejects a pattern at registration time. It is fatal:
// callers must refuse to start with the offending pattern set.
type ConfigurationError struct {
	PatternID string
	Expr      string
	Err       error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("pattern %q rejected: %v", e.PatternID, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
