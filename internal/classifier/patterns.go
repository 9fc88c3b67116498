package classifier

import (
	"fmt"

	"github.com/dativo-io/memguard/patterns"
)

// DefaultRecognizers returns the built-in recognizers parsed from the
// embedded threats.yaml. This is the first layer in the merge chain.
func DefaultRecognizers() ([]RecognizerConfig, error) {
	rf, err := ParseRecognizerFile(patterns.ThreatsYAML())
	if err != nil {
		return nil, fmt.Errorf("parsing embedded threat patterns: %w", err)
	}
	return rf.Recognizers, nil
}

// DefaultRules is the compiled default rule set. The embedded patterns are
// part of the binary, so a rejection here is a build defect.
var DefaultRules []Rule

func init() {
	recs, err := DefaultRecognizers()
	if err != nil {
		panic(fmt.Sprintf("loading embedded threat patterns: %v", err))
	}
	rules, err := CompileRules(recs)
	if err != nil {
		panic(fmt.Sprintf("compiling embedded threat patterns: %v", err))
	}
	DefaultRules = rules
}

// LoadRules merges the operator pattern file at path (if any) over the
// defaults and compiles the result. A missing file yields the defaults.
func LoadRules(path string) ([]Rule, error) {
	if path == "" {
		return DefaultRules, nil
	}
	rf, err := LoadRecognizerFile(path)
	if err != nil {
		return nil, err
	}
	if rf == nil {
		return DefaultRules, nil
	}
	defaults, err := DefaultRecognizers()
	if err != nil {
		return nil, err
	}
	return CompileRules(MergeRecognizers(defaults, rf.Recognizers))
}
