package classifier

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/dativo-io/memguard/internal/matcher"
)

// RecognizerFile is the top-level YAML structure for a threat pattern file.
type RecognizerFile struct {
	Version     int                `yaml:"version" json:"version"`
	Recognizers []RecognizerConfig `yaml:"recognizers" json:"recognizers"`
}

// RecognizerConfig describes one named recognizer. Name is the merge key
// across layers.
type RecognizerConfig struct {
	Name     string          `yaml:"name" json:"name"`
	Family   string          `yaml:"family" json:"family"`
	Severity string          `yaml:"severity" json:"severity"`
	Enabled  *bool           `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Patterns []PatternConfig `yaml:"patterns,omitempty" json:"patterns,omitempty"`
}

// PatternConfig is a single regex within a recognizer.
type PatternConfig struct {
	Name  string `yaml:"name" json:"name"`
	Regex string `yaml:"regex" json:"regex"`
}

func (r *RecognizerConfig) isEnabled() bool {
	if r.Enabled == nil {
		return true
	}
	return *r.Enabled
}

// Rule is a compiled recognizer pattern ready to run.
type Rule struct {
	Family   Family
	Name     string
	Severity Severity
	Pattern  *matcher.Pattern
}

// ID is the stable identifier used in timeout events: family/recognizer/pattern.
func (r Rule) ID() string { return r.Pattern.ID }

// ParseRecognizerFile validates data against the pattern file schema and
// parses it.
func ParseRecognizerFile(data []byte) (*RecognizerFile, error) {
	if err := ValidateRecognizerSchema(data); err != nil {
		return nil, err
	}
	var rf RecognizerFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing recognizer YAML: %w", err)
	}
	return &rf, nil
}

// LoadRecognizerFile reads and parses a pattern file from disk.
// Returns nil (not an error) if the file does not exist.
func LoadRecognizerFile(path string) (*RecognizerFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading recognizer file %s: %w", path, err)
	}
	return ParseRecognizerFile(data)
}

// MergeRecognizers merges layers in order. Later layers override earlier
// ones by Name; new recognizers are appended.
func MergeRecognizers(layers ...[]RecognizerConfig) []RecognizerConfig {
	index := make(map[string]int)
	var merged []RecognizerConfig

	for _, layer := range layers {
		for _, rc := range layer {
			if idx, exists := index[rc.Name]; exists {
				merged[idx] = rc
			} else {
				index[rc.Name] = len(merged)
				merged = append(merged, rc)
			}
		}
	}
	return merged
}

// CompileRules turns recognizer configs into rules ordered by family.
// Every regex passes the matcher complexity check; the first rejection is
// returned as a *matcher.ConfigurationError and nothing is compiled.
func CompileRules(recognizers []RecognizerConfig) ([]Rule, error) {
	var rules []Rule
	for _, rec := range recognizers {
		if !rec.isEnabled() {
			continue
		}
		sev, err := ParseSeverity(rec.Severity)
		if err != nil || sev == SeverityNone {
			return nil, &matcher.ConfigurationError{
				PatternID: rec.Name,
				Err:       fmt.Errorf("invalid severity %q", rec.Severity),
			}
		}
		for _, p := range rec.Patterns {
			id := fmt.Sprintf("%s/%s/%s", rec.Family, rec.Name, p.Name)
			compiled, err := matcher.Compile(id, p.Regex)
			if err != nil {
				return nil, err
			}
			rules = append(rules, Rule{
				Family:   Family(rec.Family),
				Name:     rec.Name,
				Severity: sev,
				Pattern:  compiled,
			})
		}
	}
	sortByFamily(rules)
	return rules, nil
}

func sortByFamily(rules []Rule) {
	rank := make(map[Family]int, len(familyOrder))
	for i, f := range familyOrder {
		rank[f] = i
	}
	key := func(f Family) int {
		if r, ok := rank[f]; ok {
			return r
		}
		return len(familyOrder)
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return key(rules[i].Family) < key(rules[j].Family)
	})
}
