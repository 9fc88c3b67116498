// Package patterns provides the embedded default threat recognizers.
// The YAML uses the recognizer registry layout: each recognizer belongs to
// one family, carries a severity, and holds one or more regex patterns.
package patterns

import _ "embed"

//go:embed threats.yaml
var threatsYAML []byte

// ThreatsYAML returns the embedded default threat recognizer definitions.
func ThreatsYAML() []byte { return threatsYAML }
