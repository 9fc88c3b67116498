package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/memguard/internal/memory"
	"github.com/dativo-io/memguard/internal/testutil"
)

// runCLI executes the root command with args and returns stdout. Flag
// globals are reset first because cobra keeps them across executions.
func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	scanJSON = false
	doctorJSON = false
	entriesMemory = ""
	entriesTrust = string(memory.TrustFlagged)
	entriesLimit = 20
	decryptActor = ""
	patternsFile = ""
	auditEntry = ""
	auditOutcome = ""
	auditSince = 0
	auditLimit = 20

	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// isolateConfig points every config key the CLI reads at a fresh data dir.
func isolateConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("MEMGUARD_DATA_DIR", dir)
	t.Setenv("MEMGUARD_PATTERN_SECRET", testutil.TestPatternSecret)
	t.Setenv("MEMGUARD_SIGNING_KEY", testutil.TestSigningKey)
	t.Setenv("MEMGUARD_PATTERN_FILE", "")
	t.Setenv("MEMGUARD_ADMIN_KEY", "")
	return dir
}

func TestRootCommand_HasExpectedSubcommands(t *testing.T) {
	expected := []string{
		"version",
		"serve",
		"scan",
		"patterns",
		"entries",
		"validate",
		"decrypt",
		"audit",
		"config",
		"doctor",
	}
	registered := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		registered[cmd.Name()] = true
	}
	for _, name := range expected {
		assert.True(t, registered[name], "subcommand %q should be registered", name)
	}
}

func TestRootCommand_HelpOutput(t *testing.T) {
	out, err := runCLI(t, "", "--help")
	require.NoError(t, err)

	assert.Contains(t, out, "validates agent memory entries")
	assert.Contains(t, out, "serve")
	assert.Contains(t, out, "decrypt")
}

func TestVersionVars_HaveDefaults(t *testing.T) {
	assert.Equal(t, "dev", Version)
	assert.Equal(t, "none", Commit)
	assert.Equal(t, "unknown", BuildDate)
}

func TestRootCommand_GlobalFlags(t *testing.T) {
	tests := []struct {
		name     string
		flagName string
	}{
		{"config flag", "config"},
		{"verbose flag", "verbose"},
		{"log-level flag", "log-level"},
		{"log-format flag", "log-format"},
		{"otel flag", "otel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flag := rootCmd.PersistentFlags().Lookup(tt.flagName)
			assert.NotNil(t, flag, "flag %q should be registered", tt.flagName)
		})
	}
}

func TestRootCommand_UseAndShort(t *testing.T) {
	assert.Equal(t, "memguard", rootCmd.Use)
	assert.Equal(t, "Trust gate for agent memory", rootCmd.Short)
}

func TestPackageLevelTracer_IsNotNil(t *testing.T) {
	assert.NotNil(t, tracer, "package-level tracer should be initialized")
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "MemGuard dev")
	assert.Contains(t, out, "Go:")
}

func TestParseOrigins(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"https://a.example", []string{"https://a.example"}},
		{" https://a.example , ,https://b.example ", []string{"https://a.example", "https://b.example"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseOrigins(tt.in))
		})
	}
}

func TestReadInput(t *testing.T) {
	got, err := readInput(strings.NewReader("unused"), []string{"from arg"})
	require.NoError(t, err)
	assert.Equal(t, "from arg", got)

	got, err = readInput(strings.NewReader("from stdin\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, "from stdin", got)

	got, err = readInput(strings.NewReader("dash\n\n"), []string{"-"})
	require.NoError(t, err)
	assert.Equal(t, "dash", got)
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "(not set)", maskSecret(""))
	assert.Equal(t, "****", maskSecret("short"))
	assert.Equal(t, "****3456", maskSecret(testutil.TestSigningKey))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "a b", truncate("a\nb", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
