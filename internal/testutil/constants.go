package testutil

// Key material for tests only.
const (
	TestPatternSecret = "memguard-test-pattern-secret"
	TestSigningKey    = "test-signing-key-1234567890123456"
	TestAdminKey      = "test-admin-key-0123456789"
)
