// Package memory holds agent memory entries, their trust state and the
// serving contract. Only VALIDATED content and FLAGGED previews ever leave
// this package toward a client; everything else is replaced by a marker.
package memory

import (
	"context"

	"github.com/dativo-io/memguard/internal/seal"
)

// BlockedMarker is served in place of entries that are not yet validated
// or were quarantined.
const BlockedMarker = "[BLOCKED: memory entry withheld pending security validation]"

// GetDisplayableContent returns what a client may see for e.
func GetDisplayableContent(e *Entry) string {
	switch e.TrustLevel() {
	case TrustValidated:
		return e.Content
	case TrustFlagged:
		preview, _ := e.SanitizedPreview()
		return preview
	default:
		return BlockedMarker
	}
}

// RequestPatternDecryption asks the gate for the plaintext of pattern ref
// in e. Unknown references are denied and audited like any other attempt;
// request-scoped callers get the same reason for known and unknown refs.
func RequestPatternDecryption(ctx context.Context, gate *seal.Gate, e *Entry, ref string) seal.Decision {
	p, ok := e.Pattern(ref)
	if !ok || e.TrustLevel() != TrustFlagged {
		return gate.Reject(ctx, e.ID, ref, seal.ReasonPatternNotFound)
	}
	return gate.Decrypt(ctx, e.ID, ref, p.Sealed)
}
