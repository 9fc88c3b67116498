package otel

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by memguard spans.
const (
	EntryID    = attribute.Key("memguard.entry.id")
	MemoryID   = attribute.Key("memguard.memory.id")
	TrustLevel = attribute.Key("memguard.trust_level")
	PatternRef = attribute.Key("memguard.pattern.ref")
	Origin     = attribute.Key("memguard.origin")
	RequestID  = attribute.Key("memguard.request.id")
	Outcome    = attribute.Key("memguard.decrypt.outcome")
	Reason     = attribute.Key("memguard.decrypt.reason")
)

// EntryAttributes describes the entry a span operates on.
func EntryAttributes(entryID, memoryID, trustLevel string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{EntryID.String(entryID)}
	if memoryID != "" {
		attrs = append(attrs, MemoryID.String(memoryID))
	}
	if trustLevel != "" {
		attrs = append(attrs, TrustLevel.String(trustLevel))
	}
	return attrs
}

// DecisionAttributes describes a decryption decision.
func DecisionAttributes(ref, origin, outcome, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		PatternRef.String(ref),
		Origin.String(origin),
		Outcome.String(outcome),
		Reason.String(reason),
	}
}
