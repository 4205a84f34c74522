package intent

import "github.com/spritelab/fleetd/internal/domain/safety"

// Classify derives the risk classification for an intent of the given kind.
// It is a pure function: the same (kind, payload) always yields the same
// classification. Kinds with a fixed classification ignore the payload;
// action intents are classified by their (capability, operation) pair.
// Unknown kinds classify as controlled, failing safe rather than open.
func Classify(k Kind, payload map[string]any) safety.Classification {
	def, ok := LookupKind(k)
	if !ok {
		return safety.Controlled
	}
	if !def.PayloadClassified {
		return def.DefaultClassification
	}
	capability, _ := payload["capability"].(string)
	operation, _ := payload["operation"].(string)
	return safety.ClassifyOperation(capability, operation)
}
