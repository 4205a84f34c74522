package intent

import "github.com/spritelab/fleetd/internal/domain/safety"

// Kind categorizes what an intent asks for.
type Kind string

const (
	KindAction      Kind = "action"      // side-effecting change to a sprite or its workload
	KindInquiry     Kind = "inquiry"     // read-mostly investigation, may still touch a sprite
	KindMaintenance Kind = "maintenance" // routine upkeep, including rollbacks
)

// Definition describes an intent kind: its required fields and how it is
// classified by default. The registry is a static table populated at init;
// new kinds are added here, not at runtime.
type Definition struct {
	Name                  Kind
	Description           string
	RequiredFields        []string
	DefaultClassification safety.Classification
	// PayloadClassified kinds derive their classification from the payload's
	// capability/operation pair instead of the default.
	PayloadClassified bool
}

var kinds = map[Kind]Definition{
	KindAction: {
		Name:              KindAction,
		Description:       "a governed change to a sprite or the workload it runs",
		RequiredFields:    []string{"affected_resources", "expected_side_effects"},
		PayloadClassified: true,
	},
	KindInquiry: {
		Name:                  KindInquiry,
		Description:           "an investigation that reads sprite state or output",
		DefaultClassification: safety.Controlled,
	},
	KindMaintenance: {
		Name:                  KindMaintenance,
		Description:           "routine upkeep: restarts, cleanups, rollbacks",
		DefaultClassification: safety.Safe,
	},
}

// LookupKind returns the definition for k.
func LookupKind(k Kind) (Definition, bool) {
	def, ok := kinds[k]
	return def, ok
}

// Kinds returns all registered kind definitions.
func Kinds() []Definition {
	out := make([]Definition, 0, len(kinds))
	for _, def := range kinds {
		out = append(out, def)
	}
	return out
}
