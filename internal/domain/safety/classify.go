// Package safety classifies actions by risk and gates them by policy.
// Both halves are pure functions over static tables: the same inputs
// always produce the same outputs, and nothing here touches I/O.
package safety

// Classification is the risk tier assigned to an action before it may execute.
type Classification string

const (
	Safe       Classification = "safe"
	Controlled Classification = "controlled"
	Dangerous  Classification = "dangerous"
)

// operations maps (capability, operation) to a risk tier. Pairs absent from
// the table classify as controlled: unknown work fails safe, never open.
var operations = map[string]map[string]Classification{
	"sandbox": {
		"get":    Safe,
		"wake":   Safe,
		"sleep":  Safe,
		"create": Controlled,
		"exec":   Controlled,
		"delete": Dangerous,
	},
	"code": {
		"read":   Safe,
		"lint":   Safe,
		"test":   Controlled,
		"write":  Controlled,
		"deploy": Dangerous,
	},
	"vcs": {
		"status":       Safe,
		"diff":         Safe,
		"commit":       Controlled,
		"push":         Dangerous,
		"force-push":   Dangerous,
		"branch-reset": Dangerous,
	},
}

// ClassifyOperation returns the risk tier for a (capability, operation) pair.
func ClassifyOperation(capability, operation string) Classification {
	ops, ok := operations[capability]
	if !ok {
		return Controlled
	}
	c, ok := ops[operation]
	if !ok {
		return Controlled
	}
	return c
}

// Valid reports whether c is a known classification.
func (c Classification) Valid() bool {
	switch c {
	case Safe, Controlled, Dangerous:
		return true
	}
	return false
}
