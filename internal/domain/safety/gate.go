package safety

// Decision is the policy outcome for a classified intent.
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionRequireApproval Decision = "require-approval"
	DecisionDeny            Decision = "deny"
)

// Policy is the gate's configuration: resources whose intents may bypass
// human approval, and capabilities excluded from automation entirely.
type Policy struct {
	// ResourceAllowList auto-approves controlled/dangerous intents whose
	// affected resources are all listed.
	ResourceAllowList []string
	// DeniedCapabilities are capabilities excluded from automation.
	DeniedCapabilities []string
}

// Gate maps a classification and context to a policy decision.
//
// A deny outcome is routed to require-approval instead of silent rejection:
// a disallowed action surfaces to a human rather than disappearing. Cron or
// agent proposers get no signal from a dropped intent, an approval queue
// entry they do see.
func Gate(c Classification, capability string, affectedResources []string, p Policy) Decision {
	for _, denied := range p.DeniedCapabilities {
		if capability == denied {
			return DecisionRequireApproval
		}
	}

	if c == Safe {
		return DecisionAllow
	}

	// controlled / dangerous: allow only when every affected resource is
	// explicitly allow-listed.
	if len(affectedResources) > 0 && allListed(affectedResources, p.ResourceAllowList) {
		return DecisionAllow
	}
	return DecisionRequireApproval
}

func allListed(resources, allow []string) bool {
	if len(allow) == 0 {
		return false
	}
	listed := make(map[string]bool, len(allow))
	for _, a := range allow {
		listed[a] = true
	}
	for _, r := range resources {
		if !listed[r] {
			return false
		}
	}
	return true
}
