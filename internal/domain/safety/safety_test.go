package safety

import "testing"

func TestClassifyOperationKnownPairs(t *testing.T) {
	tests := []struct {
		capability, operation string
		want                  Classification
	}{
		{"sandbox", "wake", Safe},
		{"sandbox", "exec", Controlled},
		{"sandbox", "delete", Dangerous},
		{"code", "deploy", Dangerous},
		{"vcs", "push", Dangerous},
		{"vcs", "status", Safe},
	}
	for _, tt := range tests {
		if got := ClassifyOperation(tt.capability, tt.operation); got != tt.want {
			t.Errorf("ClassifyOperation(%s, %s) = %s, want %s", tt.capability, tt.operation, got, tt.want)
		}
	}
}

func TestClassifyOperationUnknownDefaultsToControlled(t *testing.T) {
	if got := ClassifyOperation("quantum", "entangle"); got != Controlled {
		t.Errorf("unknown capability = %s, want controlled", got)
	}
	if got := ClassifyOperation("sandbox", "teleport"); got != Controlled {
		t.Errorf("unknown operation = %s, want controlled", got)
	}
	if got := ClassifyOperation("", ""); got != Controlled {
		t.Errorf("empty pair = %s, want controlled", got)
	}
}

func TestClassifyOperationIsPure(t *testing.T) {
	first := ClassifyOperation("sandbox", "exec")
	for range 100 {
		if got := ClassifyOperation("sandbox", "exec"); got != first {
			t.Fatalf("classification changed between calls: %s != %s", got, first)
		}
	}
}

func TestGateSafeAllows(t *testing.T) {
	if got := Gate(Safe, "sandbox", nil, Policy{}); got != DecisionAllow {
		t.Errorf("safe = %s, want allow", got)
	}
}

func TestGateControlledRequiresApproval(t *testing.T) {
	if got := Gate(Controlled, "sandbox", []string{"web-1"}, Policy{}); got != DecisionRequireApproval {
		t.Errorf("controlled without allow-list = %s, want require-approval", got)
	}
	if got := Gate(Dangerous, "sandbox", nil, Policy{}); got != DecisionRequireApproval {
		t.Errorf("dangerous = %s, want require-approval", got)
	}
}

func TestGateAllowListBypassesApproval(t *testing.T) {
	p := Policy{ResourceAllowList: []string{"web-1", "web-2"}}

	if got := Gate(Controlled, "sandbox", []string{"web-1"}, p); got != DecisionAllow {
		t.Errorf("allow-listed resource = %s, want allow", got)
	}
	if got := Gate(Dangerous, "sandbox", []string{"web-1", "web-2"}, p); got != DecisionAllow {
		t.Errorf("all resources allow-listed = %s, want allow", got)
	}
	// One resource off-list blocks the bypass.
	if got := Gate(Controlled, "sandbox", []string{"web-1", "db-1"}, p); got != DecisionRequireApproval {
		t.Errorf("partially listed = %s, want require-approval", got)
	}
	// No affected resources: nothing to check against the list.
	if got := Gate(Controlled, "sandbox", nil, p); got != DecisionRequireApproval {
		t.Errorf("no resources = %s, want require-approval", got)
	}
}

func TestGateDeniedCapabilityEscalatesToApproval(t *testing.T) {
	p := Policy{
		ResourceAllowList:  []string{"web-1"},
		DeniedCapabilities: []string{"vcs"},
	}
	// Denied capabilities surface to a human even when everything else
	// would have auto-approved.
	if got := Gate(Safe, "vcs", []string{"web-1"}, p); got != DecisionRequireApproval {
		t.Errorf("denied capability = %s, want require-approval", got)
	}
}
