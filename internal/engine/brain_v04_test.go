package engine

import "testing"

// Brain Delegation Injection Tests (Phase 2)

func TestBrain_InjectPendingDelegations(t *testing.T) {
	t.Skip("injectPendingDelegations adds system messages before turn in Phase 2")
}

func TestBrain_DelegationInjection_Completed(t *testing.T) {
	t.Skip("completed delegation results injected as system message in Phase 2")
}

func TestBrain_DelegationInjection_Failed(t *testing.T) {
	t.Skip("failed delegation error message injected in Phase 2")
}

func TestBrain_DelegationInjection_NoDuplicate(t *testing.T) {
	t.Skip("completed delegations not double-injected in Phase 2")
}

func TestBrain_DelegationInjection_Empty(t *testing.T) {
	t.Skip("empty pending list is no-op in Phase 2")
}

func TestBrain_RegisterMCPTools(t *testing.T) {
	t.Skip("RegisterMCPTools registers allowed tools per-agent in Phase 1")
}

func TestBrain_MCPToolDiscovery(t *testing.T) {
	t.Skip("auto-discovery calls tools/list in Phase 1")
}
