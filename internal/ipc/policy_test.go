package ipc

import "testing"

func TestPolicy_ViewerCannotCreateTasks(t *testing.T) {
	p := NewPolicy(nil)
	binding := Binding{Profile: ProfileViewer, Origin: OriginCLI}

	if p.Authorize("tasks", "list", binding) == false {
		t.Error("expected viewer to be allowed to list tasks")
	}
	if p.Authorize("tasks", "create", binding) {
		t.Error("expected viewer to be denied task creation")
	}
}

func TestPolicy_OperatorCanCreateTasks(t *testing.T) {
	p := NewPolicy(nil)
	binding := Binding{Profile: ProfileOperator, Origin: OriginMCP}

	if !p.Authorize("tasks", "create", binding) {
		t.Error("expected operator to be allowed task creation")
	}
}

func TestPolicy_MaintainerInheritsOperator(t *testing.T) {
	p := NewPolicy(nil)
	binding := Binding{Profile: ProfileMaintainer, Origin: OriginCLI}

	if !p.Authorize("tasks", "create", binding) {
		t.Error("expected maintainer to inherit operator's task creation permission")
	}
	if !p.Authorize("settings", "update", binding) {
		t.Error("expected maintainer to have settings access")
	}
}

type denyAllProvider struct{}

func (denyAllProvider) Decide(capability, methodName string, binding Binding) PolicyDecision {
	return DecisionDeny
}

func TestPolicy_PluginProviderOverridesAllowlist(t *testing.T) {
	p := NewPolicy(denyAllProvider{})
	binding := Binding{Profile: ProfileMaintainer, Origin: OriginCLI}

	if p.Authorize("tasks", "list", binding) {
		t.Error("expected plugin DecisionDeny to override even an allowed profile method")
	}
}
