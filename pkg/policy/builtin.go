package policy

// BuiltinPolicies returns the policies every workspace gets without any
// configuration.
func BuiltinPolicies() []Policy {
	return []Policy{
		preventDestroyPolicy(),
	}
}

// preventDestroyPolicy denies destroy and replace steps targeting nodes
// whose lifecycle sets prevent_destroy, unless force_destroy is set.
func preventDestroyPolicy() Policy {
	return Policy{
		Name:        "prevent-destroy",
		Description: "Blocks destroy and replace of nodes protected by lifecycle.prevent_destroy",
		Severity:    SeverityError,
		Source:      "builtin",
		Rego: `package terrane.policies.lifecycle

import rego.v1

deny contains violation if {
	some step in input.plan.steps
	step.action in {"destroy", "replace"}
	step.prevent_destroy
	not input.force_destroy
	violation := {
		"message": sprintf("node %s is protected by prevent_destroy", [step.node_id]),
		"severity": "error",
		"node": step.node_id,
	}
}`,
	}
}
