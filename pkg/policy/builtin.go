package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		maxRemovalsPolicy(),
		protectedPackagesPolicy(),
	}
}

// maxRemovalsPolicy refuses plans that remove too many packages at once,
// which usually means a profile or the repository is broken.
func maxRemovalsPolicy() Policy {
	return Policy{
		Name:        "max-removals",
		Description: "Refuses plans that remove more than params.max_removals packages",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package winsync.policies.removals

import rego.v1

removals := [entry.id | some entry in input.plan; entry.method == "remove"]

deny contains violation if {
	limit := input.params.max_removals
	count(removals) > limit
	violation := {
		"message": sprintf("plan removes %d packages, more than the allowed %d", [count(removals), limit]),
		"severity": "error",
	}
}`,
	}
}

// protectedPackagesPolicy refuses removal of packages that must never be
// taken off a machine.
func protectedPackagesPolicy() Policy {
	return Policy{
		Name:        "protected-packages",
		Description: "Refuses removal of packages listed in params.protected_packages",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package winsync.policies.protected

import rego.v1

deny contains violation if {
	some entry in input.plan
	entry.method == "remove"
	entry.id in input.params.protected_packages
	violation := {
		"message": sprintf("package %s is protected and cannot be removed", [entry.id]),
		"severity": "error",
		"package": entry.id,
	}
}`,
	}
}
