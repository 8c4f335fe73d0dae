// Package policy gates plans with Open Policy Agent (OPA) Rego policies.
//
// Before any installer runs, the reconciled plan is passed to every
// enabled policy as input:
//
//	{
//	  "plan":    [{"id": "firefox", "name": "Firefox", "version": "118.0",
//	               "method": "install", "priority": 10, "meta": false,
//	               "reboot": false}, ...],
//	  "summary": {"install": 1, "upgrade": 0, "remove": 0, "satisfied": 4},
//	  "desired": ["firefox", ...],
//	  "params":  {"max_removals": 5, "protected_packages": ["av-client"]}
//	}
//
// A policy contributes violations through its deny rule. A deny entry is
// either a message string or an object with message, severity and
// package fields. Violations of severity error or critical refuse the
// plan with a POLICY_DENIED engine error; lower severities are logged.
//
// # Built-in Policies
//
//   - max-removals refuses plans that remove more than params.max_removals
//     packages.
//   - protected-packages refuses removal of any id in
//     params.protected_packages.
//
// Custom policies are .rego files (or JSON policy definitions) loaded from
// configured directories. Loader.Watch reloads them when they change.
//
// # Usage
//
//	eng, err := policy.NewEngine(policy.Config{MaxRemovals: 5}, logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPaths(ctx, []string{"/etc/winsync/policies"}); err != nil {
//	    return err
//	}
//	orch, err := engine.NewOrchestrator(engine.OrchestratorConfig{Policy: eng, ...})
package policy
