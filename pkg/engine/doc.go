// Package engine resolves which packages a machine needs and drives their
// installers to completion.
//
// # Pipeline
//
// A run moves through five stages:
//
//  1. Selection - a ProfileSelector returns the desired package ids
//  2. Expansion - GraphBuilder loads every depend/chain target and resolves priorities
//  3. Reconciliation - Reconciler diffs the set against the InstalledRecord
//  4. Ordering - InstallQueue orders removals first, then by priority
//  5. Processing - Processor runs each package's installer state machine
//
// Orchestrator wires the stages together, owns the repository session, and
// saves the installed record on every exit path.
//
// # Priorities
//
// A higher priority installs earlier. For every depend edge p -> d the
// builder keeps priority(d) > priority(p), and for every chain edge p -> c
// it keeps priority(c) < priority(p). Bumps propagate transitively. A
// cycle in either direction is reported as a CycleError.
//
// # Processing
//
// Each package goes through:
//
//	fetch-installer -> resolve-installer -> check -> (skip) -> download
//	    -> act -> verify -> persist -> cleanup
//
// Meta packages skip the installer entirely. Any error stops the run; the
// packages completed before it stay in the record.
//
// # Errors
//
// All errors are *EngineError values carrying the package id and phase.
// Use errors.Is with ErrMetadata, ErrNotFound, ErrRepository,
// ErrInstallerNotFound, ErrActionFailed, ErrPostActionVerification or
// ErrCycle, or the matching Is* helpers.
package engine
