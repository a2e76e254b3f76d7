// Package harness provides scenario-driven conformance testing for the
// engine.
//
// A scenario is a sequence of runs and loads against one in-memory storage.
// Each step is traced, the trace is compared with a golden file, and
// assertions check the trace and the final storage.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: resume_after_interrupt
//	description: "An interrupted run resumes where it stopped"
//	batch_size: 2
//	steps:
//	  - run:
//	      items: [a, b, c, d]
//	      version: v1
//	      interrupt_after: 3
//	    expect:
//	      phase: INTERRUPTED
//	      processed: 3
//	      error: interrupted
//	  - load:
//	      items: [a, b, c, d]
//	      version: v1
//	    expect:
//	      outputs: ["v1:a", "v1:b", "v1:c"]
//	assertions:
//	  - type: commit_sizes
//	    sizes: [2, 1]
//
// The transform of a run step returns version + ":" + item, fails for the
// items listed under fail, and cancels the run during call interrupt_after.
// fail_commits arms that many storage commits to fail.
//
// # Assertion Types
//
//   - trace_count: Verifies an event type appears exactly N times
//   - transform_order: Verifies the items seen by the transform, in order
//   - commit_sizes: Verifies the sizes of successful commits
//   - stored_outputs: Verifies the number of outputs in storage
//   - run_outcomes: Verifies recorded run outcomes, oldest first
//
// # Deterministic Testing
//
// Run ids are sequential ("run-1", "run-2", ...) and the engine drives
// items synchronously, so identical scenarios produce identical traces.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/resume.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, msg := range result.Errors {
//	    log.Println(msg)
//	}
package harness
