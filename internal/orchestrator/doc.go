// Package orchestrator runs the dispatch loop at the heart of the runtime.
//
// The orchestrator package provides functionality for:
//   - Dispatch: finding ready objectives and spawning worker processes for them
//   - Completion handling: collecting worker results and advancing the graph
//   - Recovery: reconciling crash records and leftover results at startup
//
// The Orchestrator owns the periodic loops of a serve run. Each spawned
// worker executes exactly one objective; when it exits the orchestrator
// reads the result file it left behind, updates the objective graph, and
// dispatches whatever became ready. Every state change is published to the
// event relay so observers can follow along.
//
// Example usage:
//
//	orch, err := orchestrator.New(orchestrator.Config{
//		Store:      db,
//		Graph:      graphMgr,
//		Supervisor: sup,
//		Publisher:  relaySrv,
//	})
//	if err != nil {
//		return err
//	}
//	if err := orch.Start(ctx); err != nil {
//		return err
//	}
//	defer orch.Stop()
package orchestrator
