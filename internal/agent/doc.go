// Package agent tracks worker agents and picks which one receives a task.
//
// # Registry
//
// The Registry maps agent name to a Record holding its capabilities,
// operating status, last contact time and completed-task counter:
//
//	reg := agent.NewRegistry(time.Now)
//	reg.Register("build-1", []string{"build"})
//	reg.Heartbeat("build-1")
//
// Records are never deleted. An agent that stops sending heartbeats stays in
// the registry as a stale record until it makes contact again.
//
// Status transitions:
//
//	register / heartbeat      -> available
//	task claimed              -> busy
//	task completed            -> available
//	stale (health monitor)    -> unresponsive
//	restart issued            -> unknown
//	heartbeat while unresponsive or unknown -> available
//
// # Selection
//
// Select is a pure function over a value snapshot of the registry. Each
// candidate whose capabilities match the task category is scored:
//
//	+10  exact capability match
//	 +5  substring match (only when there is no exact match)
//	 +w  per-agent-type priority weight (Weights table)
//	 +5  status available or unknown
//	 -3  status busy
//	-10  status unresponsive
//
// The highest score wins, ties go to the earliest registered agent, and a
// negative best score means no agent can take the task.
//
// # Thread Safety
//
// Registry is NOT safe for concurrent use. The coordinator serializes all
// access behind the same lock that guards the task queue, so a task and its
// agent are always updated together.
package agent
