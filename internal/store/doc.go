// Package store provides persistent storage for coven-dispatch using SQLite.
//
// # Architecture
//
// The Store interface is composed of four narrower contracts:
//
//   - AgentStore: agent records and their load counters
//   - TaskStore: task records with optimistic version checks
//   - MetricsStore: per-agent, per-skill outcome accumulators
//   - DecisionStore: append-only routing decision log
//
// SQLiteStore implements all of them in a single struct. MockStore is an
// in-memory implementation with the same guards and orderings for unit tests.
//
// # Concurrency
//
// Two mechanisms keep concurrent routing honest:
//
//   - AcquireAgentSlot is a single conditional UPDATE guarded by
//     status = 'available' AND current_load < max_concurrent, so two routes
//     can never push an agent past its capacity.
//   - UpdateTask only succeeds when the caller's Version matches the stored
//     one and returns ErrConflict otherwise. Callers re-read and decide.
//
// The SQLite pool is limited to one connection, which serializes writers.
//
// # Data Models
//
//   - Agent: a worker with a capability set, status and load
//   - Task: a unit of work moving pending -> assigned -> completed/escalated
//   - SkillMetrics: success/failure counts and latency per (agent, skill)
//   - RoutingDecision: one routing attempt with its ranked candidates
//
// Capability and skill sets are normalized by NormalizeSkills and stored as
// JSON arrays.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrConflict: a task was modified by a concurrent writer
//   - ErrAgentUnavailable: the agent cannot take another task
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests, or NewSQLiteStore(":memory:") for
// integration tests with real SQLite.
package store
