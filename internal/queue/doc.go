// Package queue implements Redis-backed job queues and their workers.
//
// All state transitions that more than one process could race on (claim,
// complete, fail, stall recovery, retention) run as Lua scripts, so the
// broker's atomic execution is the only coordination between workers.
//
// Job lifecycle:
//
//	Add ──► waiting ──claim──► active ──ok──► completed
//	  │        ▲                  │
//	  ▼        │                  └─err──► delayed (attempts left, backoff)
//	delayed ───┘                  └─err──► failed (terminal)
//
// Workers execute exactly one attempt per claim and report the outcome;
// retry scheduling is done by the fail script using the job's backoff.
package queue
