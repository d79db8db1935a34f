// Package mission implements the mission queue and its scheduler.
//
// # Overview
//
// A mission is submitted as pending, becomes queued once every id in its
// depends_on set is completed (or blocked while any is not), is assigned to a
// connected agent as running, and closes as completed, failed, or cancelled.
// A failed attempt with retries left moves to retrying and re-enters the
// queue under the same id.
//
// # Transitions
//
// Every operation checks CanTransition before writing, then applies the
// change as a compare-and-swap on the current status. Assign goes through
// store.ClaimMission, which re-checks dependencies inside the same UPDATE, so
// a mission with an unmet dependency is never observed as running and two
// scheduling passes cannot both assign it.
//
// # Scheduler
//
// Scheduler is the single writer that assigns missions. Each tick:
//
//  1. Fails running or processing missions older than their timeout
//  2. Refreshes readiness with SelectReady
//  3. Assigns each queued or retrying mission to the next connected agent
//     and sends it; an undeliverable mission is released and, when a local
//     executor is configured, run by the orchestrator (assigned_to = 0)
//
// Agents have no capacity limit: a busy agent keeps receiving missions.
//
// # Events
//
// Every applied transition is published on an EventBroadcaster, keyed by
// mission id, and to AllMissions subscribers. Slow subscribers drop events.
package mission
