// Package channel owns the persistent duplex event connection to the
// backend.
//
// Ownership model:
//   - Manager is an explicit, injectable object; the composing application
//     controls its lifetime and tests substitute a scripted Dialer.
//   - Lifecycle notifications and inbound wire events fan out over the Bus;
//     subscribers (the session store, presentation collaborators) never touch
//     the transport directly.
//
// The lifecycle state machine lives in a transition table (fsm.go) with one
// dispatch entry point, so every legal edge is visible and testable with
// synthetic events. Reconnection backs off exponentially from a base delay up
// to a cap and gives up after a configured number of attempts; a heartbeat
// probe runs on a fixed interval while connected.
package channel
