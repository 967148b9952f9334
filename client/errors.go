// Package client implements the public client runtime: the stateless action
// handle (C6) and the persistent, auto-reconnecting actor connection (C7).
package client

import (
	"fmt"

	"github.com/rivetkit-go/rivetkit/wire"
)

// Error is the normalized shape every user-visible client failure takes
// (spec.md §7 "Taxonomy").
type Error struct {
	Group    string
	Code     string
	Message  string
	Metadata wire.Payload
}

func (e *Error) Error() string {
	if e.Group != "" || e.Code != "" {
		return fmt.Sprintf("client: %s/%s: %s", e.Group, e.Code, e.Message)
	}
	return "client: " + e.Message
}

// SchedulingError enriches an Error with the actor's terminal error record,
// fetched from the manager once a scheduling-class (group, code) pair is
// observed (spec.md §7).
type SchedulingError struct {
	ActorID string
	Cause   *Error
	Record  *TerminalError
}

// TerminalError mirrors driver.TerminalError without importing the driver
// package name into client's public surface — client only needs the fields.
type TerminalError struct {
	Group   string
	Code    string
	Message string
}

func (e *SchedulingError) Error() string {
	if e.Record != nil {
		return fmt.Sprintf("client: actor %q unschedulable (%s/%s): %s (terminal: %s/%s: %s)",
			e.ActorID, e.Cause.Group, e.Cause.Code, e.Cause.Message, e.Record.Group, e.Record.Code, e.Record.Message)
	}
	return fmt.Sprintf("client: actor %q unschedulable (%s/%s): %s", e.ActorID, e.Cause.Group, e.Cause.Code, e.Cause.Message)
}
func (e *SchedulingError) Unwrap() error { return e.Cause }

// ConnectionDisposed is returned by any pending operation (in-flight action,
// queued send) when Dispose is called, and by any operation attempted after.
type ConnectionDisposed struct{}

func (e *ConnectionDisposed) Error() string { return "client: connection disposed" }

// InternalError signals an invariant violation — e.g. an ActionResponse
// arrives for an id with no matching in-flight entry.
type InternalError struct{ Reason string }

func (e *InternalError) Error() string { return "client: internal error: " + e.Reason }

// schedulingClasses is the closed set of (group, code) pairs that mean "the
// actor is not currently schedulable" (spec.md §7).
var schedulingClasses = map[[2]string]struct{}{
	{"actor", "destroyed"}: {},
	{"actor", "crashed"}:   {},
	{"actor", "rejected"}:  {},
}

// isSchedulingClass reports whether (group, code) belongs to the closed
// scheduling-error set.
func isSchedulingClass(group, code string) bool {
	_, ok := schedulingClasses[[2]string{group, code}]
	return ok
}
