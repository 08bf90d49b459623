// Package routing assigns inbound and outbound calls to persona agents.
//
// An Engine owns the persona roster and an ordered list of declarative
// rules. Assign evaluates the rules against a CallContext built for the
// caller, picks the highest-priority rule whose target persona can take
// another call, and otherwise falls back to load balancing across every
// available persona. When nobody is available the configured default
// persona is returned, so every call receives an assignment.
//
// Rule conditions are a small tagged union (see Condition) evaluated by a
// single interpreter: keyword, caller pattern, time-of-day window, weekday
// and urgency checks.
//
// Persona load is tracked by the engine itself: Assign, Acquire and Reassign
// increment it, Release decrements it (never below zero). Every change is
// published on the engine's typed event buses.
package routing
