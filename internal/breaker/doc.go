// Package breaker implements per-operation circuit breakers guarding
// upstream Workspace API calls.
//
// Each breaker is an explicit state machine (closed, open, half-open) over
// a rolling bucketed window of call outcomes. The breaker opens when the
// windowed error percentage exceeds a threshold and a minimum call volume
// has been observed; after the reset timeout one trial call decides between
// closing and reopening. Observers subscribe to transitions through the
// TransitionHandler interface rather than library-specific event emitters.
package breaker
