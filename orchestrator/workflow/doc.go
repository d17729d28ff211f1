// Package workflow matches outbox events to declarative definitions and
// executes their actions as runs of strictly ordered steps.
//
// A definition names a trigger event type, an ordered list of conditions over
// the event payload and an ordered list of actions. The Runner is registered
// as a router consumer; for every matching definition it creates at most one
// Run per trigger event and drives it through the invoker, recording a
// RunStep per action so a redelivered or resumed run continues at the first
// step that has not succeeded.
package workflow
