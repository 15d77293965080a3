// Package automation runs bulk member additions and bulk messages against a
// messaging Provider.
//
// An Engine owns at most one task. The task walks its recipients in order:
//
//	check point (stop, pause) -> progress -> preconditions -> hourly budget
//	-> action -> outcome -> delay -> batch break
//
// Pause is a signal the loop waits on; Stop cancels the run context and is
// observed at every wait, including a pause. Provider calls run on a
// detached context so an in-flight action always completes.
package automation
