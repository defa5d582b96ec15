// Package syncrun implements the sync run tracker: the persistent state
// machine every orchestrator invocation reports into.
//
// Runs move running → {continuing, completed, completed_with_errors,
// completed_with_timeout, failed, cancelled}; continuing hands back to
// running on the next invocation. Cancellation wins every race: all
// progress writes are conditional on the run still being active, and a
// zero-row update means someone cancelled us and we must stop.
package syncrun
