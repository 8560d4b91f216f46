// Package history records the per-instance event log.
//
// Every significant transition in an instance's life — creation, step
// attempts, retries, trigger fan-out, completion — is appended as an
// immutable [Event]. The log is what the status API returns alongside the
// instance's current state, giving operators a chronological account of
// how an instance got to where it is.
//
// Events are written by the [Recorder], an extension registered with the
// scheduler's ext registry. Hook failures are logged by the registry and
// never affect workflow progress; the log is an observability surface,
// not a source of truth.
//
//	s, _ := cascade.New(cascade.WithStore(st))
//	eng, _ := engine.Build(s, engine.WithExtensions(history.NewRecorder(st)))
package history
