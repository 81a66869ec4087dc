// Package dispatch runs the external command for one extracted message.
//
// Each call spawns one process and blocks until it exits. The process gets the
// connection's List name, the extracted value string and the target URL through
// placeholder substitution in the configured argument list; no shell is involved.
//
// I/O:
//   - stdin is closed right after start; nothing is ever written to it
//   - stdout is logged line by line at INFO into the connection's sink until EOF
//   - stderr is drained concurrently (capped at 64KB) and its lines are logged
//     at INFO after stdout, so each stream keeps its own order
//
// Exit status:
//   - strict mode: a non-zero exit returns *ExitError (wraps ErrNonZeroExit)
//   - compat mode: any completion is success; the exit code is still reported
//     in the Outcome
//
// Termination:
//   - no timeout unless Command.Timeout is set
//   - on timeout or context cancellation the process group gets SIGTERM,
//     then SIGKILL after a 5 second grace period
//
// No retries: a failed dispatch is reported once and the message is gone.
package dispatch
