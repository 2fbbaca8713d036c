// Package logx wraps zerolog behind a small value-type Logger that stays
// "live" across runtime config changes.
//
// The Service owns the active sinks (console, file) and can swap them with
// Apply() while existing Logger values keep writing to the new outputs.
// Logger's zero value is a safe no-op, which keeps tests quiet without nil
// checks at call sites.
package logx
