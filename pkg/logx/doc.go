// Package logx wraps zerolog for postpilot.
//
// Console output goes to stderr in a compact human format so command output
// on stdout stays machine-readable. The optional log file is JSON, one event
// per line. Events at or above a configured level can also be forwarded to an
// operator Sink, rate limited and dropped when the queue is full.
package logx
