// Package logx is deferbot's structured logging layer on top of zerolog.
//
// Loggers are small values. A Logger obtained from a Service keeps following
// that Service across Apply calls, so components can hold one for their whole
// lifetime while the operator changes levels and sinks on reload.
//
// Sinks: a readable console writer, a JSON file, and an optional Telegram chat
// that only receives lines at or above a minimum level, rate limited.
package logx
