// Package logx configures postrelay's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional operator alerts (min-level + rate limiting)
//   - Optional Sentry capture for error lines
package logx
