// Package logx configures bosstracker's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Credentials out of every sink (Service.Redact)
package logx
