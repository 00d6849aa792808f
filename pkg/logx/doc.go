// Package logx configures agrialert's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - JSON output for log shippers when console.json is set
//   - File output JSON-structured
package logx
