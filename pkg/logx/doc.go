// Package logx configures the gateway's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and rotated (lumberjack)
//   - An optional forwarding sink (min-level + rate limiting) that pushes
//     error records to the IM alert pipeline
package logx
