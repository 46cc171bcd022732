// Package logx configures jobcast's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File and JSON console output structured for log shippers
//   - Runtime level/sink swaps when the config file changes
package logx
