// Package logx configures experimentd's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller), or JSON when asked
//   - File output JSON-structured
//   - Live level/sink changes on config reload
package logx
