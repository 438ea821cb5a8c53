// Package logx is deferq's structured logger, a thin layer over zerolog.
//
// Loggers handed out by a Service follow its sinks and level across
// Service.Apply calls, so config reloads take effect without rewiring.
package logx
