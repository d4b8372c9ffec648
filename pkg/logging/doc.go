// Package logging provides structured logging configuration for polyport.
//
// This package wraps log/slog to provide consistent logging across all
// framework components. It supports configurable log levels and output
// formats.
//
// # Usage
//
// Create a logger with desired configuration:
//
//	logger := logging.New(logging.Config{
//	    Level:  logging.LevelInfo,
//	    Format: logging.FormatText,
//	})
//
//	logger.Info("listening", "addr", addr)
//	logger.Error("accept failed", "error", err)
//
// # Integration
//
// Components accept a *slog.Logger in their constructor or via an option.
// If no logger is provided, use logging.Nop() for a no-op logger.
package logging
