// Package logx is courier's structured logging on top of zerolog.
//
// A Sink owns the outputs (console and an optional JSON file) and can be
// reconfigured at runtime. Loggers handed out by the Sink carry fixed fields
// and pick up a new level or output on their next entry.
package logx
