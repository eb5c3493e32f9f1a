// Package logx is connmgr's structured logger: a value-type Logger over
// zerolog whose fields are plain funcs (logx.String, logx.Err, ...).
//
// Service owns the sinks. Console output is human-readable with a short
// caller, the optional file sink is JSON, and Apply swaps level and sinks
// in place on config reload without invalidating Loggers already handed out.
package logx
