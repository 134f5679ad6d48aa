// Package logx is taskdist's structured logging on top of zerolog.
//
// Console output is human readable with a short caller; the optional file
// sink is JSON. Records at or above a configured level can also be forwarded
// to an operator channel, rate limited and never blocking the caller.
package logx
