// Package log exposes the lol printers under the short names used across the
// codebase: log.F (fatal), log.E (error), log.W (warn), log.I (info),
// log.D (debug), log.T (trace).
package log

import (
	"zapai.dev/pkg/utils/lol"
)

var (
	F = lol.New(lol.Fatal)
	E = lol.New(lol.Error)
	W = lol.New(lol.Warn)
	I = lol.New(lol.Info)
	D = lol.New(lol.Debug)
	T = lol.New(lol.Trace)
)
