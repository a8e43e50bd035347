// Package chk provides one-letter error check helpers that log a non-nil
// error at the matching level and report whether it was non-nil, so error
// handling reads as `if chk.E(err) { return }`.
package chk

import (
	"zapai.dev/pkg/utils/log"
)

// E logs err at error level; returns true if err != nil.
func E(err error) bool { return log.E.Chk(err) }

// W logs err at warn level; returns true if err != nil.
func W(err error) bool { return log.W.Chk(err) }

// D logs err at debug level; returns true if err != nil.
func D(err error) bool { return log.D.Chk(err) }

// T logs err at trace level; returns true if err != nil.
func T(err error) bool { return log.T.Chk(err) }
