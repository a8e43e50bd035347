// Package version carries the release version printed at startup.
package version

// V is set via -ldflags at release build time.
var V = "v0.1.0"
