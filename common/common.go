// Package common holds process-wide settings shared by the binaries.
package common

// PackageName is the metrics namespace and default log service name.
const PackageName = "skp"

// Version is overridden at build time with -ldflags "-X .../common.Version=...".
var Version = "dev"
