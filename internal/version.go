// Package internal holds build metadata shared across binaries.
package internal

// Version is the semantic version of a release, set at build time with
// -ldflags "-X github.com/aibtcdev/x402-sponsor-relay-sub000/internal.Version=v1.2.3".
var Version = "dev"
