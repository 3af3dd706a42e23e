// Package connid mints the opaque connection identifiers exposed to clients
// as the X-Connection-Id header and used as the tracking-map key.
package connid

import "github.com/google/uuid"

// New returns a fresh opaque identifier with well over 64 bits of entropy.
func New() string {
	return uuid.NewString()
}

// Valid reports whether s looks like an identifier this package would
// generate or accept when adopted from an upstream's X-Connection-Id reply.
// Adoption is permissive: any non-empty token the upstream supplies is
// accepted so identity remains transitive across a chain of proxies that
// may mint ids differently.
func Valid(s string) bool {
	return s != ""
}
