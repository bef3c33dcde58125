// Package gateway defines the interface for user-facing entry points.
package gateway

import "context"

// Gateway is a user-facing interface (HTTP, CLI).
type Gateway interface {
	// Start runs the gateway and blocks until it exits or ctx is canceled.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown within the deadline carried by ctx.
	Stop(ctx context.Context) error
}
