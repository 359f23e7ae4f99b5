package common

import (
	"context"
	"time"
)

// Stoppable is a long-running service that can be asked to drain and stop.
// Stop blocks until the service has stopped or ctx expires, whichever comes
// first, and returns ctx's error in the latter case.
type Stoppable interface {
	Stop(ctx context.Context) error
}

// StopWithTimeout stops a service under a fresh timeout context.
func StopWithTimeout(service Stoppable, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return service.Stop(ctx)
}
