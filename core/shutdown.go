package core

import (
	"context"
)

// ShutdownFunc releases one resource during graceful shutdown: a runtime's
// sessions, the history database, the log file. The context carries the
// shutdown deadline.
//
// Implementations return nil on success and must be safe to call twice.
//
//	var closeDB ShutdownFunc = func(ctx context.Context) error {
//	    return store.Close()
//	}
type ShutdownFunc func(ctx context.Context) error
