package enginehost

import (
	"context"
	"io"

	"github.com/maauso/audiosculptor/internal/engine"
)

// Local starts h in-process and returns a worker connected to it through
// in-memory pipes. Terminating the worker stops the host.
func Local(ctx context.Context, h *Host) engine.Worker {
	cmdR, cmdW := io.Pipe()
	evR, evW := io.Pipe()

	go func() {
		err := h.Serve(ctx, cmdR, evW)
		_ = cmdR.CloseWithError(err)
		_ = evW.CloseWithError(err)
	}()

	return engine.NewStreamWorker(evR, cmdW)
}

// LocalSpawner returns a SpawnFunc that starts h in-process on each call.
// The host keeps running until the worker is terminated, independent of
// the context passed to the spawn function.
func LocalSpawner(h *Host) engine.SpawnFunc {
	return func(context.Context) (engine.Worker, error) {
		return Local(context.Background(), h), nil
	}
}
