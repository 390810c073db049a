package worker

import "context"

// Engine is the messaging side of a worker. Start is called once the worker is
// RUNNING and Stop once it is shutting down, before the final state is committed.
type Engine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// NopEngine is used for clients without an integration bundle.
type NopEngine struct{}

func (NopEngine) Start(context.Context) error { return nil }
func (NopEngine) Stop(context.Context) error  { return nil }
