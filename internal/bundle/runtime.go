package bundle

import (
	"context"

	"github.com/loykin/botfleet/internal/registry"
)

// Runtime drives an installed bundle on behalf of a running worker: Start runs the
// bundle's start script and Stop its stop script. Bundles without the script make the
// call a no-op.
type Runtime struct {
	bundle Bundle
	dir    string
	r      *runner
}

// Runtime returns the runtime of client c's bundle.
func (o *Orchestrator) Runtime(c registry.Client) (*Runtime, error) {
	if c.Bundle == "" {
		return nil, ErrNoBundle
	}
	b, err := o.catalog.Find(c.Bundle)
	if err != nil {
		return nil, err
	}
	dir := o.layout.BundleDir(c.Name, b.Name)
	return &Runtime{bundle: b, dir: dir, r: o.runner(o.scriptVars(c, dir))}, nil
}

func (rt *Runtime) Start(ctx context.Context) error {
	return rt.step(ctx, "start", rt.bundle.Start)
}

func (rt *Runtime) Stop(ctx context.Context) error {
	return rt.step(ctx, "stop", rt.bundle.Stop)
}

func (rt *Runtime) step(ctx context.Context, step, script string) error {
	if script == "" {
		return nil
	}
	_, err := rt.r.run(ctx, rt.bundle.Name, step, rt.dir, scriptPath(rt.dir, script))
	return err
}
