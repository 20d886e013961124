package pool

import "context"

// Provisioner is the external collaborator that actually spawns,
// terminates and restarts worker processes. The pool only records
// intent; provisioning is best effort and reports the count actually
// changed.
type Provisioner interface {
	Spawn(ctx context.Context, workerType string, count int) (int, error)
	Terminate(ctx context.Context, workerType string, count int) (int, error)
	Restart(ctx context.Context, workerID string) error
}

// NopProvisioner satisfies Provisioner without touching any process.
// Useful when workers self-register and scaling is advisory only.
type NopProvisioner struct{}

func (NopProvisioner) Spawn(_ context.Context, _ string, count int) (int, error) {
	return count, nil
}

func (NopProvisioner) Terminate(_ context.Context, _ string, count int) (int, error) {
	return count, nil
}

func (NopProvisioner) Restart(context.Context, string) error { return nil }
