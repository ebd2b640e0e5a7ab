// Package pool implements the worker pool coordinator: it starts a bounded
// number of extraction workers, supervises them with restart and stall
// policies, and aggregates their status for the control surface.
package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/adharvest/internal/clock/system"
	"github.com/JakeFAU/adharvest/internal/harvest"
	"github.com/JakeFAU/adharvest/internal/logging"
	"github.com/JakeFAU/adharvest/internal/storage/local"
	"github.com/JakeFAU/adharvest/internal/worker"
)

// Targets assigns and rotates extraction targets. rotation.Manager satisfies it.
type Targets interface {
	Current() harvest.Target
	Next() harvest.Target
	Random() harvest.Target
	Away(avoid harvest.Target) harvest.Target
}

// Deps are the collaborators shared by every pool.
type Deps struct {
	Worker worker.Config
	// Workers is the template for per-worker dependencies. Rotation, Rand and
	// Logger are assigned per worker.
	Workers worker.Deps
	Targets Targets
	Files   *local.Store
	IDs     harvest.IDGenerator
	Clock   harvest.Clock
	Ring    *logging.Ring
	Logger  *zap.Logger
}

// Coordinator owns the running pools, keyed by handle.
type Coordinator struct {
	cfg  Config
	deps Deps

	mu    sync.Mutex
	pools map[string]*Pool
}

// New constructs a Coordinator.
func New(cfg Config, deps Deps) *Coordinator {
	cfg.defaults()
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Workers.Clock == nil {
		deps.Workers.Clock = deps.Clock
	}
	return &Coordinator{cfg: cfg, deps: deps, pools: make(map[string]*Pool)}
}

// Start validates the request, assigns targets and launches the workers.
// The pool outlives ctx; stop it with Stop.
func (c *Coordinator) Start(ctx context.Context, req Request) (string, error) {
	if req.Size < 1 || req.Size > c.cfg.MaxSize {
		return "", fmt.Errorf("%w: %d not in [1,%d]", harvest.ErrInvalidPoolSize, req.Size, c.cfg.MaxSize)
	}
	policy, err := ParsePolicy(string(req.Policy))
	if err != nil {
		return "", err
	}
	req.Policy = policy
	if req.Spec.Mode == "" {
		req.Spec.Mode = harvest.ModeUnbounded
	}
	if req.Spec.Profile == "" {
		req.Spec.Profile = harvest.ProfileDesktop
	}
	if err := req.Spec.Validate(); err != nil {
		return "", fmt.Errorf("invalid run spec: %w", err)
	}
	targets, err := c.assign(req)
	if err != nil {
		return "", err
	}
	id, err := c.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("pool id: %w", err)
	}

	p := newPool(context.WithoutCancel(ctx), id, c.cfg, c.deps, req, targets)
	if err := p.start(targets); err != nil {
		p.cancel()
		return "", err
	}
	c.mu.Lock()
	c.pools[id] = p
	c.mu.Unlock()
	return id, nil
}

// assign returns one target per slot according to the policy.
func (c *Coordinator) assign(req Request) ([]harvest.Target, error) {
	out := make([]harvest.Target, req.Size)
	if req.Policy == PolicySameTarget {
		base := req.BaseTarget
		if base.URL == "" {
			if c.deps.Targets == nil {
				return nil, harvest.ErrNoTargets
			}
			base = c.deps.Targets.Current()
		}
		for i := range out {
			out[i] = base
		}
		return out, nil
	}
	if c.deps.Targets == nil {
		return nil, harvest.ErrNoTargets
	}
	out[0] = c.deps.Targets.Current()
	for i := 1; i < len(out); i++ {
		out[i] = c.deps.Targets.Next()
	}
	return out, nil
}

func (c *Coordinator) pool(id string) (*Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pools[id]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", id, harvest.ErrNotFound)
	}
	return p, nil
}

// Stop terminates every worker of the pool and returns the final report.
func (c *Coordinator) Stop(id string) (Report, error) {
	p, err := c.pool(id)
	if err != nil {
		return Report{}, err
	}
	return p.Stop(), nil
}

// Status returns the pool's per-worker view and totals.
func (c *Coordinator) Status(id string) (Status, error) {
	p, err := c.pool(id)
	if err != nil {
		return Status{}, err
	}
	return p.Status(), nil
}

// Logs returns recent log lines of the pool or one of its workers.
func (c *Coordinator) Logs(id, workerID string, limit int) ([]logging.Line, error) {
	p, err := c.pool(id)
	if err != nil {
		return nil, err
	}
	return p.Logs(workerID, limit), nil
}

// List returns the status of every known pool, oldest first.
func (c *Coordinator) List() []Status {
	c.mu.Lock()
	pools := make([]*Pool, 0, len(c.pools))
	for _, p := range c.pools {
		pools = append(pools, p)
	}
	c.mu.Unlock()
	out := make([]Status, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// StopAll stops every pool concurrently.
func (c *Coordinator) StopAll() {
	c.mu.Lock()
	pools := make([]*Pool, 0, len(c.pools))
	for _, p := range c.pools {
		pools = append(pools, p)
	}
	c.mu.Unlock()
	var wg sync.WaitGroup
	for _, p := range pools {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Stop()
		}()
	}
	wg.Wait()
}
