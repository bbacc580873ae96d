// Package reconciler is the Reconciler (C7): a single loop that admits new
// Jobs for active RPA robots with pending executions, bounded by each
// robot's configured instance cap.
package reconciler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"robotplane/internal/cache"
	"robotplane/internal/catalog"
	"robotplane/internal/enum"
	"robotplane/internal/k8sadapter"
	"robotplane/internal/logger"
	"robotplane/internal/mysqlpool"
	"robotplane/internal/slug"
)

const cancelGranularity = 500 * time.Millisecond

// Reconciler owns the admission loop.
type Reconciler struct {
	cache   *cache.Cache
	store   *catalog.Store
	cluster *k8sadapter.Adapter
	period  time.Duration

	stop, done chan struct{}
}

// New wires the reconciler's collaborators. period defaults to 10s.
func New(c *cache.Cache, store *catalog.Store, cluster *k8sadapter.Adapter, period time.Duration) *Reconciler {
	if period == 0 {
		period = 10 * time.Second
	}
	return &Reconciler{cache: c, store: store, cluster: cluster, period: period}
}

// Start launches the loop on its own goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.run(ctx)
}

// Stop signals the loop and waits for it to drain.
func (r *Reconciler) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.done)
	loopCtx := logger.WithComponent(ctx, "reconciler")

	r.tick(loopCtx)
	for {
		if r.sleepWithCancellation(ctx) {
			return
		}
		r.tick(loopCtx)
	}
}

func (r *Reconciler) sleepWithCancellation(ctx context.Context) bool {
	deadline := time.Now().Add(r.period)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return true
		case <-r.stop:
			return true
		case <-time.After(cancelGranularity):
		}
	}
	return false
}

// tick walks active RPAs, admitting Jobs for any with pending executions.
// Per spec.md §4.7 the reconciler never retries locally or propagates
// errors: a failed robot is logged and skipped, and the next tick will
// observe the still-pending executions and try again.
func (r *Reconciler) tick(ctx context.Context) {
	log := logger.GetLogger(ctx)

	robots, err := r.store.ActiveByVariant(ctx, enum.RobotVariantRPA)
	if err != nil {
		log.Warn("reconciler: loading active rpas failed", zap.Error(err))
		return
	}

	executions := r.executionsSnapshot()

	for _, robot := range robots {
		pending := pendingFor(robot.Name, executions)
		if len(pending) == 0 {
			continue
		}

		spec := k8sadapter.JobSpec{
			RobotName:     robot.Name,
			ImageTag:      robot.ImageTag,
			MemLimitMB:    robot.MemLimitMB,
			ExternalFiles: robot.UsesExternalFiles,
			LifetimeSec:   robot.LifetimeSec,
			Namespace:     robot.Namespace,
		}
		spec.SetMaxInstances(robot.MaxInstances)

		created, err := r.cluster.CreateJob(ctx, spec)
		if err != nil {
			log.Error("reconciler: createJob failed, continuing", zap.String("robot", robot.Name), zap.Error(err))
			continue
		}
		if created > 0 {
			log.Info("reconciler: admitted jobs", zap.String("robot", robot.Name), zap.Int("created", created))
		}
	}
}

func (r *Reconciler) executionsSnapshot() map[string][]mysqlpool.Execution {
	entry, ok := r.cache.Get(enum.CacheKeyExecutions)
	if !ok {
		return nil
	}
	executions, ok := entry.Data.(map[string][]mysqlpool.Execution)
	if !ok {
		return nil
	}
	return executions
}

// pendingFor implements the tolerant lookup spec.md §4.7 requires: exact
// name first, then normalized-name match against every key in the snapshot.
func pendingFor(name string, executions map[string][]mysqlpool.Execution) []mysqlpool.Execution {
	if rows, ok := executions[name]; ok {
		return rows
	}
	var merged []mysqlpool.Execution
	for dbName, rows := range executions {
		if slug.Match(dbName, name) {
			merged = append(merged, rows...)
		}
	}
	return merged
}
