// Package harvester is the Failure Harvester (C8): scans the Pods snapshot
// for failed pods, persists a failure record with the last 1000 log lines
// for each one not already recorded, and sweeps out records older than the
// 7-day retention window.
package harvester

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"robotplane/internal/cache"
	"robotplane/internal/catalog"
	"robotplane/internal/enum"
	"robotplane/internal/k8sadapter"
	"robotplane/internal/logger"
	"robotplane/internal/slug"
)

const cancelGranularity = 500 * time.Millisecond
const retention = 7 * 24 * time.Hour
const logTailLines = 1000

// idGenerator returns a unique identifier for a new failure record.
// Tests substitute a deterministic generator.
type idGenerator func() string

// PodLogger is the subset of the Kubernetes adapter (C3) the harvester
// depends on, narrowed for testability.
type PodLogger interface {
	PodLogs(ctx context.Context, name string, tail int) (string, error)
}

// Harvester owns the failure-scan-and-retention loop.
type Harvester struct {
	cache   *cache.Cache
	store   *catalog.Store
	cluster PodLogger
	period  time.Duration
	newID   idGenerator

	stop, done chan struct{}
}

// New wires the harvester's collaborators. period defaults to the cluster
// loop's period per spec.md §4.8's design note.
func New(c *cache.Cache, store *catalog.Store, cluster PodLogger, period time.Duration, newID idGenerator) *Harvester {
	if period == 0 {
		period = 7 * time.Second
	}
	if newID == nil {
		newID = defaultIDGenerator
	}
	return &Harvester{cache: c, store: store, cluster: cluster, period: period, newID: newID}
}

// Start launches the loop on its own goroutine.
func (h *Harvester) Start(ctx context.Context) {
	h.stop = make(chan struct{})
	h.done = make(chan struct{})
	go h.run(ctx)
}

// Stop signals the loop and waits for it to drain.
func (h *Harvester) Stop() {
	close(h.stop)
	<-h.done
}

func (h *Harvester) run(ctx context.Context) {
	defer close(h.done)
	loopCtx := logger.WithComponent(ctx, "harvester")

	h.tick(loopCtx)
	for {
		if h.sleepWithCancellation(ctx) {
			return
		}
		h.tick(loopCtx)
	}
}

func (h *Harvester) sleepWithCancellation(ctx context.Context) bool {
	deadline := time.Now().Add(h.period)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return true
		case <-h.stop:
			return true
		case <-time.After(cancelGranularity):
		}
	}
	return false
}

func (h *Harvester) tick(ctx context.Context) {
	h.scan(ctx)
	h.sweep(ctx)
}

// scan walks the current Pods snapshot, recording a failure for each failed
// pod not already present in the catalog, per spec.md §4.8.
func (h *Harvester) scan(ctx context.Context) {
	log := logger.GetLogger(ctx)

	entry, ok := h.cache.Get(enum.CacheKeyPods)
	if !ok {
		return
	}
	pods, ok := entry.Data.([]k8sadapter.PodView)
	if !ok {
		return
	}

	for _, pod := range pods {
		if !k8sadapter.IsFailure(pod.Phase, pod.Containers) {
			continue
		}

		exists, err := h.store.FailureExists(ctx, pod.Name)
		if err != nil {
			log.Warn("harvester: failure-exists check failed", zap.String("pod", pod.Name), zap.Error(err))
			continue
		}
		if exists {
			continue
		}

		logs, err := h.cluster.PodLogs(ctx, pod.Name, logTailLines)
		if err != nil {
			log.Warn("harvester: fetching pod logs failed", zap.String("pod", pod.Name), zap.Error(err))
		}

		labels, err := json.Marshal(pod.Labels)
		if err != nil {
			labels = []byte("{}")
		}
		containers, err := json.Marshal(pod.Containers)
		if err != nil {
			containers = []byte("[]")
		}

		record := &catalog.FailureRecord{
			ID:         h.newID(),
			PodName:    pod.Name,
			Namespace:  pod.Namespace,
			Labels:     string(labels),
			Phase:      pod.Phase,
			StatusText: string(pod.Status),
			StartTime:  pod.StartTime,
			Containers: string(containers),
			Logs:       logs,
			RobotName:  slug.Resolve(pod.Name, pod.Labels),
			FailedAt:   time.Now(),
		}

		if err := h.store.InsertFailure(ctx, record); err != nil {
			log.Error("harvester: inserting failure record failed", zap.String("pod", pod.Name), zap.Error(err))
		}
	}
}

// sweep deletes failure records older than the 7-day retention window.
func (h *Harvester) sweep(ctx context.Context) {
	log := logger.GetLogger(ctx)
	cutoff := time.Now().Add(-retention)
	pruned, err := h.store.PruneFailuresOlderThan(ctx, cutoff)
	if err != nil {
		log.Warn("harvester: retention sweep failed", zap.Error(err))
		return
	}
	if pruned > 0 {
		log.Info("harvester: pruned expired failure records", zap.Int64("count", pruned))
	}
}

func defaultIDGenerator() string {
	return uuid.NewString()
}
