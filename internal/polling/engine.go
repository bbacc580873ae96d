// Package polling is the Polling Engine (C6): two independent cooperative
// loops — one over the cluster (C1/C3), one over the catalog and business
// database (C2/C4) — refreshing the cache (C5) on fixed intervals. The
// goroutine/stopChan/ticker shape mirrors the teacher's bot monitor loop.
package polling

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
	"robotplane/internal/vmres"
)

// cancelGranularity bounds how quickly a Stop() takes effect, per spec.md §4.6.
const cancelGranularity = 500 * time.Millisecond

// Engine owns the two polling goroutines.
type Engine struct {
	cache   *cache.Cache
	cluster *k8sadapter.Adapter
	prober  vmres.Prober
	pool    *mysqlpool.Pool
	store   *catalog.Store

	clusterPeriod time.Duration
	dbPeriod      time.Duration

	clusterStop, clusterDone chan struct{}
	dbStop, dbDone           chan struct{}
}

// Config parameterizes both loop periods; zero values fall back to the
// defaults spec.md §4.6 names (5-10s cluster, 10s db).
type Config struct {
	ClusterPeriod time.Duration
	DBPeriod      time.Duration
}

// New wires the engine's collaborators; nothing starts until Start is called.
func New(c *cache.Cache, cluster *k8sadapter.Adapter, prober vmres.Prober, pool *mysqlpool.Pool, store *catalog.Store, cfg Config) *Engine {
	if cfg.ClusterPeriod == 0 {
		cfg.ClusterPeriod = 7 * time.Second
	}
	if cfg.DBPeriod == 0 {
		cfg.DBPeriod = 10 * time.Second
	}
	return &Engine{
		cache:         c,
		cluster:       cluster,
		prober:        prober,
		pool:          pool,
		store:         store,
		clusterPeriod: cfg.ClusterPeriod,
		dbPeriod:      cfg.DBPeriod,
	}
}

// Start launches both loops on their own goroutines.
func (e *Engine) Start(ctx context.Context) {
	e.clusterStop = make(chan struct{})
	e.clusterDone = make(chan struct{})
	e.dbStop = make(chan struct{})
	e.dbDone = make(chan struct{})

	go e.clusterLoop(ctx)
	go e.dbLoop(ctx)
}

// Stop signals both loops and waits for them to drain. Because each loop
// checks its stop channel at cancelGranularity during its inter-tick sleep,
// this returns within one cancelGranularity window plus the time for any
// in-flight SSH/MySQL call to complete under its own timeout.
func (e *Engine) Stop() {
	close(e.clusterStop)
	close(e.dbStop)
	<-e.clusterDone
	<-e.dbDone
}

func (e *Engine) clusterLoop(ctx context.Context) {
	defer close(e.clusterDone)
	loopCtx := logger.WithComponent(ctx, "cluster_loop")

	e.clusterTick(loopCtx)
	for {
		if e.sleepWithCancellation(e.clusterPeriod, e.clusterStop, ctx) {
			return
		}
		e.clusterTick(loopCtx)
	}
}

func (e *Engine) dbLoop(ctx context.Context) {
	defer close(e.dbDone)
	loopCtx := logger.WithComponent(ctx, "db_loop")

	e.dbTick(loopCtx)
	for {
		if e.sleepWithCancellation(e.dbPeriod, e.dbStop, ctx) {
			return
		}
		e.dbTick(loopCtx)
	}
}

// sleepWithCancellation sleeps for period in cancelGranularity slices,
// returning true as soon as stop fires or ctx is cancelled.
func (e *Engine) sleepWithCancellation(period time.Duration, stop chan struct{}, ctx context.Context) bool {
	deadline := time.Now().Add(period)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return true
		case <-stop:
			return true
		case <-time.After(cancelGranularity):
		}
	}
	return false
}

// clusterTick sequentially refreshes JOBS, PODS, CRONJOBS, DEPLOYMENTS,
// VM_RESOURCES (ordering per spec.md §5), then the derived *_PROCESSED
// views, retaining the previous cache value on any individual failure.
func (e *Engine) clusterTick(ctx context.Context) {
	log := logger.GetLogger(ctx)
	sshOK := true

	jobs, err := e.cluster.ListJobs(ctx, "")
	if err != nil {
		e.cache.SetError(enum.CacheKeyJobs, err.Error())
		sshOK = false
		log.Warn("listJobs failed", zap.Error(err))
	} else {
		e.cache.Set(enum.CacheKeyJobs, jobs, nil)
	}

	pods, err := e.cluster.ListPods(ctx, "")
	if err != nil {
		e.cache.SetError(enum.CacheKeyPods, err.Error())
		sshOK = false
		log.Warn("listPods failed", zap.Error(err))
	} else {
		running := make([]k8sadapter.PodView, 0, len(pods))
		for _, p := range pods {
			if p.Phase == "Running" {
				running = append(running, p)
			}
		}
		e.cache.Set(enum.CacheKeyPods, running, nil)
	}

	cronjobs, cronjobsErr := e.cluster.ListCronjobs(ctx)
	if cronjobsErr != nil {
		e.cache.SetError(enum.CacheKeyCronjobs, cronjobsErr.Error())
		sshOK = false
		log.Warn("listCronjobs failed", zap.Error(cronjobsErr))
	} else {
		e.cache.Set(enum.CacheKeyCronjobs, cronjobs, nil)
	}

	deployments, deploymentsErr := e.cluster.ListDeployments(ctx)
	if deploymentsErr != nil {
		e.cache.SetError(enum.CacheKeyDeployments, deploymentsErr.Error())
		sshOK = false
		log.Warn("listDeployments failed", zap.Error(deploymentsErr))
	} else {
		e.cache.Set(enum.CacheKeyDeployments, deployments, nil)
	}

	if res, err := vmres.Probe(ctx, e.prober); err != nil {
		e.cache.SetError(enum.CacheKeyVMResources, err.Error())
		log.Warn("vmres probe failed", zap.Error(err))
	} else {
		e.cache.Set(enum.CacheKeyVMResources, res, nil)
	}

	if catalogRobots, cerr := e.store.All(ctx); cerr == nil {
		if cronjobsErr == nil {
			e.cache.Set(enum.CacheKeyCronjobsProcessed, JoinCronjobsWithCatalog(cronjobs, catalogRobots), nil)
		}
		if deploymentsErr == nil {
			e.cache.Set(enum.CacheKeyDeploymentsProcessed, JoinDeploymentsWithCatalog(deployments, catalogRobots), nil)
		}
	}

	e.updateConnectionStatus(func(s *ConnectionStatus) { s.SSHConnected = sshOK })
}

// dbTick unions active RPA names from C4 with names inferred from the
// current JOBS snapshot, then refreshes EXECUTIONS and RPAS_PROCESSED.
func (e *Engine) dbTick(ctx context.Context) {
	log := logger.GetLogger(ctx)

	robots, err := e.store.ActiveByVariant(ctx, enum.RobotVariantRPA)
	if err != nil {
		log.Warn("catalog lookup for db loop failed", zap.Error(err))
		e.updateConnectionStatus(func(s *ConnectionStatus) { s.MySQLConnected = false })
		return
	}

	names := UnionRobotNames(robots, e.jobSlugs())

	executions := e.pool.ExecutionsFor(ctx, names)
	e.cache.Set(enum.CacheKeyExecutions, executions, nil)

	ok, msg := e.pool.Probe(ctx)
	e.updateConnectionStatus(func(s *ConnectionStatus) {
		s.MySQLConnected = ok
		s.MySQLMessage = msg
	})

	e.cache.Set(enum.CacheKeyRPAsProcessed, BuildRPAsProcessed(robots, executions), nil)
}

func (e *Engine) jobSlugs() []string {
	entry, ok := e.cache.Get(enum.CacheKeyJobs)
	if !ok {
		return nil
	}
	jobs, ok := entry.Data.([]k8sadapter.JobView)
	if !ok {
		return nil
	}
	slugs := make([]string, 0, len(jobs))
	for _, j := range jobs {
		slugs = append(slugs, j.Slug())
	}
	return slugs
}

// UnionRobotNames merges catalog robot names with an extra slug list,
// preserving first-seen order and dropping duplicates.
func UnionRobotNames(robots []catalog.Robot, extra []string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, r := range robots {
		if !seen[r.Name] {
			seen[r.Name] = true
			names = append(names, r.Name)
		}
	}
	for _, n := range extra {
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	return names
}

// RPAStatus is one entry of the RPAS_PROCESSED derived view.
type RPAStatus struct {
	Name               string `json:"name"`
	Alias              string `json:"alias"`
	PendingExecutions  int    `json:"execucoes_pendentes"`
	Active             bool   `json:"active"`
}

// BuildRPAsProcessed is the RPAS_PROCESSED derived-view algorithm, shared
// between the db loop and the REST facade's on-demand synthesis path.
func BuildRPAsProcessed(robots []catalog.Robot, executions map[string][]mysqlpool.Execution) []RPAStatus {
	out := make([]RPAStatus, 0, len(robots))
	for _, r := range robots {
		pending := CountPending(r.Name, executions)
		out = append(out, RPAStatus{Name: r.Name, Alias: r.Alias, PendingExecutions: pending, Active: r.Active})
	}
	return out
}

// CountPending uses the tolerant name matching spec.md §4.7 requires:
// exact match first, then normalized-slug match.
func CountPending(name string, executions map[string][]mysqlpool.Execution) int {
	return len(CountPendingRows(name, executions))
}

// CountPendingRows returns the pending-execution rows matched for name
// under the same tolerant lookup CountPending summarizes.
func CountPendingRows(name string, executions map[string][]mysqlpool.Execution) []mysqlpool.Execution {
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

// CronjobStatus is one entry of the CRONJOBS_PROCESSED derived view.
type CronjobStatus struct {
	k8sadapter.CronJobView
	Alias             string `json:"alias"`
	DependsOnExec     bool   `json:"depends_on_executions"`
	PendingExecutions int    `json:"execucoes_pendentes"`
}

// JoinCronjobsWithCatalog is the CRONJOBS_PROCESSED derived-view algorithm,
// shared between the cluster loop and the REST facade's on-demand synthesis.
func JoinCronjobsWithCatalog(cronjobs []k8sadapter.CronJobView, robots []catalog.Robot) []CronjobStatus {
	byName := RobotsByNormalizedName(robots, enum.RobotVariantCronjob)
	out := make([]CronjobStatus, 0, len(cronjobs))
	for _, c := range cronjobs {
		s := CronjobStatus{CronJobView: c}
		if r, ok := byName[slug.Normalize(slug.Resolve(c.Name, c.Labels))]; ok {
			s.Alias = r.Alias
			s.DependsOnExec = r.DependsOnExec
		}
		out = append(out, s)
	}
	return out
}

// DeploymentStatus is one entry of the DEPLOYMENTS_PROCESSED derived view.
type DeploymentStatus struct {
	k8sadapter.DeploymentView
	Alias         string `json:"alias"`
	DependsOnExec bool   `json:"depends_on_executions"`
}

// JoinDeploymentsWithCatalog is the DEPLOYMENTS_PROCESSED derived-view
// algorithm, shared between the cluster loop and the REST facade.
func JoinDeploymentsWithCatalog(deployments []k8sadapter.DeploymentView, robots []catalog.Robot) []DeploymentStatus {
	byName := RobotsByNormalizedName(robots, enum.RobotVariantDeployment)
	out := make([]DeploymentStatus, 0, len(deployments))
	for _, d := range deployments {
		s := DeploymentStatus{DeploymentView: d}
		if r, ok := byName[slug.Normalize(slug.Resolve(d.Name, d.Labels))]; ok {
			s.Alias = r.Alias
			s.DependsOnExec = r.DependsOnExec
		}
		out = append(out, s)
	}
	return out
}

// RobotsByNormalizedName indexes robots of one variant by their
// normalized-slug name for the joins above.
func RobotsByNormalizedName(robots []catalog.Robot, variant enum.RobotVariant) map[string]catalog.Robot {
	out := make(map[string]catalog.Robot)
	for _, r := range robots {
		if r.Variant == variant {
			out[slug.Normalize(r.Name)] = r
		}
	}
	return out
}

// ConnectionStatus is the CONNECTION_STATUS cache entry, separating SSH
// and MySQL health so users can diagnose which transport is degraded.
type ConnectionStatus struct {
	SSHConnected   bool   `json:"ssh_connected"`
	MySQLConnected bool   `json:"mysql_connected"`
	MySQLMessage   string `json:"mysql_message"`
}

func (e *Engine) updateConnectionStatus(mutate func(*ConnectionStatus)) {
	var status ConnectionStatus
	if entry, ok := e.cache.Get(enum.CacheKeyConnectionStatus); ok {
		if s, ok := entry.Data.(ConnectionStatus); ok {
			status = s
		}
	}
	mutate(&status)
	e.cache.Set(enum.CacheKeyConnectionStatus, status, nil)
}
