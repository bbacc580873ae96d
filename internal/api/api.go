// Package api is the REST Facade (C9): a chi.Router serving read-through
// list endpoints over the cache (C5), mutating endpoints that write to the
// catalog (C4) and/or the cluster (C3) then invalidate the relevant cache
// entries, and the jobs/status dashboard aggregation endpoint. Creating or
// updating a robot writes only its catalog row; no CronJob or Deployment
// manifest is applied to the cluster by these handlers (an RPA create may
// still admit Jobs for already-pending executions).
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"robotplane/internal/cache"
	"robotplane/internal/catalog"
	apperrors "robotplane/internal/errors"
	"robotplane/internal/enum"
	"robotplane/internal/k8sadapter"
	"robotplane/internal/logger"
	"robotplane/internal/mysqlpool"
	"robotplane/internal/polling"
	"robotplane/internal/slug"
)

// Server holds every collaborator the facade's handlers need.
type Server struct {
	cache   *cache.Cache
	store   *catalog.Store
	cluster *k8sadapter.Adapter
}

// NewServer wires the facade's collaborators.
func NewServer(c *cache.Cache, store *catalog.Store, cluster *k8sadapter.Adapter) *Server {
	return &Server{cache: c, store: store, cluster: cluster}
}

// Router builds the chi.Router exposing every endpoint spec.md §4.9 names.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	r.Get("/rpas", s.handleListRPAs)
	r.Get("/cronjobs", s.handleListCronjobs)
	r.Get("/deployments", s.handleListDeployments)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/pods", s.handleListPods)
	r.Get("/executions", s.handleListExecutions)
	r.Get("/resources/vm", s.handleVMResources)
	r.Get("/connection/status", s.handleConnectionStatus)
	r.Get("/jobs/status", s.handleJobsStatus)
	r.Delete("/jobs/{name}", s.handleDeleteJob)
	r.Delete("/pods/{name}", s.handleDeletePod)
	r.Get("/pods/{name}/logs", s.handlePodLogs)
	r.Post("/connection/reload", s.handleConnectionReload)

	r.Post("/robots", s.handleCreateRobot)
	r.Put("/robots/{name}", s.handleUpdateRobot)
	r.Delete("/robots/{name}", s.handleDestroyRobot)
	r.Post("/robots/{name}/standby", s.handleStandby)
	r.Post("/robots/{name}/activate", s.handleActivate)
	r.Post("/robots/{name}/run_now", s.handleRunNow)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// writeJSON serializes v as the response body with the given status.
// writeError below translates an AppError into its mapped HTTP status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	log := logger.GetLogger(r.Context())
	if ae, ok := err.(*apperrors.AppError); ok {
		log.Warn("request failed", zap.String("kind", string(ae.Kind)), zap.Error(err))
		writeJSON(w, ae.StatusCode, map[string]string{"error": ae.Message, "kind": string(ae.Kind)})
		return
	}
	log.Error("request failed with unclassified error", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

// readThrough serves a cache entry verbatim, synthesizing it once via
// synth if absent (first request after startup), per spec.md §4.9.
func (s *Server) readThrough(w http.ResponseWriter, r *http.Request, key enum.CacheKey, synth func() (interface{}, error)) {
	entry, ok := s.cache.Get(key)
	if !ok {
		data, err := synth()
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, data)
		return
	}
	writeJSON(w, http.StatusOK, entry.Data)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	s.readThrough(w, r, enum.CacheKeyJobs, func() (interface{}, error) {
		return s.cluster.ListJobs(r.Context(), "")
	})
}

func (s *Server) handleListPods(w http.ResponseWriter, r *http.Request) {
	s.readThrough(w, r, enum.CacheKeyPods, func() (interface{}, error) {
		return s.cluster.ListPods(r.Context(), "")
	})
}

func (s *Server) handleListCronjobs(w http.ResponseWriter, r *http.Request) {
	s.readThrough(w, r, enum.CacheKeyCronjobsProcessed, func() (interface{}, error) {
		cronjobs, err := s.cluster.ListCronjobs(r.Context())
		if err != nil {
			return nil, err
		}
		robots, err := s.store.All(r.Context())
		if err != nil {
			return nil, err
		}
		return polling.JoinCronjobsWithCatalog(cronjobs, robots), nil
	})
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	s.readThrough(w, r, enum.CacheKeyDeploymentsProcessed, func() (interface{}, error) {
		deployments, err := s.cluster.ListDeployments(r.Context())
		if err != nil {
			return nil, err
		}
		robots, err := s.store.All(r.Context())
		if err != nil {
			return nil, err
		}
		return polling.JoinDeploymentsWithCatalog(deployments, robots), nil
	})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.cache.Get(enum.CacheKeyExecutions)
	if !ok {
		writeJSON(w, http.StatusOK, map[string][]mysqlpool.Execution{})
		return
	}
	writeJSON(w, http.StatusOK, entry.Data)
}

func (s *Server) handleListRPAs(w http.ResponseWriter, r *http.Request) {
	s.readThrough(w, r, enum.CacheKeyRPAsProcessed, func() (interface{}, error) {
		robots, err := s.store.ActiveByVariant(r.Context(), enum.RobotVariantRPA)
		if err != nil {
			return nil, err
		}
		executions := map[string][]mysqlpool.Execution{}
		if e, ok := s.cache.Get(enum.CacheKeyExecutions); ok {
			if m, ok := e.Data.(map[string][]mysqlpool.Execution); ok {
				executions = m
			}
		}
		return polling.BuildRPAsProcessed(robots, executions), nil
	})
}

func (s *Server) handleVMResources(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.cache.Get(enum.CacheKeyVMResources)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, entry.Data)
}

func (s *Server) handleConnectionStatus(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.cache.Get(enum.CacheKeyConnectionStatus)
	if !ok {
		writeJSON(w, http.StatusOK, polling.ConnectionStatus{})
		return
	}
	writeJSON(w, http.StatusOK, entry.Data)
}

// jobStatusEntry is one robotSlug entry of the /jobs/status dashboard view.
type jobStatusEntry struct {
	Running           int    `json:"running"`
	Pending           int    `json:"pending"`
	Error             int    `json:"error"`
	Failed            int    `json:"failed"`
	Succeeded         int    `json:"succeeded"`
	Type              string `json:"type"`
	PendingExecutions int    `json:"execucoes_pendentes"`
	Alias             string `json:"apelido"`
}

// handleJobsStatus is the dashboard aggregation endpoint spec.md §4.9
// describes: Jobs + Pods snapshots grouped by robot slug, overlaid with
// catalog aliases/variants and pending-execution counts.
func (s *Server) handleJobsStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobs, err := s.cluster.ListJobs(ctx, "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	pods, err := s.cluster.ListPods(ctx, "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	robots, err := s.store.All(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	executions := map[string][]mysqlpool.Execution{}
	if e, ok := s.cache.Get(enum.CacheKeyExecutions); ok {
		if m, ok := e.Data.(map[string][]mysqlpool.Execution); ok {
			executions = m
		}
	}

	writeJSON(w, http.StatusOK, buildJobsStatus(jobs, pods, robots, executions))
}

// buildJobsStatus implements spec.md §4.9's dashboard aggregation algorithm.
func buildJobsStatus(jobs []k8sadapter.JobView, pods []k8sadapter.PodView, robots []catalog.Robot, executions map[string][]mysqlpool.Execution) map[string]*jobStatusEntry {
	out := make(map[string]*jobStatusEntry)
	entryFor := func(name string) *jobStatusEntry {
		e, ok := out[name]
		if !ok {
			e = &jobStatusEntry{Type: "RPA"}
			out[name] = e
		}
		return e
	}

	for _, j := range jobs {
		e := entryFor(j.Slug())
		e.Running += int(j.Active)
		e.Failed += int(j.Failed)
		e.Succeeded += int(j.Succeeded)
	}

	for _, p := range pods {
		if _, isJobPod := p.Labels["job-name"]; isJobPod {
			continue
		}
		e := entryFor(p.Slug())
		e.Type = "Deploy"
		switch p.Phase {
		case "Running":
			e.Running++
		case "Pending":
			e.Pending++
		}
		if p.Status.IsFailure() {
			e.Error++
		}
	}

	aliasByName := make(map[string]catalog.Robot)
	for _, r := range robots {
		aliasByName[slug.Normalize(r.Name)] = r
	}

	for name, e := range out {
		if r, ok := aliasByName[slug.Normalize(name)]; ok {
			e.Alias = r.Alias
			e.Type = string(r.Variant)
		}
		e.PendingExecutions = polling.CountPending(name, executions)
	}

	if e, ok := out["unknown"]; ok && e.Running == 0 && e.Failed == 0 {
		delete(out, "unknown")
	}

	return out
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.cluster.DeleteJob(r.Context(), name); err != nil {
		writeError(w, r, err)
		return
	}
	s.cache.Invalidate(enum.CacheKeyJobs)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeletePod(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.cluster.DeletePod(r.Context(), name); err != nil {
		writeError(w, r, err)
		return
	}
	s.cache.Invalidate(enum.CacheKeyPods)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePodLogs(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	tail := 1000
	if raw := r.URL.Query().Get("tail"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			tail = n
		}
	}
	logs, err := s.cluster.PodLogs(r.Context(), name, tail)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}

// handleConnectionReload invalidates CONNECTION_STATUS so the snapshot is
// rebuilt rather than served as last known: the cluster loop's next tick
// rewrites the SSH half and the db loop's next tick rewrites the MySQL half.
func (s *Server) handleConnectionReload(w http.ResponseWriter, r *http.Request) {
	s.cache.Invalidate(enum.CacheKeyConnectionStatus)
	w.WriteHeader(http.StatusAccepted)
}

// robotRequest decodes the robot envelope a create/update request body
// carries.
type robotRequest struct {
	Name              string   `json:"name"`
	Variant           string   `json:"variant"`
	Alias             string   `json:"alias"`
	Tags              []string `json:"tags"`
	ImageRepo         string   `json:"image_repository"`
	ImageTag          string   `json:"image_tag"`
	MemLimitMB        int      `json:"mem_limit_mb"`
	Namespace         string   `json:"namespace"`
	MaxInstances      int      `json:"max_instances"`
	MaxMemPerInstance int      `json:"max_mem_per_instance"`
	UsesExternalFiles bool     `json:"uses_external_files"`
	LifetimeSec       int64    `json:"lifetime_sec"`
	CronExpression    string   `json:"cron_expression"`
	Timezone          string   `json:"timezone"`
	TTLAfterFinish    int      `json:"ttl_after_finish_sec"`
	DependsOnExec     bool     `json:"depends_on_executions"`
	Replicas          int      `json:"replicas"`
}

func (req robotRequest) toRobot() *catalog.Robot {
	return &catalog.Robot{
		Name:              req.Name,
		Variant:           enum.RobotVariant(req.Variant),
		Alias:             req.Alias,
		Tags:              req.Tags,
		ImageRepo:         req.ImageRepo,
		ImageTag:          req.ImageTag,
		MemLimitMB:        req.MemLimitMB,
		Namespace:         req.Namespace,
		MaxInstances:      req.MaxInstances,
		MaxMemPerInstance: req.MaxMemPerInstance,
		UsesExternalFiles: req.UsesExternalFiles,
		LifetimeSec:       req.LifetimeSec,
		CronExpression:    req.CronExpression,
		Timezone:          req.Timezone,
		TTLAfterFinish:    req.TTLAfterFinish,
		DependsOnExec:     req.DependsOnExec,
		Replicas:          req.Replicas,
	}
}

// handleCreateRobot creates the catalog row and, for an RPA with pending
// executions already waiting, runs one synchronous reconciliation pass
// bounded by createJob's normal slot semantics, per spec.md §4.9.
func (s *Server) handleCreateRobot(w http.ResponseWriter, r *http.Request) {
	var req robotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperrors.NewValidationError("malformed request body"))
		return
	}
	if req.Name == "" {
		writeError(w, r, apperrors.NewValidationError("name is required"))
		return
	}

	robot := req.toRobot()
	if err := s.store.CreateRobot(r.Context(), robot); err != nil {
		writeError(w, r, err)
		return
	}

	s.invalidateFor(robot.Variant)
	if robot.Variant == enum.RobotVariantRPA {
		if entry, ok := s.cache.Get(enum.CacheKeyExecutions); ok {
			if executions, ok := entry.Data.(map[string][]mysqlpool.Execution); ok && len(polling.CountPendingRows(robot.Name, executions)) > 0 {
				spec := k8sadapter.JobSpec{
					RobotName:     robot.Name,
					ImageTag:      robot.ImageTag,
					MemLimitMB:    robot.MemLimitMB,
					ExternalFiles: robot.UsesExternalFiles,
					LifetimeSec:   robot.LifetimeSec,
					Namespace:     robot.Namespace,
				}
				spec.SetMaxInstances(robot.MaxInstances)
				if _, err := s.cluster.CreateJob(r.Context(), spec); err != nil {
					logger.GetLogger(r.Context()).Warn("create: synchronous reconciliation pass failed", zap.String("robot", robot.Name), zap.Error(err))
				}
			}
		}
	}

	writeJSON(w, http.StatusCreated, robot)
}

func (s *Server) handleUpdateRobot(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req robotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperrors.NewValidationError("malformed request body"))
		return
	}
	req.Name = name
	robot := req.toRobot()
	if err := s.store.UpdateRobot(r.Context(), robot); err != nil {
		writeError(w, r, err)
		return
	}
	s.invalidateFor(robot.Variant)
	writeJSON(w, http.StatusOK, robot)
}

func (s *Server) handleDestroyRobot(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.store.Delete(r.Context(), name); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.cluster.DeleteBotResources(r.Context(), []string{name}, []string{"rpa-cronjob-" + name}, []string{"rpa-deployment-" + name}); err != nil {
		logger.GetLogger(r.Context()).Warn("destroy: cluster cleanup had partial failures", zap.String("robot", name), zap.Error(err))
	}
	s.invalidateAll()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStandby(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.store.Deactivate(r.Context(), name); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.cluster.SuspendCronjob(r.Context(), "rpa-cronjob-"+name); err != nil {
		logger.GetLogger(r.Context()).Warn("standby: suspend failed", zap.String("robot", name), zap.Error(err))
	}
	deleted, err := s.cluster.DeleteJobsBySelector(r.Context(), "nome_robo="+strings.ToLower(name))
	if err != nil {
		logger.GetLogger(r.Context()).Warn("standby: job cleanup had partial failures", zap.String("robot", name), zap.Error(err))
	}
	s.invalidateAll()
	writeJSON(w, http.StatusOK, map[string]int{"jobs_deletados": deleted})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.store.Activate(r.Context(), name); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.cluster.UnsuspendCronjob(r.Context(), "rpa-cronjob-"+name); err != nil {
		logger.GetLogger(r.Context()).Warn("activate: unsuspend failed", zap.String("robot", name), zap.Error(err))
	}
	s.invalidateAll()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.cluster.CreateJobFromCronjob(r.Context(), "rpa-cronjob-"+name, time.Now().Unix()); err != nil {
		writeError(w, r, err)
		return
	}
	s.cache.Invalidate(enum.CacheKeyJobs)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) invalidateFor(variant enum.RobotVariant) {
	switch variant {
	case enum.RobotVariantRPA:
		s.cache.Invalidate(enum.CacheKeyRPAsProcessed)
		s.cache.Invalidate(enum.CacheKeyJobs)
	case enum.RobotVariantCronjob:
		s.cache.Invalidate(enum.CacheKeyCronjobsProcessed)
		s.cache.Invalidate(enum.CacheKeyCronjobs)
	case enum.RobotVariantDeployment:
		s.cache.Invalidate(enum.CacheKeyDeploymentsProcessed)
		s.cache.Invalidate(enum.CacheKeyDeployments)
	}
}

func (s *Server) invalidateAll() {
	s.invalidateFor(enum.RobotVariantRPA)
	s.invalidateFor(enum.RobotVariantCronjob)
	s.invalidateFor(enum.RobotVariantDeployment)
}
