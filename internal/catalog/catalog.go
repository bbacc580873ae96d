// Package catalog is the persistent catalog store (C4): a durable,
// relational store of robot definitions and failure records. Nothing else
// in the system writes to the durable store. Mirrors the teacher's
// parseDatabase dual-driver DSN convention, but reads/writes via plain
// database/sql rather than a generated ORM client.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	apperrors "robotplane/internal/errors"
	"robotplane/internal/enum"
)

// Store wraps a *sql.DB against the unified `robots` + `failures` schema.
// A single table keyed by a `variant` discriminator column was chosen over
// one table per variant (spec.md §4.4 leaves either as correct); see
// DESIGN.md for the reasoning.
type Store struct {
	db     *sql.DB
	driver string
}

// Open parses dbURL the way the teacher's cmd/server parseDatabase does:
// sqlite://path or postgresql://dsn. The directory holding a sqlite file is
// not created here; it must already exist.
func Open(dbURL string) (*Store, error) {
	switch {
	case strings.HasPrefix(dbURL, "sqlite://"):
		path := strings.TrimPrefix(dbURL, "sqlite://")
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		db, err := sql.Open("sqlite3", path+sep+"_fk=1")
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindConfig, "opening sqlite catalog")
		}
		return &Store{db: db, driver: "sqlite3"}, nil
	case strings.HasPrefix(dbURL, "postgresql://"), strings.HasPrefix(dbURL, "postgres://"):
		db, err := sql.Open("postgres", dbURL)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindConfig, "opening postgres catalog")
		}
		return &Store{db: db, driver: "postgres"}, nil
	default:
		return nil, apperrors.New(apperrors.KindConfig, "unsupported catalog database URL scheme: "+dbURL)
	}
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the robots and failures tables if they don't exist.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS robots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			variant TEXT NOT NULL,
			alias TEXT,
			tags TEXT,
			active BOOLEAN NOT NULL DEFAULT 1,
			image_repository TEXT,
			image_tag TEXT,
			mem_limit_bytes BIGINT,
			namespace TEXT,
			max_instances INTEGER,
			max_mem_per_instance BIGINT,
			uses_external_files BOOLEAN,
			lifetime_sec BIGINT,
			cron_expression TEXT,
			timezone TEXT,
			suspended BOOLEAN,
			ttl_after_finish_sec INTEGER,
			depends_on_executions BOOLEAN,
			replicas INTEGER,
			ready_replicas INTEGER,
			available_replicas INTEGER,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			deactivated_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS failures (
			id TEXT PRIMARY KEY,
			pod_name TEXT NOT NULL UNIQUE,
			namespace TEXT,
			labels TEXT,
			phase TEXT,
			status_text TEXT,
			start_time TIMESTAMP,
			containers TEXT,
			logs TEXT,
			robot_name TEXT,
			failed_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_failures_failed_at ON failures(failed_at)`,
	}
	for _, stmt := range stmts {
		if s.driver == "sqlite3" {
			stmt = strings.Replace(stmt, "BOOLEAN", "INTEGER", -1)
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return apperrors.Wrap(err, apperrors.KindInternal, "running catalog migration")
		}
	}
	return nil
}

// Robot is the unified catalog entity, tagged by Variant per spec.md §3.
type Robot struct {
	Name        string
	Variant     enum.RobotVariant
	Alias       string
	Tags        []string
	Active      bool
	ImageRepo   string
	ImageTag    string
	MemLimitMB  int
	Namespace   string

	// rpa
	MaxInstances       int
	MaxMemPerInstance  int
	UsesExternalFiles  bool
	LifetimeSec        int64

	// cronjob
	CronExpression string
	Timezone       string
	Suspended      bool
	TTLAfterFinish int
	DependsOnExec  bool

	// deployment
	Replicas         int
	ReadyReplicas    int
	AvailableReplicas int

	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeactivatedAt *time.Time
}

func (r *Robot) autoTag() string { return r.Variant.AutoTag() }

// placeholder returns the driver-appropriate positional placeholder.
func (s *Store) placeholder(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// CreateRobot inserts a new robot definition. Returns KindAlreadyExists if
// the name is taken.
func (s *Store) CreateRobot(ctx context.Context, r *Robot) error {
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	r.Active = true
	tags := appendAutoTag(r.Tags, r.autoTag())

	query := fmt.Sprintf(`INSERT INTO robots
		(name, variant, alias, tags, active, image_repository, image_tag, mem_limit_bytes, namespace,
		 max_instances, max_mem_per_instance, uses_external_files, lifetime_sec,
		 cron_expression, timezone, suspended, ttl_after_finish_sec, depends_on_executions,
		 replicas, ready_replicas, available_replicas, created_at, updated_at)
		VALUES (%s)`, placeholderList(s, 23))

	_, err := s.db.ExecContext(ctx, query,
		r.Name, string(r.Variant), r.Alias, strings.Join(tags, ","), r.Active, r.ImageRepo, r.ImageTag, r.MemLimitMB, r.Namespace,
		r.MaxInstances, r.MaxMemPerInstance, r.UsesExternalFiles, r.LifetimeSec,
		r.CronExpression, r.Timezone, r.Suspended, r.TTLAfterFinish, r.DependsOnExec,
		r.Replicas, r.ReadyReplicas, r.AvailableReplicas, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.NewAlreadyExistsError("robot " + r.Name)
		}
		return apperrors.Wrap(err, apperrors.KindInternal, "inserting robot")
	}
	return nil
}

func placeholderList(s *Store, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = s.placeholder(i + 1)
	}
	return strings.Join(parts, ", ")
}

func appendAutoTag(tags []string, autoTag string) []string {
	for _, t := range tags {
		if t == autoTag {
			return tags
		}
	}
	return append(tags, autoTag)
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

// UpdateRobot updates the mutable fields of an existing robot by name.
func (s *Store) UpdateRobot(ctx context.Context, r *Robot) error {
	r.UpdatedAt = time.Now()
	query := fmt.Sprintf(`UPDATE robots SET alias=%s, tags=%s, image_repository=%s, image_tag=%s,
		mem_limit_bytes=%s, max_instances=%s, max_mem_per_instance=%s, uses_external_files=%s, lifetime_sec=%s,
		cron_expression=%s, timezone=%s, suspended=%s, ttl_after_finish_sec=%s, depends_on_executions=%s,
		replicas=%s, updated_at=%s WHERE name=%s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5),
		s.placeholder(6), s.placeholder(7), s.placeholder(8), s.placeholder(9), s.placeholder(10),
		s.placeholder(11), s.placeholder(12), s.placeholder(13), s.placeholder(14), s.placeholder(15),
		s.placeholder(16), s.placeholder(17))

	res, err := s.db.ExecContext(ctx, query,
		r.Alias, strings.Join(r.Tags, ","), r.ImageRepo, r.ImageTag,
		r.MemLimitMB, r.MaxInstances, r.MaxMemPerInstance, r.UsesExternalFiles, r.LifetimeSec,
		r.CronExpression, r.Timezone, r.Suspended, r.TTLAfterFinish, r.DependsOnExec,
		r.Replicas, r.UpdatedAt, r.Name,
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindInternal, "updating robot")
	}
	return checkAffected(res, r.Name)
}

func checkAffected(res sql.Result, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindInternal, "checking affected rows")
	}
	if n == 0 {
		return apperrors.NewNotFoundError("robot " + name)
	}
	return nil
}

// Deactivate flips active=false, suspended=true, and stamps deactivated_at,
// per spec.md §3's standby round-trip law.
func (s *Store) Deactivate(ctx context.Context, name string) error {
	now := time.Now()
	query := fmt.Sprintf("UPDATE robots SET active=%s, suspended=%s, deactivated_at=%s, updated_at=%s WHERE name=%s",
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5))
	res, err := s.db.ExecContext(ctx, query, false, true, now, now, name)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindInternal, "deactivating robot")
	}
	return checkAffected(res, name)
}

// Activate flips active=true, suspended=false, and clears deactivated_at.
func (s *Store) Activate(ctx context.Context, name string) error {
	now := time.Now()
	query := fmt.Sprintf("UPDATE robots SET active=%s, suspended=%s, deactivated_at=NULL, updated_at=%s WHERE name=%s",
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4))
	res, err := s.db.ExecContext(ctx, query, true, false, now, name)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindInternal, "activating robot")
	}
	return checkAffected(res, name)
}

// Delete removes a robot definition by name.
func (s *Store) Delete(ctx context.Context, name string) error {
	query := fmt.Sprintf("DELETE FROM robots WHERE name=%s", s.placeholder(1))
	res, err := s.db.ExecContext(ctx, query, name)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindInternal, "deleting robot")
	}
	return checkAffected(res, name)
}

// ActiveByVariant returns all active robots of the given variant.
func (s *Store) ActiveByVariant(ctx context.Context, variant enum.RobotVariant) ([]Robot, error) {
	query := fmt.Sprintf("SELECT %s FROM robots WHERE variant=%s AND active=%s", robotColumns, s.placeholder(1), s.placeholder(2))
	rows, err := s.db.QueryContext(ctx, query, string(variant), true)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindInternal, "querying active robots")
	}
	defer rows.Close()
	return scanRobots(rows)
}

// All returns every robot definition regardless of variant or active flag.
func (s *Store) All(ctx context.Context) ([]Robot, error) {
	query := "SELECT " + robotColumns + " FROM robots"
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindInternal, "querying robots")
	}
	defer rows.Close()
	return scanRobots(rows)
}

const robotColumns = `name, variant, alias, tags, active, image_repository, image_tag, mem_limit_bytes, namespace,
	max_instances, max_mem_per_instance, uses_external_files, lifetime_sec,
	cron_expression, timezone, suspended, ttl_after_finish_sec, depends_on_executions,
	replicas, ready_replicas, available_replicas, created_at, updated_at, deactivated_at`

func scanRobots(rows *sql.Rows) ([]Robot, error) {
	var out []Robot
	for rows.Next() {
		var r Robot
		var variant, tags string
		var deactivatedAt sql.NullTime
		if err := rows.Scan(
			&r.Name, &variant, &r.Alias, &tags, &r.Active, &r.ImageRepo, &r.ImageTag, &r.MemLimitMB, &r.Namespace,
			&r.MaxInstances, &r.MaxMemPerInstance, &r.UsesExternalFiles, &r.LifetimeSec,
			&r.CronExpression, &r.Timezone, &r.Suspended, &r.TTLAfterFinish, &r.DependsOnExec,
			&r.Replicas, &r.ReadyReplicas, &r.AvailableReplicas, &r.CreatedAt, &r.UpdatedAt, &deactivatedAt,
		); err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindInternal, "scanning robot row")
		}
		r.Variant = enum.RobotVariant(variant)
		if tags != "" {
			r.Tags = strings.Split(tags, ",")
		}
		if deactivatedAt.Valid {
			r.DeactivatedAt = &deactivatedAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FailureRecord is a persisted pod-failure observation, per spec.md §3.
type FailureRecord struct {
	ID         string
	PodName    string
	Namespace  string
	Labels     string
	Phase      string
	StatusText string
	StartTime  *time.Time
	Containers string
	Logs       string
	RobotName  string
	FailedAt   time.Time
}

// InsertFailure persists a new failure record. Callers are expected to
// dedup by pod name before calling (see internal/harvester); a unique
// constraint on pod_name makes a duplicate insert a no-op error here.
func (s *Store) InsertFailure(ctx context.Context, f *FailureRecord) error {
	query := fmt.Sprintf(`INSERT INTO failures
		(id, pod_name, namespace, labels, phase, status_text, start_time, containers, logs, robot_name, failed_at)
		VALUES (%s)`, placeholderList(s, 11))
	_, err := s.db.ExecContext(ctx, query,
		f.ID, f.PodName, f.Namespace, f.Labels, f.Phase, f.StatusText, f.StartTime, f.Containers, f.Logs, f.RobotName, f.FailedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return apperrors.Wrap(err, apperrors.KindInternal, "inserting failure record")
	}
	return nil
}

// FailureExists reports whether a failure record for podName already exists.
func (s *Store) FailureExists(ctx context.Context, podName string) (bool, error) {
	query := fmt.Sprintf("SELECT 1 FROM failures WHERE pod_name=%s", s.placeholder(1))
	row := s.db.QueryRowContext(ctx, query, podName)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.KindInternal, "checking failure existence")
	}
	return true, nil
}

// PruneFailuresOlderThan deletes failure records with failed_at before cutoff.
func (s *Store) PruneFailuresOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf("DELETE FROM failures WHERE failed_at < %s", s.placeholder(1))
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.KindInternal, "pruning failure records")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.KindInternal, "counting pruned failure records")
	}
	return n, nil
}
