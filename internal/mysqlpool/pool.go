// Package mysqlpool is the bounded MySQL connection pool (C2): read-only
// access to the external business-records database, with driver-error
// classification and recovery for the two failure modes spec.md §4.2 calls
// out by name.
package mysqlpool

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	apperrors "robotplane/internal/errors"
	"robotplane/internal/logger"
)

// Config matches spec.md §6's [MySQL] section.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	PoolSize int
}

func (c Config) dsn() string {
	if c.PoolSize <= 0 {
		c.PoolSize = 3
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", c.User, c.Password, c.Host, c.Port, c.Database)
}

// Pool wraps a *sql.DB configured for the pool size spec.md names; the
// standard library's connection pool already provides the "bounded pool
// with per-connection reset-on-return" behavior, so there is no hand-rolled
// free-list here (see DESIGN.md).
type Pool struct {
	cfg        Config
	db         *sql.DB
	driverName string
}

// Open opens the pool and applies SetMaxOpenConns/SetMaxIdleConns from
// cfg.PoolSize.
func Open(cfg Config) (*Pool, error) {
	db, err := sql.Open("mysql", cfg.dsn())
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindConfig, "opening mysql pool")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 3
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	return &Pool{cfg: cfg, db: db, driverName: "mysql"}, nil
}

// Close shuts down the pool.
func (p *Pool) Close() error {
	return p.db.Close()
}

// Execution is one row of the pending-executions query.
type Execution struct {
	ID        int64
	RobotName string
	Status    int
}

const executionsQuery = `
SELECT e.id, r.nome_do_robo, e.status_01
FROM execucao e
JOIN robo r ON e.robo_id = r.id
WHERE r.nome_do_robo IN (%s) AND e.status_01 = 4
`

const pendingStatus = 4
const maxAttempts = 3

// ExecutionsFor returns pending executions grouped by robot name. An empty
// names slice returns {} without issuing a query, per spec.md §8. Any
// non-recoverable error also returns {} — this path feeds a cache and must
// never propagate.
func (p *Pool) ExecutionsFor(ctx context.Context, names []string) map[string][]Execution {
	if len(names) == 0 {
		return map[string][]Execution{}
	}

	log := logger.GetLogger(ctx)
	resets := 0

	result, err := p.attempt(ctx, names)
	for attempt := 2; attempt <= maxAttempts && err != nil; attempt++ {
		kind := classify(err)
		switch kind {
		case apperrors.KindProtocolState:
			resets++
			log.Warn("mysql unread result, closing and replacing connection", zap.Int("attempt", attempt))
			if rerr := p.reinit(); rerr != nil {
				log.Error("mysql pool reinit failed", zap.Error(rerr))
				return map[string][]Execution{}
			}
		case apperrors.KindTransport:
			log.Warn("mysql server gone away, closing and replacing connection", zap.Int("attempt", attempt))
			if rerr := p.reinit(); rerr != nil {
				log.Error("mysql pool reinit failed", zap.Error(rerr))
				return map[string][]Execution{}
			}
		default:
			log.Error("mysql executionsFor failed, returning empty result", zap.Error(err))
			return map[string][]Execution{}
		}
		result, err = p.attempt(ctx, names)
	}
	if err != nil {
		log.Error("mysql executionsFor exhausted retries, returning empty result", zap.Error(err))
		return map[string][]Execution{}
	}

	if resets > 0 {
		log.Info("mysql executionsFor recovered after connection resets", zap.Int("resets", resets))
	}
	return result
}

func (p *Pool) attempt(ctx context.Context, names []string) (map[string][]Execution, error) {
	placeholders := make([]string, len(names))
	args := make([]interface{}, len(names))
	for i, n := range names {
		placeholders[i] = "?"
		args[i] = n
	}
	query := fmt.Sprintf(executionsQuery, strings.Join(placeholders, ", "))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]Execution)
	for rows.Next() {
		var e Execution
		if err := rows.Scan(&e.ID, &e.RobotName, &e.Status); err != nil {
			return nil, err
		}
		out[e.RobotName] = append(out[e.RobotName], e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Pool) reinit() error {
	_ = p.db.Close()
	driverName := p.driverName
	if driverName == "" {
		driverName = "mysql"
	}
	db, err := sql.Open(driverName, p.cfg.dsn())
	if err != nil {
		return err
	}
	poolSize := p.cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 3
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	p.db = db
	return nil
}

// classify maps a driver-surfaced error to the failure-mode vocabulary
// spec.md §4.2/§7 names.
func classify(err error) apperrors.Kind {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unread result"):
		return apperrors.KindProtocolState
	case strings.Contains(msg, "server has gone away"), strings.Contains(msg, "bad connection"):
		return apperrors.KindTransport
	case strings.Contains(msg, "access denied"):
		return apperrors.KindAuthDenied
	case strings.Contains(msg, "unknown database"):
		return apperrors.KindUnknownDatabase
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "connection refused"), strings.Contains(msg, "i/o timeout"):
		return apperrors.KindTransport
	default:
		return apperrors.KindInternal
	}
}

// Probe is the connectivity probe returning (ok, humanMessage) per
// spec.md §4.2.
func (p *Pool) Probe(ctx context.Context) (bool, string) {
	if err := p.db.PingContext(ctx); err != nil {
		kind := classify(err)
		switch kind {
		case apperrors.KindAuthDenied:
			return false, "authentication denied"
		case apperrors.KindUnknownDatabase:
			return false, "unknown database"
		case apperrors.KindProtocolState:
			return false, "protocol state error"
		case apperrors.KindTransport:
			return false, "network unreachable"
		default:
			return false, err.Error()
		}
	}
	return true, "ok"
}
