package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"robotplane/internal/api"
	"robotplane/internal/cache"
	"robotplane/internal/catalog"
	"robotplane/internal/config"
	"robotplane/internal/harvester"
	"robotplane/internal/k8sadapter"
	"robotplane/internal/logger"
	"robotplane/internal/mysqlpool"
	"robotplane/internal/polling"
	"robotplane/internal/reconciler"
	"robotplane/internal/sshx"
)

func main() {
	app := &cli.App{
		Name:    "robotplane",
		Usage:   "Robot Plane Control Plane - remote RPA/cronjob/deployment orchestration over SSH and Kubernetes",
		Version: "0.1.0",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Start the control plane server (polling engine, reconciler, harvester, REST facade)",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Usage:   "Path to the INI configuration file (ssh, mysql, paths, api sections)",
						Value:   "./config.ini",
						EnvVars: []string{"ROBOTPLANE_CONFIG"},
					},
					&cli.StringFlag{
						Name:    "catalog-database",
						Usage:   "Catalog store connection string (sqlite://path/to/db.sqlite or postgresql://...)",
						Value:   "sqlite://./data/robotplane.db",
						EnvVars: []string{"ROBOTPLANE_CATALOG_DATABASE"},
					},
					&cli.StringFlag{
						Name:    "namespace",
						Usage:   "Kubernetes namespace the adapter targets",
						Value:   "default",
						EnvVars: []string{"ROBOTPLANE_NAMESPACE"},
					},
					&cli.DurationFlag{
						Name:    "cluster-poll-interval",
						Usage:   "How often the cluster loop refreshes jobs/pods/cronjobs/deployments/resources",
						Value:   7 * time.Second,
						EnvVars: []string{"ROBOTPLANE_CLUSTER_POLL_INTERVAL"},
					},
					&cli.DurationFlag{
						Name:    "db-poll-interval",
						Usage:   "How often the db loop refreshes pending executions",
						Value:   10 * time.Second,
						EnvVars: []string{"ROBOTPLANE_DB_POLL_INTERVAL"},
					},
					&cli.DurationFlag{
						Name:    "reconcile-interval",
						Usage:   "How often the reconciler admits new jobs for pending executions",
						Value:   10 * time.Second,
						EnvVars: []string{"ROBOTPLANE_RECONCILE_INTERVAL"},
					},
					&cli.DurationFlag{
						Name:    "harvest-interval",
						Usage:   "How often the failure harvester scans pods and sweeps expired records",
						Value:   7 * time.Second,
						EnvVars: []string{"ROBOTPLANE_HARVEST_INTERVAL"},
					},
				},
				Action: runServe,
			},
			{
				Name:  "migrate",
				Usage: "Run catalog store migrations",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "catalog-database",
						Usage:   "Catalog store connection string (sqlite://path/to/db.sqlite or postgresql://...)",
						Value:   "sqlite://./data/robotplane.db",
						EnvVars: []string{"ROBOTPLANE_CATALOG_DATABASE"},
					},
				},
				Action: runMigrate,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Fatal(context.Background(), "fatal startup error", zap.Error(err))
	}
}

func runServe(c *cli.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, log := logger.PrepareLogger(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutdown signal received, draining loops")
		cancel()
	}()

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ssh, err := sshx.New(ctx, sshx.Config{
		Host:     cfg.SSH.Host,
		Port:     cfg.SSH.Port,
		Username: cfg.SSH.Username,
		UseKey:   cfg.SSH.UseKey,
		KeyPath:  cfg.SSH.KeyPath,
		Password: cfg.SSH.Password,
	})
	if err != nil {
		return fmt.Errorf("dialing ssh transport: %w", err)
	}
	defer ssh.Close()

	pool, err := mysqlpool.Open(mysqlpool.Config{
		Host:     cfg.MySQL.Host,
		Port:     cfg.MySQL.Port,
		User:     cfg.MySQL.User,
		Password: cfg.MySQL.Password,
		Database: cfg.MySQL.Database,
		PoolSize: cfg.MySQL.PoolSize,
	})
	if err != nil {
		return fmt.Errorf("opening mysql pool: %w", err)
	}

	store, err := catalog.Open(c.String("catalog-database"))
	if err != nil {
		return fmt.Errorf("opening catalog store: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating catalog store: %w", err)
	}

	cluster := k8sadapter.New(ssh, c.String("namespace"))
	c5 := cache.New()

	engine := polling.New(c5, cluster, ssh, pool, store, polling.Config{
		ClusterPeriod: c.Duration("cluster-poll-interval"),
		DBPeriod:      c.Duration("db-poll-interval"),
	})
	engine.Start(ctx)
	defer engine.Stop()

	recon := reconciler.New(c5, store, cluster, c.Duration("reconcile-interval"))
	recon.Start(ctx)
	defer recon.Stop()

	harv := harvester.New(c5, store, cluster, c.Duration("harvest-interval"), nil)
	harv.Start(ctx)
	defer harv.Stop()

	server := api.NewServer(c5, store, cluster)
	httpServer := &http.Server{
		Addr:         cfg.API.Addr(),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("rest facade listening", zap.String("addr", cfg.API.Addr()))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	log.Info("shutting down rest facade")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

func runMigrate(c *cli.Context) error {
	ctx, log := logger.PrepareLogger(context.Background())

	store, err := catalog.Open(c.String("catalog-database"))
	if err != nil {
		return fmt.Errorf("opening catalog store: %w", err)
	}
	defer store.Close()

	log.Info("running catalog migrations", zap.String("database", c.String("catalog-database")))
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating catalog store: %w", err)
	}

	log.Info("migrations completed")
	return nil
}
