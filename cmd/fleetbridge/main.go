// Command fleetbridge is the process entrypoint: it wires the
// Connection Registry, Browser Fleet Manager, Account Switcher,
// Request Pipeline and Model Catalog together and serves both the
// dialect-fronted HTTP surface and the in-page agent's WebSocket
// listener. Grounded in the teacher's cmd/nebo/root.go — a spf13/cobra
// root command, signal-handled context cancellation, and a
// goroutine-per-listener shutdown pattern — adapted from the
// teacher's combined server+agent process to this system's combined
// HTTP-API+agent-socket process.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/nebloop/fleetbridge/internal/agentconn"
	"github.com/nebloop/fleetbridge/internal/agentsrc"
	"github.com/nebloop/fleetbridge/internal/config"
	"github.com/nebloop/fleetbridge/internal/crashlog"
	"github.com/nebloop/fleetbridge/internal/dialect"
	"github.com/nebloop/fleetbridge/internal/fleet"
	"github.com/nebloop/fleetbridge/internal/handler"
	"github.com/nebloop/fleetbridge/internal/identity"
	"github.com/nebloop/fleetbridge/internal/lifecycle"
	"github.com/nebloop/fleetbridge/internal/logging"
	"github.com/nebloop/fleetbridge/internal/middleware"
	"github.com/nebloop/fleetbridge/internal/models"
	"github.com/nebloop/fleetbridge/internal/pipeline"
	"github.com/nebloop/fleetbridge/internal/registry"
	"github.com/nebloop/fleetbridge/internal/store"
	"github.com/nebloop/fleetbridge/internal/switcher"
)

// crashLogRetention is how long error_logs rows survive before the
// daily prune job deletes them.
const crashLogRetention = 30 * 24 * time.Hour

// agentSocketHost is the loopback-only address prefix for the
// WebSocket listener the in-page agent connects back to (see
// agentsrc.Agent's WS_PORT constant; the port itself is configurable
// only for local testing per SPEC_FULL.md §4.G).
const agentSocketHost = "127.0.0.1"

func main() {
	root := &cobra.Command{
		Use:   "fleetbridge",
		Short: "Multi-tenant dialect-fronted API adapter over a browser fleet",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
	root.AddCommand(serveCmd(), identitiesCmd(), fleetCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func identitiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identities",
		Short: "Inspect or provision identity slots",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print known identities from configs/auth",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runIdentitiesList(); err != nil {
				fmt.Fprintf(os.Stderr, "fleetbridge: %v\n", err)
				os.Exit(1)
			}
		},
	})

	var email string
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Provision an empty identity slot for a later interactive login",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runIdentitiesAdd(email); err != nil {
				fmt.Fprintf(os.Stderr, "fleetbridge: %v\n", err)
				os.Exit(1)
			}
		},
	}
	addCmd.Flags().StringVar(&email, "email", "", "account email to reserve the slot for")
	cmd.AddCommand(addCmd)

	return cmd
}

func runIdentitiesList() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	pool, err := identity.Load(cfg.AuthDir)
	if err != nil {
		return fmt.Errorf("loading identity pool: %w", err)
	}
	if len(pool.Identities) == 0 {
		fmt.Println("no identities found in", cfg.AuthDir)
		return nil
	}
	for _, id := range pool.Identities {
		fmt.Printf("%d\t%s\t%s\n", id.Index, id.Email(), id.Path)
	}
	return nil
}

func runIdentitiesAdd(email string) error {
	if email == "" {
		return fmt.Errorf("--email is required")
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	id, err := identity.Add(cfg.AuthDir, email)
	if err != nil {
		return fmt.Errorf("provisioning identity: %w", err)
	}
	fmt.Printf("reserved identity %d at %s\n", id.Index, id.Path)
	return nil
}

func fleetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Inspect the running fleet",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Query /healthz on the agent socket listener and print fleet state",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runFleetStatus(); err != nil {
				fmt.Fprintf(os.Stderr, "fleetbridge: %v\n", err)
				os.Exit(1)
			}
		},
	})
	return cmd
}

func runFleetStatus() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/healthz", agentSocketHost, cfg.WSPort)
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("querying %s: %w", url, err)
	}
	defer resp.Body.Close()

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	fmt.Printf("activeIdentity=%v socketConnected=%v graceWindowActive=%v\n",
		status["activeIdentity"], status["socketConnected"], status["graceWindowActive"])
	return nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and agent socket listeners",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Info("fleetbridge: received shutdown signal")
		cancel()
	}()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fleetbridge: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	pool, err := identity.Load(cfg.AuthDir)
	if err != nil {
		return fmt.Errorf("loading identity pool: %w", err)
	}

	db, err := store.Open(cfg.CrashLogPath)
	if err != nil {
		return fmt.Errorf("opening crashlog database: %w", err)
	}
	defer db.Close()
	crashlog.Init(db)

	catalog := models.New(cfg.ModelsPath)
	if err := catalog.Watch(); err != nil {
		logging.Warnf("fleetbridge: model catalog hot-reload disabled: %v", err)
	}
	defer catalog.Close()

	reg := registry.New(func() {
		lifecycle.EmitAsync(lifecycle.EventGraceWindowExpired, nil)
	})

	fleetMgr := fleet.New(fleet.Config{
		Headless:         cfg.HeadlessBrowser,
		BrowserArgs:      cfg.BrowserPrefs,
		ProxyURL:         cfg.BrowserProxyURL,
		WakeDeadline:     90 * time.Second,
		EnableAuthUpdate: cfg.EnableAuthUpdate,
	}, pool, reg, agentsrc.Agent)
	defer fleetMgr.Close()

	sw := switcher.New(switcher.Config{
		SwitchOnUses:               cfg.SwitchOnUses,
		FailureThreshold:           cfg.FailureThreshold,
		ImmediateSwitchStatusCodes: cfg.ImmediateSwitchStatusCodes,
		MaxRetries:                 cfg.MaxRetries,
		RetryDelay:                 cfg.RetryDelay,
	}, pool.RotationOrder(), fleetMgr)

	pl := pipeline.New(pipeline.Config{
		RecoveryBusyWait:   cfg.RecoveryBusyWait,
		RecoverySocketWait: cfg.RecoverySocketWait,
		RetryDelay:         cfg.RetryDelay,
		MaxRetries:         cfg.MaxRetries,
		IdleChunkTimeout:   cfg.IdleChunkTimeout,
		KeepAliveMin:       cfg.KeepAliveMin,
		KeepAliveMax:       cfg.KeepAliveMax,
		StreamMode:         cfg.StreamMode,
		Forced: dialect.ForcedFeatures{
			Thinking:   cfg.ForceThinking,
			WebSearch:  cfg.ForceWebSearch,
			URLContext: cfg.ForceURLContext,
		},
	}, reg, sw, fleetMgr)

	cronSched := cron.New()
	if _, err := cronSched.AddFunc("@daily", func() {
		n, err := crashlog.PruneOlderThan(db, crashLogRetention)
		if err != nil {
			logging.Errorf("fleetbridge: crashlog prune failed: %v", err)
			return
		}
		logging.Infof("fleetbridge: pruned %d stale error_logs rows", n)
	}); err != nil {
		return fmt.Errorf("scheduling crashlog prune job: %w", err)
	}
	cronSched.Start()
	defer cronSched.Stop()

	apiRouter := chi.NewRouter()
	apiRouter.Use(chimw.Recoverer, chimw.RealIP)
	apiRouter.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	handler.Mount(apiRouter, handler.Deps{Pipeline: pl, Models: catalog, APIKey: cfg.APIKey})

	apiServer := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     apiRouter,
		IdleTimeout: 120 * time.Second,
	}

	agentSocketAddr := fmt.Sprintf("%s:%d", agentSocketHost, cfg.WSPort)
	agentRouter := chi.NewRouter()
	agentRouter.Use(chimw.Recoverer)
	handler.MountStatus(agentRouter, handler.StatusDeps{Registry: reg, Switcher: sw, AdminToken: cfg.AdminToken})
	agentRouter.HandleFunc("/", agentconn.Handler(reg))
	agentServer := &http.Server{
		Addr:        agentSocketAddr,
		Handler:     agentRouter,
		IdleTimeout: 120 * time.Second,
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		logging.Infof("fleetbridge: API listening on %s", cfg.ListenAddr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("API server: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logging.Infof("fleetbridge: agent socket listening on %s", agentSocketAddr)
		if err := agentServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("agent socket server: %w", err)
		}
	}()

	lifecycle.Emit(lifecycle.EventServerStarted, nil)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logging.Errorf("fleetbridge: %v", err)
	}

	lifecycle.Emit(lifecycle.EventShutdownStarted, nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	apiServer.Shutdown(shutdownCtx)
	agentServer.Shutdown(shutdownCtx)

	wg.Wait()
	lifecycle.Emit(lifecycle.EventShutdownComplete, nil)
	return nil
}
