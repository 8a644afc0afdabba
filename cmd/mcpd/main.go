// Command mcpd is an example server binary: it wires every reliability
// component and a transport together into a runnable process, assembling a
// session host, a tool set, and a drop-in HTTP handler into one main
// function.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/edgemcp/mcpd/accesscontrol"
	"github.com/edgemcp/mcpd/audit"
	"github.com/edgemcp/mcpd/breaker"
	"github.com/edgemcp/mcpd/catalog"
	"github.com/edgemcp/mcpd/config"
	"github.com/edgemcp/mcpd/dispatcher"
	"github.com/edgemcp/mcpd/eventstore"
	"github.com/edgemcp/mcpd/internal/clock"
	"github.com/edgemcp/mcpd/mcp"
	"github.com/edgemcp/mcpd/outbound"
	"github.com/edgemcp/mcpd/ratelimit"
	"github.com/edgemcp/mcpd/retry"
	"github.com/edgemcp/mcpd/scheduler"
	"github.com/edgemcp/mcpd/sessions"
	"github.com/edgemcp/mcpd/statestore"
	"github.com/edgemcp/mcpd/tasks"
	"github.com/edgemcp/mcpd/transport/httpsse"
	"github.com/edgemcp/mcpd/transport/websocket"
	"github.com/edgemcp/mcpd/watchdog"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load()
	if err != nil {
		log.Error("mcpd: config load failed", slog.String("err", err.Error()))
		os.Exit(1)
	}

	clk := clock.Real()

	// 1) Catalog registries and reliability components.
	tools := catalog.NewToolRegistry(50)
	resources := catalog.NewResourceRegistry(50)
	prompts := catalog.NewPromptRegistry(50)
	roots := catalog.NewRootRegistry()
	completions := catalog.NewCompletionRegistry()

	sessionMgr := sessions.New(cfg.SessionsConfig(), clk)
	events := eventstore.New(cfg.EventStoreCapacity, clk)
	state := statestore.New(cfg.StateStoreCapacity, clk)
	auditLog := audit.New(cfg.AuditLogCapacity, clk)

	rl := cfg.RateLimit()
	var globalLimiter *ratelimit.Limiter
	if rl.GlobalRatePerSec > 0 {
		globalLimiter = ratelimit.NewLimiter(rl.GlobalRatePerSec, rl.GlobalBurst)
	}
	perKeyLimiters := ratelimit.NewKeyedRegistry(rl.PerKeyRegistrySize, rl.PerKeyRatePerSec, rl.PerKeyBurst)

	breakers := breaker.NewRegistry(cfg.BreakerConfig(), cfg.BreakerRegistrySize, clk)
	retries := retry.NewRegistry(cfg.RetryRegistrySize, clk)

	wd := watchdog.New(cfg.WatchdogMaxEntries, clk)
	if err := watchdog.RegisterTools(tools, wd); err != nil {
		log.Error("mcpd: registering watchdog tools failed", slog.String("err", err.Error()))
		os.Exit(1)
	}

	taskMgr := tasks.New(cfg.TasksConfig(), clk)

	ac := accesscontrol.New()
	if cfg.RoleFilePath != "" {
		watcher, err := accesscontrol.WatchRoleFile(cfg.RoleFilePath, ac)
		if err != nil {
			log.Error("mcpd: loading role file failed", slog.String("err", err.Error()), slog.String("path", cfg.RoleFilePath))
			os.Exit(1)
		}
		defer watcher.Close()
	}

	requestTracker := outbound.NewTracker(256)
	outbox := outbound.NewOutbox("srv", clk)

	// 2) Transport, constructed before the dispatcher since the dispatcher's
	// notifier/server-request options need the handler's Push/Request
	// methods, and SetCore runs only after the dispatcher exists.
	var httpHandler http.Handler
	var setCore func(*dispatcher.Dispatcher)
	var notify dispatcher.NotifyFunc
	var sendRequest dispatcher.RequestFunc

	switch cfg.Transport {
	case "websocket":
		h := websocket.NewHandler(websocket.WithLogger(log))
		httpHandler = h
		setCore = h.SetCore
		notify = h.Push
		sendRequest = h.Request
	default:
		h := httpsse.NewHandler(httpsse.WithLogger(log))
		httpHandler = h
		setCore = h.SetCore
		notify = h.Push
		sendRequest = h.Request
	}

	d := dispatcher.New(sessionMgr, tools, resources, prompts, roots, completions, clk,
		dispatcher.WithLogger(log),
		dispatcher.WithServerInfo(mcp.ImplementationInfo{Name: "mcpd", Version: "0.1.0"}, ""),
		dispatcher.WithAccessControl(ac),
		dispatcher.WithGlobalRateLimit(globalLimiter),
		dispatcher.WithPerKeyRateLimit(perKeyLimiters),
		dispatcher.WithCircuitBreakers(breakers),
		dispatcher.WithRetries(retries, retry.DefaultPolicy()),
		dispatcher.WithWatchdog(wd),
		dispatcher.WithTasks(taskMgr),
		dispatcher.WithEventStore(events),
		dispatcher.WithStateStore(state),
		dispatcher.WithAuditLog(auditLog),
		dispatcher.WithNotifier(notify),
		dispatcher.WithServerRequests(outbox, sendRequest),
		dispatcher.WithClientRequestTracking(requestTracker),
	)
	setCore(d)

	// 3) Background maintenance loop: watchdog deadline checks, task
	// pruning, idle session eviction, and outbox expiry, all polled rather
	// than goroutine-per-concern, matching the cooperative single-loop model
	// the rest of this module assumes.
	sched := scheduler.New(clk)
	sched.Every(5*time.Second, func() { wd.Check() }, "watchdog-check")
	sched.Every(30*time.Second, func() { taskMgr.Prune() }, "task-prune")
	sched.Every(time.Minute, func() { sessionMgr.PruneIdle() }, "session-prune")
	sched.Every(30*time.Second, func() { outbox.PruneExpired() }, "outbox-prune")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runScheduler(ctx, sched)

	log.Info("mcpd: listening", slog.String("addr", cfg.ListenAddr), slog.String("transport", cfg.Transport))
	if err := http.ListenAndServe(cfg.ListenAddr, httpHandler); err != nil {
		log.Error("mcpd: server exited", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func runScheduler(ctx context.Context, sched *scheduler.Scheduler) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sched.Loop()
		}
	}
}
