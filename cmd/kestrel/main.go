// Command kestrel runs the alert processing pipeline: it ingests raw
// monitor events, folds them into alerts, applies shield and convergence
// decisions, and drives notification and remediation actions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelmon/kestrel-go/internal/action"
	"github.com/kestrelmon/kestrel-go/internal/alert"
	"github.com/kestrelmon/kestrel-go/internal/composite"
	"github.com/kestrelmon/kestrel-go/internal/conf"
	"github.com/kestrelmon/kestrel-go/internal/converge"
	"github.com/kestrelmon/kestrel-go/internal/datastore"
	"github.com/kestrelmon/kestrel-go/internal/datastore/repository"
	"github.com/kestrelmon/kestrel-go/internal/detect"
	"github.com/kestrelmon/kestrel-go/internal/event"
	"github.com/kestrelmon/kestrel-go/internal/index"
	"github.com/kestrelmon/kestrel-go/internal/ingest"
	"github.com/kestrelmon/kestrel-go/internal/logger"
	"github.com/kestrelmon/kestrel-go/internal/observability/metrics"
	"github.com/kestrelmon/kestrel-go/internal/pipeline"
	"github.com/kestrelmon/kestrel-go/internal/platform"
	"github.com/kestrelmon/kestrel-go/internal/scheduler"
	"github.com/kestrelmon/kestrel-go/internal/shield"
	"github.com/kestrelmon/kestrel-go/internal/strategy"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "kestrel:", err)
		os.Exit(1)
	}
}

// openAlertsView defers the builder reference so the converger can be
// constructed before the builder that feeds it.
type openAlertsView struct {
	b *alert.Builder
}

func (v *openAlertsView) OpenAlerts() []*alert.Alert { return v.b.OpenAlerts() }

func run(configPath string) error {
	s, err := conf.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logger.NewZap(s.Logging.Level, s.Logging.Development)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := datastore.Open(s.Store.Dialect, s.Store.DSN)
	if err != nil {
		return err
	}
	if err := datastore.Migrate(db); err != nil {
		return err
	}
	ix := index.New(db)
	if err := ix.Migrate(); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     s.Redis.Addr,
		Password: s.Redis.Password,
		DB:       s.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("redis unreachable at startup, dedup disabled until it recovers",
			logger.String("addr", s.Redis.Addr), logger.Error(err))
	}

	if s.Platform.BaseURL == "" {
		return errors.New("platform.base_url is required")
	}
	plat := platform.New(s.Platform.BaseURL, platform.Options{
		Timeout:    s.Platform.Timeout.Std(),
		CacheTTL:   s.Platform.CacheTTL.Std(),
		RatePerSec: s.Platform.RatePerSec,
		Burst:      s.Platform.Burst,
	}, log)

	m := metrics.NewPipeline()

	hosts := event.NewHostCache(plat, s.Normalize.HostCacheTTL.Std(), log)
	deduper := event.NewRedisDeduper(rdb, s.Redis.DedupTTL.Std(), s.Redis.DedupBucket.Std())
	normalizer := event.NewNormalizer(event.ParseOptions{
		IgnoredFilesystems: toSet(s.Normalize.IgnoredFilesystems),
	}, hosts, deduper, m, log)

	shieldRepo := repository.NewShieldRepository(db)
	actionRepo := repository.NewActionRepository(db)
	configRepo := repository.NewActionConfigRepository(db)
	convergeRepo := repository.NewConvergeRepository(db)
	snapshotRepo := repository.NewSnapshotRepository(db)

	matcher, err := shield.NewMatcher(shieldRepo, plat, s.Shield.DefaultTimezone, log)
	if err != nil {
		return err
	}
	go matcher.WatchInvalidation(ctx, rdb, s.Shield.InvalidationKey)

	var external detect.ExternalClient
	if s.Detect.ExternalURL != "" {
		external = detect.NewHTTPExternal(s.Detect.ExternalURL, s.Detect.ExternalTimeout.Std())
	}
	detector := detect.NewDetector(detect.NewMemoryHistory(0), external, log)

	registry := action.NewRegistry()
	gateway := action.NewHTTPGateway(s.Action.NoticeGatewayURL, s.Action.NoticeTimeout.Std())
	registry.Register(action.NewNotifyPlugin(gateway))
	registry.Register(action.NewWebhookPlugin(s.Action.ExecuteTimeout.Std()))
	registry.Register(action.NewGenericPlugin(s.Action.ExecuteTimeout.Std()))
	registry.Register(action.NewChatPlugin(action.ShoutrrrSender{}, s.Action.ChatServiceURL))
	for kind, base := range map[strategy.PluginKind]string{
		strategy.PluginJob:      s.Action.JobServiceURL,
		strategy.PluginWorkflow: s.Action.WorkflowServiceURL,
		strategy.PluginITSM:     s.Action.ITSMServiceURL,
	} {
		if base == "" {
			continue
		}
		orch := action.NewHTTPOrchestrator(base, s.Action.ExecuteTimeout.Std())
		registry.Register(action.NewRemotePlugin(kind, orch, s.Action.PollInterval.Std()))
	}

	runtime := action.NewRuntime(actionRepo, configRepo, registry, ix, action.RuntimeOptions{
		Workers:      s.Action.Workers,
		ExecTimeout:  s.Action.ExecuteTimeout.Std(),
		ParentBudget: s.Action.ParentBudget.Std(),
		MaxAttempts:  s.Action.MaxAttempts,
		BackoffBase:  s.Action.BackoffBase.Std(),
	}, m, log)
	runtime.RegisterReplayHandler("notify.gateway", "send", action.GatewayReplayHandler(gateway))

	openView := &openAlertsView{}
	converger := converge.NewConverger(convergeRepo, actionRepo, runtime, openView, converge.Options{
		DefaultWindow:   s.Converge.DefaultWindow.Std(),
		DefenseCooldown: s.Converge.DefenseCooldown.Std(),
		IsolationField:  s.Converge.IsolationField,
	}, m, log)
	dispatcher := composite.NewDispatcher(snapshotRepo, configRepo, actionRepo, plat, converger, log)

	builder := alert.NewBuilder(s.Builder.Workers, s.Builder.QueueSize,
		detector, detect.NewRingTrigger(), plat, snapshotRepo, ix, dispatcher, m, log)
	openView.b = builder

	var source ingest.Source
	if s.Ingest.MQTTBroker != "" {
		mq, err := ingest.NewMQTTSource(s.Ingest.MQTTBroker, s.Ingest.MQTTClient,
			s.Ingest.MQTTTopic, s.Ingest.QueueSize, log)
		if err != nil {
			return err
		}
		source = mq
	} else {
		log.Warn("no mqtt broker configured, running with an idle in-process source")
		source = ingest.NewChanSource(s.Ingest.QueueSize)
	}

	pipe := pipeline.New(source, normalizer, builder, s.Builder.Workers, m, log)

	sched := scheduler.New(log)
	sched.Add(scheduler.StandardJobs(scheduler.Deps{
		Builder:    builder,
		Matcher:    matcher,
		Dispatcher: dispatcher,
		Converger:  converger,
		Runtime:    runtime,
		Shields:    shieldRepo,
		Actions:    actionRepo,
		Converges:  convergeRepo,
		Snapshots:  snapshotRepo,
		Index:      ix,
		Settings:   s,
		Log:        log,
	})...)
	sched.Add(scheduler.Job{
		Name:     "metadata_refresh",
		Interval: s.Platform.RefreshInterval.Std(),
		Run: func(ctx context.Context) error {
			if err := plat.RefreshTopo(ctx); err != nil {
				log.Warn("topology refresh failed", logger.Error(err))
			}
			return hosts.Refresh()
		},
	})

	srv := serveMetrics(s.Server.MetricsAddr, m, log)

	pipe.Start(ctx)
	sched.Start(ctx)
	log.Info("kestrel started",
		logger.String("store", s.Store.Dialect),
		logger.String("metrics_addr", s.Server.MetricsAddr))

	<-ctx.Done()
	log.Info("shutting down")

	source.Stop()
	pipe.Stop()
	sched.Stop()
	builder.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown", logger.Error(err))
	}
	return nil
}

func serveMetrics(addr string, m *metrics.Pipeline, log logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", logger.Error(err))
		}
	}()
	return srv
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}
