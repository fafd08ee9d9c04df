package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chromedp/chromedp"
	sdnotify "github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"pagecluster/internal/cluster"
	"pagecluster/internal/config"
	"pagecluster/internal/eventbus"
	"pagecluster/internal/history"
	"pagecluster/internal/metrics"
	"pagecluster/internal/provider"
	"pagecluster/internal/provider/chrome"
	"pagecluster/internal/schedule"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the cluster daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	if cfg.Console {
		cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: consoleTimeFormat}
		return zerolog.New(cw).Level(lvl).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}

func concurrencyOf(name string) cluster.Concurrency {
	switch name {
	case "page":
		return cluster.ConcurrencyPage
	case "browser":
		return cluster.ConcurrencyBrowser
	case "group":
		return cluster.ConcurrencyGroup
	default:
		return cluster.ConcurrencyContext
	}
}

func groupOf(t config.Target) string {
	if t.Group != "" {
		return t.Group
	}
	if u, err := url.Parse(t.URL); err == nil {
		return u.Hostname()
	}
	return ""
}

func run() error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	log := newLogger(cfg.Log)
	mgr := config.NewManager(cfgPath, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cc := cfg.Cluster
	clusterCfg := cluster.Config[config.Target]{
		Concurrency:           concurrencyOf(cc.Concurrency),
		MaxConcurrency:        cc.MaxConcurrency,
		WorkerCreationDelay:   cc.WorkerCreationDelay.Std(),
		Timeout:               cc.Timeout.Std(),
		RetryLimit:            cc.RetryLimit,
		RetryDelay:            cc.RetryDelay.Std(),
		SkipDuplicateURLs:     cc.SkipDuplicateURLs,
		SameDomainDelay:       cc.SameDomainDelay.Std(),
		WorkerShutdownTimeout: cc.WorkerShutdownTimeout.Std(),
		Monitor:               cc.Monitor,
		Chrome: chrome.Options{
			ExecPath:  cfg.Chrome.ExecPath,
			Headful:   cfg.Chrome.Headful,
			NoSandbox: cfg.Chrome.NoSandbox,
			UserAgent: cfg.Chrome.UserAgent,
		},
		Logger: &log,
	}
	if clusterCfg.Concurrency == cluster.ConcurrencyGroup {
		clusterCfg.GroupBy = groupOf
	}

	cl, err := cluster.Launch(ctx, clusterCfg)
	if err != nil {
		return err
	}
	cl.Task(fetchTitleTask(log))

	// Observers: history and metrics ride the event bus.
	var store *history.Store
	if cfg.History.Enabled {
		store, err = history.Open(history.Config{Path: cfg.History.Path, Keep: cfg.History.Keep}, log)
		if err != nil {
			return err
		}
		defer store.Close()
		events, unsub := cl.Bus().Subscribe(64)
		defer unsub()
		go recordHistory(ctx, store, events, log)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		m := metrics.New(cl.Snapshot, cl.Bus())
		events, unsub := cl.Bus().Subscribe(64)
		defer unsub()
		go func() {
			for ev := range events {
				m.Observe(ev)
			}
		}()

		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		// Profiling rides the same listener; it is bound to localhost by default.
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		log.Info().Str("listen", cfg.Metrics.Listen).Msg("metrics enabled")
	}

	// Seed targets: scheduled ones recur, the rest run once.
	sched := schedule.New[config.Target](log, cl.Queue)
	seen := map[string]struct{}{}
	enqueueTargets := func(targets []config.Target) {
		for _, t := range targets {
			if _, ok := seen[t.URL]; ok {
				continue
			}
			seen[t.URL] = struct{}{}
			if t.Schedule != "" {
				if _, err := sched.Add(t.Schedule, t); err != nil {
					log.Warn().Err(err).Str("url", t.URL).Str("spec", t.Schedule).Msg("bad schedule; target skipped")
				}
				continue
			}
			if err := cl.Queue(t); err != nil {
				log.Warn().Err(err).Str("url", t.URL).Msg("enqueue failed")
			}
		}
	}
	enqueueTargets(cfg.Targets)
	sched.Start()

	// Config watch: newly added targets are picked up without a restart.
	mgr.OnChange(func(next *config.Config) {
		enqueueTargets(next.Targets)
	})
	go func() {
		if err := mgr.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("config watch stopped")
		}
	}()

	_, _ = sdnotify.SdNotify(false, sdnotify.SdNotifyReady)
	log.Info().Int("targets", len(cfg.Targets)).Msg("clusterd running")

	<-ctx.Done()
	_, _ = sdnotify.SdNotify(false, sdnotify.SdNotifyStopping)
	log.Info().Msg("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	sched.Stop(stopCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(stopCtx)
	}
	return cl.Close(stopCtx)
}

// fetchTitleTask is the daemon's default task: navigate and report the page
// title.
func fetchTitleTask(log zerolog.Logger) cluster.TaskFunc[config.Target] {
	return func(ctx context.Context, page provider.Page, t cluster.TaskInfo[config.Target]) (any, error) {
		// Bridge the job deadline into the tab context: chromedp actions run
		// on the tab, cancellation must come from the task ctx.
		tabCtx, cancel := context.WithCancel(page.Context())
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()

		var title string
		if err := chromedp.Run(tabCtx,
			chromedp.Navigate(t.Data.URL),
			chromedp.Title(&title),
		); err != nil {
			return nil, err
		}
		log.Info().Int("worker", t.WorkerID).Str("url", t.Data.URL).Str("title", title).Msg("fetched")
		return title, nil
	}
}

func recordHistory(ctx context.Context, store *history.Store, events <-chan eventbus.Event, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Topic != cluster.TopicFinished && ev.Topic != cluster.TopicFailed {
				continue
			}
			je, ok := ev.Data.(cluster.JobEvent)
			if !ok {
				continue
			}
			rec := history.Record{
				JobID:      je.ID,
				URL:        je.URL,
				Tries:      je.Tries,
				Error:      je.Error,
				Duration:   je.Duration,
				FinishedAt: ev.Time,
			}
			if err := store.Append(ctx, rec); err != nil {
				log.Warn().Err(err).Msg("history append failed")
			}
		}
	}
}
