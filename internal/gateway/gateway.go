// Package gateway wires the pipeline together: sources feed the monitor
// queue, the worker runs the correlator, cron regenerates the FAQ.
package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/qamon/qamon/internal/bus"
	"github.com/qamon/qamon/internal/config"
	"github.com/qamon/qamon/internal/correlator"
	"github.com/qamon/qamon/internal/cron"
	"github.com/qamon/qamon/internal/faq"
	"github.com/qamon/qamon/internal/monitor"
	"github.com/qamon/qamon/internal/oracle"
	"github.com/qamon/qamon/internal/source"
	"github.com/qamon/qamon/internal/store"
)

const faqExportLimit = 1000

// Options for creating a Gateway with injected dependencies (for testing).
type Options struct {
	Store      store.Store
	Oracle     oracle.Client
	SignalChan chan os.Signal
}

type Gateway struct {
	cfg        *config.Config
	store      store.Store
	sources    *source.Manager
	monitor    *monitor.Monitor
	cron       *cron.Service
	signalChan chan os.Signal
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{cfg: cfg, signalChan: opts.SignalChan}

	st := opts.Store
	if st == nil {
		var err error
		st, err = store.Open(context.Background(), cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}
	g.store = st

	oc := opts.Oracle
	if oc == nil {
		oc = oracle.NewClient(cfg.Oracle)
	}

	// Sources enqueue only; the manager doubles as the name resolver for
	// the correlator.
	mgr, err := source.NewManager(cfg.Sources, g.Enqueue)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create source manager: %w", err)
	}
	g.sources = mgr

	corr := correlator.New(st, oc, mgr, cfg.Monitor)
	g.monitor = monitor.New(corr, cfg.Monitor)

	g.cron = cron.NewService()
	g.cron.AddJob(cron.Job{
		Name:     "faq-export",
		Schedule: cfg.Output.FAQSchedule,
		Run:      g.exportFAQ,
	})
	g.cron.AddJob(cron.Job{
		Name:     "stats-report",
		Schedule: cfg.Output.StatsSchedule,
		Run:      g.reportStats,
	})

	return g, nil
}

// Enqueue hands a message to the classification pipeline. It returns
// immediately.
func (g *Gateway) Enqueue(msg bus.ChatMessage) {
	g.monitor.Enqueue(msg)
}

func (g *Gateway) exportFAQ(ctx context.Context) error {
	pairs, err := g.store.QAPairs(ctx, "", faqExportLimit)
	if err != nil {
		return fmt.Errorf("load qa pairs: %w", err)
	}
	path, err := faq.Write(g.cfg.Output.Dir, pairs)
	if err != nil {
		return err
	}
	log.Printf("[gateway] faq written to %s (%d entries)", path, len(pairs))
	return nil
}

func (g *Gateway) reportStats(ctx context.Context) error {
	stats, err := g.store.Stats(ctx)
	if err != nil {
		return err
	}
	st := g.monitor.Status()
	log.Printf("[gateway] stats: questions=%d answers=%d pairs=%d processed=%d channels=%d queued=%d failed=%d",
		stats.Questions, stats.Answers, stats.QAPairs, stats.ProcessedMessages, stats.Channels, st.Queued, st.Failed)
	return nil
}

// Run starts the pipeline and blocks until SIGINT/SIGTERM.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.monitor.Start(ctx)

	if err := g.sources.StartAll(ctx); err != nil {
		g.monitor.Stop()
		_ = g.store.Close()
		return fmt.Errorf("start sources: %w", err)
	}
	log.Printf("[gateway] sources started: %v", g.sources.Enabled())

	if err := g.cron.Start(ctx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

// Shutdown stops intake first so the worker can drain the queue within the
// grace period.
func (g *Gateway) Shutdown() error {
	_ = g.sources.StopAll()
	g.monitor.Stop()
	g.cron.Stop()
	if err := g.store.Close(); err != nil {
		log.Printf("[gateway] close store warning: %v", err)
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

// Status reports the live pipeline counters.
func (g *Gateway) Status() monitor.Status {
	return g.monitor.Status()
}
