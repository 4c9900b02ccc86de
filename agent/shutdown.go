package agent

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/strandlabs/strand/store"
)

// Version is stamped into pool-meta records.
const Version = "0.1.0"

// ShutdownOptions tune graceful pool shutdown.
type ShutdownOptions struct {
	Timeout         time.Duration
	SaveRunningList bool
	ForceInterrupt  bool
}

func (o ShutdownOptions) withDefaults(cfgTimeout time.Duration) ShutdownOptions {
	if o.Timeout <= 0 {
		o.Timeout = cfgTimeout
		if o.Timeout <= 0 {
			o.Timeout = 30 * time.Second
		}
	}
	return o
}

// ShutdownReport summarises a graceful shutdown.
type ShutdownReport struct {
	Completed   []string
	Interrupted []string
	Failed      []string
	DurationMs  int64
}

// GracefulShutdown persists every agent, waiting for working ones to settle
// and interrupting stragglers after the timeout.
func (p *Pool) GracefulShutdown(ctx context.Context, opts ShutdownOptions) (ShutdownReport, error) {
	var cfgTimeout time.Duration
	if p.deps.Config != nil {
		cfgTimeout = p.deps.Config.Pool.ShutdownTimeout
	}
	opts = opts.withDefaults(cfgTimeout)
	start := time.Now()

	p.mu.Lock()
	agents := make([]*Agent, 0, len(p.agents))
	for _, a := range p.agents {
		agents = append(agents, a)
	}
	p.mu.Unlock()

	var idle, working []*Agent
	for _, a := range agents {
		if a.Status() == StateWorking {
			working = append(working, a)
		} else {
			idle = append(idle, a)
		}
	}

	var report ShutdownReport
	for _, a := range idle {
		if err := a.persistAll(ctx); err != nil {
			slog.Warn("shutdown persist failed", "agent", a.ID(), "error", err)
			report.Failed = append(report.Failed, a.ID())
			continue
		}
		report.Completed = append(report.Completed, a.ID())
	}

	deadline := time.Now().Add(opts.Timeout)
	for _, a := range working {
		outcome := p.settleAgent(ctx, a, deadline, opts.ForceInterrupt)
		switch outcome {
		case "completed":
			report.Completed = append(report.Completed, a.ID())
		case "interrupted":
			report.Interrupted = append(report.Interrupted, a.ID())
		default:
			report.Failed = append(report.Failed, a.ID())
		}
	}

	if opts.SaveRunningList {
		meta := store.PoolMeta{
			AgentIDs:   p.List(),
			ShutdownAt: time.Now().UTC(),
			Version:    Version,
		}
		if err := p.deps.Store.SavePoolMeta(ctx, meta); err != nil {
			slog.Warn("pool meta save failed", "error", err)
		}
	}

	for _, a := range agents {
		a.Close()
	}
	p.mu.Lock()
	p.agents = make(map[string]*Agent)
	p.mu.Unlock()

	report.DurationMs = time.Since(start).Milliseconds()
	return report, nil
}

// settleAgent polls a working agent until READY or the deadline, then
// force-interrupts if allowed.
func (p *Pool) settleAgent(ctx context.Context, a *Agent, deadline time.Time, forceInterrupt bool) string {
	for time.Now().Before(deadline) {
		if a.Status() != StateWorking {
			if err := a.persistAll(ctx); err != nil {
				return "failed"
			}
			return "completed"
		}
		select {
		case <-ctx.Done():
			return "failed"
		case <-time.After(100 * time.Millisecond):
		}
	}

	if !forceInterrupt {
		return "failed"
	}
	a.Interrupt(InterruptOptions{Note: "Graceful shutdown timeout"})
	if err := a.persistAll(ctx); err != nil {
		return "failed"
	}
	return "interrupted"
}

// persistAll flushes transcript, records and meta.
func (a *Agent) persistAll(ctx context.Context) error {
	if err := a.persistMessages(ctx); err != nil {
		return err
	}
	if err := a.persistRecords(ctx); err != nil {
		return err
	}
	return a.persistInfo(ctx)
}

// ResumeFromShutdown reads the pool-meta record written by the last
// GracefulShutdown, resumes the listed agents and clears the record.
func (p *Pool) ResumeFromShutdown(ctx context.Context, opts ResumeOptions) ([]*Agent, map[string]error) {
	meta, err := p.deps.Store.LoadPoolMeta(ctx)
	if err != nil {
		return nil, map[string]error{"": err}
	}

	var resumed []*Agent
	failures := make(map[string]error)
	for _, id := range meta.AgentIDs {
		a, err := p.Resume(ctx, id, opts)
		if err != nil {
			failures[id] = err
			continue
		}
		resumed = append(resumed, a)
	}

	if err := p.deps.Store.ClearPoolMeta(ctx); err != nil {
		slog.Warn("clear pool meta failed", "error", err)
	}
	return resumed, failures
}

// RegisterShutdownHandlers installs SIGTERM/SIGINT handlers that run a
// graceful shutdown and then invoke done (typically os.Exit).
func (p *Pool) RegisterShutdownHandlers(opts ShutdownOptions, done func(ShutdownReport)) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-ch
		slog.Info("shutdown signal received", "signal", sig.String())
		report, err := p.GracefulShutdown(context.Background(), opts)
		if err != nil {
			slog.Error("graceful shutdown failed", "error", err)
		}
		if done != nil {
			done(report)
		}
	}()
}
