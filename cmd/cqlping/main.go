// cqlping issues a statement against a cluster on an interval and reports
// per-query latency and the terminal outcome. Useful for smoke-testing
// connectivity, retry behavior and speculative execution settings.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/casskit/pkg/exec"
	"github.com/grafana/casskit/pkg/policy"
	"github.com/grafana/casskit/pkg/session"
)

func main() {
	var (
		sessionCfg session.Config

		statement      string
		interval       time.Duration
		count          int
		idempotent     bool
		speculativeMax int
		speculativeDly time.Duration
		logLevel       string
	)

	sessionCfg.RegisterFlags(flag.CommandLine)
	flag.StringVar(&statement, "ping.statement", "SELECT key FROM system.local", "Statement to execute.")
	flag.DurationVar(&interval, "ping.interval", time.Second, "Delay between queries.")
	flag.IntVar(&count, "ping.count", 0, "Stop after this many queries, 0 for unlimited.")
	flag.BoolVar(&idempotent, "ping.idempotent", true, "Mark the statement idempotent.")
	flag.IntVar(&speculativeMax, "ping.speculative-max", 0, "Extra speculative attempts per query, 0 disables.")
	flag.DurationVar(&speculativeDly, "ping.speculative-delay", 50*time.Millisecond, "Delay before each speculative attempt.")
	flag.StringVar(&logLevel, "log.level", "info", "Log level: debug, info, warn, error.")
	flag.Parse()

	logger := newLogger(logLevel)

	opts := []session.Option{}
	if speculativeMax > 0 {
		opts = append(opts, session.WithPolicyOverride(func(def policy.Bundle) policy.Bundle {
			def.Speculative = &policy.ConstantSpeculativeExecution{
				MaxAttempts: speculativeMax,
				Delay:       speculativeDly,
			}
			return def
		}))
	}

	s, err := session.New(sessionCfg, logger, prometheus.DefaultRegisterer, opts...)
	if err != nil {
		level.Error(logger).Log("msg", "failed to build session", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := services.StartAndAwaitRunning(ctx, s); err != nil {
		level.Error(logger).Log("msg", "failed to start session", "err", err)
		os.Exit(1)
	}
	defer func() {
		_ = services.StopAndAwaitTerminated(context.Background(), s)
	}()

	stmt := exec.NewStatement(statement).
		WithKeyspace(sessionCfg.Keyspace).
		WithIdempotent(idempotent)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent, failed := 0, 0
	for {
		start := time.Now()
		res, err := s.Execute(ctx, stmt)
		sent++
		if err != nil {
			failed++
			level.Warn(logger).Log("msg", "query failed", "seq", sent, "latency", time.Since(start), "err", err)
		} else {
			level.Info(logger).Log("msg", "query ok", "seq", sent, "latency", time.Since(start), "rows", len(res.Rows))
		}

		if count > 0 && sent >= count {
			break
		}
		select {
		case <-ctx.Done():
			fmt.Fprintf(os.Stderr, "%d queries, %d failed\n", sent, failed)
			return
		case <-ticker.C:
		}
	}
	fmt.Fprintf(os.Stderr, "%d queries, %d failed\n", sent, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func newLogger(lvl string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	var opt level.Option
	switch lvl {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}
	logger = level.NewFilter(logger, opt)
	return log.With(logger, "ts", log.DefaultTimestampUTC)
}
