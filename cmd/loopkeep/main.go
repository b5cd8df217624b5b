// LoopKeep is a retention-automation daemon: it watches member conversations,
// decides follow-ups with an AI oracle, and executes outbound email commands
// through a durable outbox.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/loopkeep/loopkeep/internal/bus"
	"github.com/loopkeep/loopkeep/internal/commandbus"
	"github.com/loopkeep/loopkeep/internal/config"
	"github.com/loopkeep/loopkeep/internal/evaluator"
	"github.com/loopkeep/loopkeep/internal/events"
	"github.com/loopkeep/loopkeep/internal/followup"
	"github.com/loopkeep/loopkeep/internal/knowledge"
	"github.com/loopkeep/loopkeep/internal/mailer"
	"github.com/loopkeep/loopkeep/internal/oracle"
	"github.com/loopkeep/loopkeep/internal/skills"
	"github.com/loopkeep/loopkeep/internal/store"
	"github.com/loopkeep/loopkeep/internal/telemetry"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `LoopKeep - retention automation daemon

Usage:
  %s [flags]             run the daemon
  %s status              show task and command queue counts
  %s task new [flags]    create an outreach task
  %s reply <token>       feed an inbound reply from stdin (dev hook)

Flags:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	loadDotEnv(".env")

	configPath := flag.String("config", "", "path to config.yaml (default <home>/config.yaml)")
	quiet := flag.Bool("quiet", false, "log to file only")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatalStartup(nil, "config load", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "logger init", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "status":
			os.Exit(runStatusCommand(ctx, cfg))
		case "task":
			os.Exit(runTaskCommand(ctx, cfg, args[1:]))
		case "reply":
			os.Exit(runReplyCommand(ctx, cfg, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if err := runDaemon(ctx, cfg, logger); err != nil {
		fatalStartup(logger, "daemon", err)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		cfg := config.Default()
		path = filepath.Join(cfg.HomeDir, "config.yaml")
	}
	return config.Load(path)
}

func runDaemon(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}

	eventBus := bus.New()

	otelProvider, err := telemetry.Init(ctx, telemetry.OTelConfig{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
		Environment: cfg.Telemetry.Environment,
		SampleRate:  cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := telemetry.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("metrics init: %w", err)
	}

	st, err := store.Open(cfg.DatabasePath, eventBus)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info("store opened", "path", cfg.DatabasePath)

	resolver := skills.NewResolver(cfg.SkillsDir, logger)
	watcher := skills.NewWatcher(cfg.SkillsDir, resolver, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("skills watcher unavailable", "error", err)
	}

	mail := mailer.NewHTTPMailer(mailer.HTTPConfig{
		Endpoint:  cfg.Mail.Endpoint,
		APIKey:    cfg.Mail.APIKey,
		FromName:  cfg.Mail.FromName,
		FromEmail: cfg.Mail.FromEmail,
		Timeout:   cfg.MailTimeout(),
	})

	commands := commandbus.New(commandbus.Config{
		Store: st,
		Executors: map[string]commandbus.Executor{
			commandbus.CommandSendEmail: mailer.NewSendEmailExecutor(mail, st, cfg.Mail.ReplyDomain, logger),
		},
		Logger:      logger,
		Tracer:      otelProvider.Tracer,
		Metrics:     metrics,
		ExecTimeout: secondsOrZero(cfg.Commands.ExecTimeoutSeconds),
		Interval:    secondsOrZero(cfg.Commands.IntervalSeconds),
		BatchSize:   cfg.Commands.BatchSize,
		MaxAttempts: cfg.Commands.MaxAttempts,
	})

	llm := oracle.NewGenkitOracle(ctx, oracle.Config{
		Provider:                 cfg.LLM.Provider,
		Model:                    cfg.LLM.Model,
		APIKey:                   cfg.LLM.APIKey,
		Timeout:                  cfg.OracleTimeout(),
		OpenAICompatibleProvider: cfg.LLM.OpenAICompatibleProvider,
		OpenAICompatibleBaseURL:  cfg.LLM.OpenAICompatibleBaseURL,
	})

	eval, err := evaluator.New(evaluator.Deps{
		Store:     st,
		Oracle:    llm,
		Commands:  commands,
		Skills:    resolver,
		Knowledge: knowledge.NewSaver(st, logger),
		Logger:    logger,
		Tracer:    otelProvider.Tracer,
		Metrics:   metrics,
	})
	if err != nil {
		return fmt.Errorf("evaluator init: %w", err)
	}

	scheduler, err := followup.NewScheduler(followup.Config{
		Store:      st,
		Oracle:     llm,
		Evaluator:  eval,
		Commands:   commands,
		Skills:     resolver,
		Logger:     logger,
		Tracer:     otelProvider.Tracer,
		Metrics:    metrics,
		Interval:   minutesOrZero(cfg.FollowUp.IntervalMinutes),
		CronExpr:   cfg.FollowUp.CronExpr,
		QuietAfter: hoursOrZero(cfg.FollowUp.QuietAfterHours),
		BatchSize:  cfg.FollowUp.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("follow-up scheduler init: %w", err)
	}

	sink := events.Sink(events.NewBusSink(eventBus))
	if cfg.Events.WebhookURL != "" {
		sink = events.MultiSink{sink, events.NewWebhookSink(cfg.Events.WebhookURL, cfg.Events.WebhookSecret, 0)}
	}
	relay, err := events.NewRelay(events.Config{
		Store:     st,
		Sink:      sink,
		Logger:    logger,
		Interval:  secondsOrZero(cfg.Events.IntervalSeconds),
		BatchSize: cfg.Events.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("event relay init: %w", err)
	}

	commands.Start(ctx)
	defer commands.Stop()
	scheduler.Start(ctx)
	defer scheduler.Stop()
	relay.Start(ctx)
	defer relay.Stop()

	logger.Info("loopkeep running", "agent", cfg.AgentName, "oracle_enabled", llm.Enabled())
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func secondsOrZero(n int) (d time.Duration) {
	if n > 0 {
		d = time.Duration(n) * time.Second
	}
	return d
}

func minutesOrZero(n int) (d time.Duration) {
	if n > 0 {
		d = time.Duration(n) * time.Minute
	}
	return d
}

func hoursOrZero(n int) (d time.Duration) {
	if n > 0 {
		d = time.Duration(n) * time.Hour
	}
	return d
}

func fatalStartup(logger *slog.Logger, phase string, err error) {
	if logger != nil {
		logger.Error("startup failure", "phase", phase, "error", err)
	}
	fmt.Fprintf(os.Stderr, "loopkeep: %s: %v\n", phase, err)
	os.Exit(1)
}

// loadDotEnv loads KEY=VALUE pairs from a local .env without clobbering
// variables already set in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
