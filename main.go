package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"perpflow/config"
	"perpflow/internal/engine"
	"perpflow/internal/perf"
	"perpflow/internal/session"
	"perpflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	decisionPath := flag.String("decisions", "-", "Decision source: JSON lines from a file, or - for stdin")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if err := config.ApplyEnvironment(cfg); err != nil {
		log.WithError(err).Error("Failed to resolve environment overrides")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Perpflow.Name,
		"version": cfg.Perpflow.Version,
		"mode":    cfg.Trading.Mode,
	}).Info("starting perpflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Logging.CloudWatch {
		logger.InitCloudWatch(cfg.Logging.Region, cfg.Logging.Namespace, cfg.Logging.DashboardName)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	decisions, closeSource, err := openDecisionSource(*decisionPath)
	if err != nil {
		log.WithError(err).Error("Failed to open decision source")
		os.Exit(1)
	}
	defer closeSource()

	eng := engine.New(cfg, session.NewManager(cfg), perf.NewMemoryStore())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		cancel()
	}()

	run(ctx, log, eng, decisions)
	log.Info("perpflow stopped")
}

// run consumes decisions line by line until the source drains or the
// context is canceled. Cycles execute strictly sequentially.
func run(ctx context.Context, log *logger.Log, eng *engine.Engine, decisions *bufio.Scanner) {
	for decisions.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(decisions.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var d engine.Decision
		if err := json.Unmarshal([]byte(line), &d); err != nil {
			log.WithError(err).WithFields(logger.Fields{"line": line}).Warn("skipping malformed decision")
			continue
		}

		res := eng.RunCycle(ctx, d)
		entry := log.WithComponent("main").WithFields(logger.Fields{
			"symbol":  d.Symbol,
			"action":  d.Action,
			"outcome": res.Outcome,
		})
		switch res.Outcome {
		case engine.OutcomeFailed, engine.OutcomePartial:
			entry.WithFields(logger.Fields{"reason": res.Reason}).Error("cycle finished")
		case engine.OutcomeRejected:
			entry.WithFields(logger.Fields{"reason": res.Reason}).Warn("cycle finished")
		default:
			entry.Info("cycle finished")
		}
	}
	if err := decisions.Err(); err != nil {
		log.WithError(err).Error("decision source read failed")
	}
}

func openDecisionSource(path string) (*bufio.Scanner, func(), error) {
	if path == "-" {
		return bufio.NewScanner(os.Stdin), func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return bufio.NewScanner(f), func() { f.Close() }, nil
}
