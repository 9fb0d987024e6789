package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/proctorly/engine/internal/archive"
	"github.com/proctorly/engine/internal/config"
	"github.com/proctorly/engine/internal/evaluation"
	"github.com/proctorly/engine/internal/health"
	"github.com/proctorly/engine/internal/logging"
	"github.com/proctorly/engine/internal/manager"
	"github.com/proctorly/engine/internal/server"
	"github.com/proctorly/engine/internal/store"
	"github.com/proctorly/engine/internal/telemetry"
	"github.com/proctorly/engine/internal/workerpool"
)

var (
	version = "0.1.0"
	cfgFile string
	asJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   "proctor-engine",
	Short: "Proctorly correlation engine",
	Long:  `Proctorly Engine - real-time exam proctoring over camera and screen substreams`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the engine",
	Run: func(cmd *cobra.Command, args []string) {
		runEngine()
	},
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Compute detection metrics over labelled sessions",
	Run: func(cmd *cobra.Command, args []string) {
		evaluateSessions()
	},
}

var labelCmd = &cobra.Command{
	Use:   "label [session-id] [CHEATING|GENUINE]",
	Short: "Attach a reviewer ground-truth label to a finished session",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		labelSession(args[0], args[1])
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration and exit",
	Run: func(cmd *cobra.Command, args []string) {
		checkConfig()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Proctorly Engine v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/proctorly/engine.yaml)")
	evaluateCmd.Flags().BoolVar(&asJSON, "json", false, "emit metrics as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(labelCmd)
	rootCmd.AddCommand(checkConfigCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "Config error: %v\n", e)
		}
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	if cfg.LogFile == "" {
		logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)
		return
	}
	w, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, w)
}

func runEngine() {
	cfg := loadConfig()
	setupLogging(cfg)
	log := logging.L("main")

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	archiver, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure archiving: %v\n", err)
		os.Exit(1)
	}

	monitor := health.NewMonitor()
	pool := workerpool.New(4, 128)
	mgr := manager.New(cfg, st, archiver, pool, monitor)

	go mgr.RunReaper(ctx, 30*time.Second)

	collector := telemetry.NewCollector(monitor, mgr.ActiveSessions)
	go collector.Run(ctx, time.Duration(cfg.TelemetryIntervalSeconds)*time.Second)

	srv := server.New(cfg, mgr, monitor)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	log.Info("engine started", "version", version, "addr", cfg.ListenAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			log.Error("server failed", logging.KeyError, err)
		}
	}

	cancel()
	mgr.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	pool.Shutdown(shutdownCtx)
}

func evaluateSessions() {
	cfg := loadConfig()
	logging.Init(cfg.LogFormat, "warn", os.Stderr)

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	subs, err := st.Submissions()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read submissions: %v\n", err)
		os.Exit(1)
	}

	m := evaluation.Evaluate(subs)

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(m)
		return
	}

	fmt.Printf("Sessions evaluated: %d (skipped unlabelled: %d)\n", m.Total, m.Skipped)
	fmt.Printf("Confusion matrix:   TP=%d TN=%d FP=%d FN=%d\n", m.TP, m.TN, m.FP, m.FN)
	fmt.Printf("Accuracy:           %.2f%%\n", m.Accuracy)
	fmt.Printf("Precision:          %.2f%%\n", m.Precision)
	fmt.Printf("Recall:             %.2f%%\n", m.Recall)
	fmt.Printf("Specificity:        %.2f%%\n", m.Specificity)
	fmt.Printf("F1 score:           %.2f%%\n", m.F1)
	fmt.Printf("False positives:    %.2f%%\n", m.FalsePositiveRate)
	fmt.Printf("False negatives:    %.2f%%\n", m.FalseNegativeRate)
	fmt.Printf("MCC:                %.3f\n", m.MCC)
}

func labelSession(sessionID, label string) {
	if label != evaluation.LabelCheating && label != evaluation.LabelGenuine {
		fmt.Fprintf(os.Stderr, "Label must be %s or %s\n", evaluation.LabelCheating, evaluation.LabelGenuine)
		os.Exit(1)
	}

	cfg := loadConfig()
	logging.Init(cfg.LogFormat, "warn", os.Stderr)

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.SetLabel(sessionID, label); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to label session: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Labelled %s as %s\n", sessionID, label)
}

func checkConfig() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "Config error: %v\n", e)
		}
		os.Exit(1)
	}
	fmt.Println("Configuration OK")
	fmt.Printf("Listen address: %s\n", cfg.ListenAddr)
	fmt.Printf("Store path:     %s\n", cfg.StorePath)
}
