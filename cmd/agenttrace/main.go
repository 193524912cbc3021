// Agenttrace is a smoke-test CLI for the agenttrace SDK. It starts a real
// session against the configured collection endpoint, records a few sample
// events, and ends the session, validating credentials and endpoint
// reachability end to end.
//
// Usage:
//
//	agenttrace smoke --config config.yaml [--debug]
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fjacquet/agenttrace"
	"github.com/fjacquet/agenttrace/event"
	"github.com/fjacquet/agenttrace/internal/logging"
	"github.com/fjacquet/agenttrace/internal/metrics"
)

const programName = "agenttrace"

var (
	configFile  string
	debug       bool
	metricsAddr string
)

func loadConfig(path string) (*agenttrace.Config, error) {
	cfg, err := agenttrace.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// watchForShutdown ends every live session when the process is interrupted,
// so a ctrl-c mid-smoke still leaves clean terminal sessions behind.
func watchForShutdown(client *agenttrace.Client) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-stop
		log.Infof("Received signal %v, ending sessions...", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client.EndAll(ctx, agenttrace.StateIndeterminate, "interrupted")
		os.Exit(1)
	}()
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	go func() {
		log.Infof("Serving pipeline diagnostics on %s/metrics", addr)
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warnf("Diagnostics server error: %v", err)
		}
	}()
}

func runSmoke(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.Debug, cfg.LogFile); err != nil {
		return err
	}

	log.Infof("Starting %s smoke test...", programName)
	log.Infof("Endpoint: %s", cfg.Endpoint)
	if debug {
		log.Infof("API Key: %s", cfg.MaskAPIKey())
	}

	client, err := agenttrace.New(*cfg)
	if err != nil {
		return err
	}
	watchForShutdown(client)
	if metricsAddr != "" {
		serveMetrics(metricsAddr)
	}

	ctx := context.Background()
	session, err := client.StartSession(ctx, "smoke-test")
	if err != nil {
		return fmt.Errorf("could not start session: %w", err)
	}

	// Capture our own log output into the session's log stream.
	log.AddHook(logging.NewSessionHook(session.Logger()))
	log.Infof("Session started: %s", session.URL())

	llm := event.NewLLM(event.LLMDetails{
		Model:            "gpt-4",
		Prompt:           "What is the answer to life, the universe and everything?",
		Completion:       "42",
		PromptTokens:     12,
		CompletionTokens: 1,
	})
	_ = llm.End()
	if err := session.Record(llm); err != nil {
		return err
	}

	if _, err := agenttrace.TimeTool(session, "lookupAnswer", map[string]any{"depth": 1}, func() (any, error) {
		time.Sleep(50 * time.Millisecond)
		return "deep thought consulted", nil
	}); err != nil {
		return err
	}

	if _, err := agenttrace.TimeAction(session, "report", nil, func() (any, error) {
		return map[string]any{"delivered": true}, nil
	}); err != nil {
		return err
	}

	if err := session.Flush(ctx); err != nil {
		return fmt.Errorf("flush failed: %w", err)
	}

	cost, err := session.End(ctx, agenttrace.StateSucceeded, "smoke test complete")
	if err != nil {
		return fmt.Errorf("could not end session: %w", err)
	}

	fmt.Printf("Smoke test passed. Token cost: $%s\n", cost.StringFixed(6))
	fmt.Printf("Session replay: %s\n", session.URL())
	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   programName,
		Short: "Session-scoped agent telemetry SDK",
		Long:  "Agenttrace records agent work as sessions of events and delivers them as traces to a collection endpoint",
	}

	smokeCmd := &cobra.Command{
		Use:   "smoke",
		Short: "Start a session, record sample events, and end it",
		RunE:  runSmoke,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file (required)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug mode")
	smokeCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve pipeline diagnostics on this address (e.g. :2112)")
	_ = rootCmd.MarkPersistentFlagRequired("config")
	rootCmd.AddCommand(smokeCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
