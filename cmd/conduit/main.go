// Command conduit runs the healthcare integration engine: it loads a
// production snapshot from a JSON or YAML file, deploys it, and serves
// traffic until interrupted.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/carepath/conduit/pkg/engine"
	"github.com/carepath/conduit/pkg/events"
	"github.com/carepath/conduit/pkg/log"
	"github.com/carepath/conduit/pkg/trace"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "conduit",
	Short: "Conduit - healthcare integration engine",
	Long: `Conduit is a message-routing engine for healthcare integrations:
services receive HL7 v2 (MLLP), file, and HTTP traffic; processes evaluate
content-based routing rules; operations deliver messages downstream. Every
leg is traced to an embedded store for the portal to query.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Conduit version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Deploy a production snapshot and serve until interrupted",
	Long: `Deploy a production snapshot and serve until interrupted.

Examples:
  # Run a production from a JSON snapshot
  conduit run -f production.json

  # Run with a metrics endpoint and custom data directory
  conduit run -f production.yaml --data-dir /var/lib/conduit --metrics-addr :9090`,
	RunE: runRun,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a production snapshot without deploying it",
	RunE:  runValidate,
}

func init() {
	runCmd.Flags().StringP("file", "f", "", "Snapshot file to deploy (required)")
	runCmd.Flags().String("project", "default", "Project ID for the deployed production")
	runCmd.Flags().String("data-dir", "./data", "Directory for the trace store")
	runCmd.Flags().String("metrics-addr", "", "Address to serve Prometheus metrics on (empty = disabled)")
	_ = runCmd.MarkFlagRequired("file")

	validateCmd.Flags().StringP("file", "f", "", "Snapshot file to validate (required)")
	_ = validateCmd.MarkFlagRequired("file")
}

func runRun(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	projectID, _ := cmd.Flags().GetString("project")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	snap, err := engine.LoadSnapshot(file)
	if err != nil {
		return err
	}
	if !snap.Production.Enabled {
		return fmt.Errorf("production %q is disabled in the snapshot", snap.Production.Name)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("data directory: %w", err)
	}
	store, err := trace.NewStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	writer := trace.NewWriter(store, 0)
	writer.Start()
	defer writer.Stop()

	reconciler := trace.NewReconciler(store, trace.ReconcilerConfig{})
	reconciler.Start()
	defer reconciler.Stop()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	eng := engine.New(engine.Config{Trace: writer, Broker: broker})

	ctx := context.Background()
	if err := eng.Deploy(ctx, projectID, *snap); err != nil {
		return err
	}
	fmt.Printf("Production %q deployed as project %q\n", snap.Production.Name, projectID)

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger := log.WithComponent("metrics")
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		fmt.Printf("Metrics available at http://%s/metrics\n", metricsAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Printf("Received %s, shutting down...\n", sig)

	stopCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := eng.Stop(stopCtx, projectID); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	fmt.Println("Production stopped")
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")

	snap, err := engine.LoadSnapshot(file)
	if err != nil {
		return err
	}
	if err := engine.Validate(snap); err != nil {
		return fmt.Errorf("snapshot invalid:\n%w", err)
	}
	fmt.Printf("Snapshot %q valid: %d items, %d connections, %d routing rules\n",
		snap.Production.Name, len(snap.Items), len(snap.Connections), len(snap.RoutingRules))
	return nil
}
