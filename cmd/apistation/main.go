package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/apistation/apistation/internal/auth"
	"github.com/apistation/apistation/internal/collection"
	"github.com/apistation/apistation/internal/config"
	"github.com/apistation/apistation/internal/importer"
	"github.com/apistation/apistation/internal/proxy"
	"github.com/apistation/apistation/internal/runner"
	"github.com/apistation/apistation/internal/sandbox"
	"github.com/apistation/apistation/internal/scope"
	"github.com/apistation/apistation/internal/stats"
	"github.com/apistation/apistation/internal/store"
	"github.com/apistation/apistation/internal/types"
)

var version = "1.0.0"

var (
	flagIterations int
	flagDataFile   string
	flagDelayMs    int64
	flagHistory    bool
	flagEnvFile    string
	flagLimit      int
	flagStats      bool
	flagOutput     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "apistation",
	Short: "API Station - collection run and request execution engine",
	Long: `API Station executes stored API request collections: it resolves
{{variables}}, applies authentication, runs pre/post scripts in a sandbox
and issues the HTTP calls.

Examples:
  apistation run api.yaml                 # Run a collection once
  apistation run api.yaml -n 5            # Run 5 iterations
  apistation run api.yaml -d users.csv    # One iteration per data row
  apistation send request.yaml            # Execute the first request only
  apistation history                      # Show recent request history
  apistation history --stats              # Per-endpoint statistics
  apistation import openapi.yaml          # Convert an OpenAPI doc to a collection`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run <collection file>",
	Short: "Run a collection file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, cleanup, err := buildEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		bundle, err := collection.Load(args[0])
		if err != nil {
			return err
		}
		if flagHistory {
			for _, req := range bundle.Requests {
				req.RecordHistory = true
			}
		}
		if flagEnvFile != "" {
			env, err := collection.LoadEnvironment(flagEnvFile)
			if err != nil {
				return err
			}
			bundle.Environment = env
		}
		engine.memory.AddCollection(bundle.Collection, bundle.Folders, bundle.Requests)
		engine.memory.SetCollectionVariables(bundle.Collection.ID, bundle.Variables)
		engine.memory.SetEnvironmentVariables(bundle.Collection.ID, bundle.Environment)

		run, err := engine.runner.StartRun(context.Background(), runner.RunSpec{
			CollectionID:  bundle.Collection.ID,
			TeamID:        bundle.Collection.TeamID,
			EnvironmentID: bundle.Collection.ID,
			Iterations:    flagIterations,
			DataFile:      flagDataFile,
			DelayMs:       flagDelayMs,
		})
		if err != nil {
			return err
		}

		printRun(run)
		if run.Status == types.RunStatusFailed {
			os.Exit(1)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <collection file>",
	Short: "Execute the first request of a collection file ad hoc",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, cleanup, err := buildEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		bundle, err := collection.Load(args[0])
		if err != nil {
			return err
		}
		if len(bundle.Requests) == 0 {
			return fmt.Errorf("no requests found in %s", args[0])
		}

		req := bundle.Requests[0]
		if flagHistory {
			req.RecordHistory = true
		}
		src := scope.Sources{
			Collection:  bundle.Variables,
			Environment: bundle.Environment,
		}

		foldersByID := make(map[string]*types.Folder, len(bundle.Folders))
		for _, folder := range bundle.Folders {
			foldersByID[folder.ID] = folder
		}
		effAuth := auth.Effective(req, foldersByID, bundle.Collection)

		resp, err := engine.executor.Execute(req, src, effAuth)
		if err != nil {
			return err
		}

		fmt.Printf("%s %s\n", req.Method, req.URL)
		fmt.Printf("  %s  %dms  %dB\n", resp.StatusText, resp.DurationMs, resp.Size)
		for _, hop := range resp.RedirectChain {
			fmt.Printf("  -> %s\n", hop)
		}
		if resp.Body != "" {
			fmt.Println(resp.Body)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent request history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return err
		}

		if flagStats {
			return printStats()
		}

		db, err := store.OpenDB(config.DatabasePath)
		if err != nil {
			return err
		}
		defer db.Close()

		entries, err := db.List(flagLimit)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			status := fmt.Sprintf("%d", entry.ResponseStatus)
			if entry.Error != "" {
				status = "ERR"
			}
			fmt.Printf("%s  %-4s %s  %s  %dms\n",
				entry.Timestamp.Format("2006-01-02 15:04:05"),
				entry.Method, entry.URL, status, entry.DurationMs)
		}
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <openapi.(yaml|json) | capture.har>",
	Short: "Convert an OpenAPI document or HAR capture into a collection file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source := args[0]

		var bundle *collection.Bundle
		var err error
		if strings.ToLower(filepath.Ext(source)) == ".har" {
			bundle, err = importer.FromHAR(source)
		} else {
			bundle, err = importer.FromOpenAPI(source)
		}
		if err != nil {
			return err
		}

		output := flagOutput
		if output == "" {
			base := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
			output = base + ".collection.yaml"
		}
		if err := collection.Write(bundle, output); err != nil {
			return err
		}

		fmt.Printf("Imported %d requests into %s\n", len(bundle.Requests), output)
		return nil
	},
}

func printStats() error {
	m, err := stats.NewManager(config.DatabasePath)
	if err != nil {
		return err
	}
	defer m.Close()

	endpoints, err := m.PerEndpoint()
	if err != nil {
		return err
	}
	for _, s := range endpoints {
		fmt.Printf("%-4s %s\n", s.Method, s.Endpoint)
		fmt.Printf("     calls: %d (%d ok, %d error, %d network)  avg: %.0fms  min/max: %d/%dms\n",
			s.TotalCalls, s.SuccessCount, s.ErrorCount, s.NetworkErrors,
			s.AvgDurationMs, s.MinDurationMs, s.MaxDurationMs)
	}
	return nil
}

// engine bundles the wired execution core for CLI commands.
type engine struct {
	memory   *store.Memory
	runner   *runner.Runner
	executor *proxy.Executor
}

// buildEngine wires the execution core against the sqlite database when
// history recording is requested, falling back to in-memory run storage
// otherwise.
func buildEngine() (*engine, func(), error) {
	if err := config.Initialize(); err != nil {
		return nil, nil, err
	}
	limits, err := config.LoadLimits(config.ConfigFile)
	if err != nil {
		return nil, nil, err
	}

	memory := store.NewMemory()
	cleanup := func() {}

	var runs store.RunStore
	var history store.HistoryStore
	if flagHistory {
		db, err := store.OpenDB(config.DatabasePath)
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() { db.Close() }
		runs = db
		history = db
	} else {
		runs = store.NewMemoryRuns()
	}

	executor := proxy.NewExecutor(limits, history)
	sb := sandbox.New(limits)
	r := runner.New(memory, memory, runs, executor, sb, limits)

	return &engine{memory: memory, runner: r, executor: executor}, cleanup, nil
}

func printRun(run *types.RunResult) {
	fmt.Printf("Run %s  [%s]\n", run.ID, run.Status)
	fmt.Printf("  iterations: %d  requests: %d passed / %d failed of %d\n",
		run.IterationCount, run.RequestsPassed, run.RequestsFailed, run.RequestsTotal)
	fmt.Printf("  assertions: %d passed / %d failed of %d  duration: %dms\n",
		run.AssertionsPassed, run.AssertionsFailed, run.AssertionsTotal, run.DurationMs)

	for _, it := range run.Iterations {
		mark := "PASS"
		if it.Skipped {
			mark = "SKIP"
		} else if !it.Passed {
			mark = "FAIL"
		}
		fmt.Printf("  [%s] #%d %s %s %s -> %d (%dms)\n",
			mark, it.Iteration, it.RequestName, it.Method, it.URL, it.Status, it.DurationMs)
		for _, a := range it.Assertions {
			status := "ok"
			if !a.Passed {
				status = "failed: " + a.Message
			}
			fmt.Printf("        %s - %s\n", a.Name, status)
		}
		if it.Error != "" {
			fmt.Printf("        error: %s\n", it.Error)
		}
	}
}

func init() {
	runCmd.Flags().IntVarP(&flagIterations, "iterations", "n", 1, "number of iterations")
	runCmd.Flags().StringVarP(&flagDataFile, "data", "d", "", "CSV or JSON data file seeding iterations")
	runCmd.Flags().Int64Var(&flagDelayMs, "delay", 0, "delay between requests in milliseconds")
	runCmd.Flags().StringVarP(&flagEnvFile, "env", "e", "", "environment file overriding the collection's environment block")
	runCmd.Flags().BoolVar(&flagHistory, "history", false, "record requests and run results in the local database")
	sendCmd.Flags().BoolVar(&flagHistory, "history", false, "record the request in the local database")
	historyCmd.Flags().IntVarP(&flagLimit, "limit", "l", 20, "maximum entries to show")
	historyCmd.Flags().BoolVar(&flagStats, "stats", false, "show per-endpoint statistics instead of entries")
	importCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "output collection file (default <source>.collection.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(importCmd)
}
