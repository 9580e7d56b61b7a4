package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/offq/offq/internal/config"
	"github.com/offq/offq/internal/daemon"
	"github.com/offq/offq/internal/loadtest"
	"github.com/offq/offq/internal/storage"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "advanced",
	Short:   "Measure enqueue and drain throughput",
	Long: `Run a load test: concurrent producers enqueue a generated workload
(70% adds, 20% updates, 10% deletes) into a fresh store, then the queue is
drained against an in-memory remote with optional injected failures.

The store lives in a temporary directory and is removed afterwards.

Examples:
  offq bench
  offq bench --backend pebble --producers 8 --mutations 500
  offq bench --failure-rate 0.2 --latency 2ms --format json`,
	Run: func(cmd *cobra.Command, args []string) {
		backend, _ := cmd.Flags().GetString("backend")
		codecName, _ := cmd.Flags().GetString("codec")
		producers, _ := cmd.Flags().GetInt("producers")
		perProducer, _ := cmd.Flags().GetInt("mutations")
		failureRate, _ := cmd.Flags().GetFloat64("failure-rate")
		latency, _ := cmd.Flags().GetDuration("latency")

		if producers <= 0 {
			fatalf("--producers must be positive")
		}
		if perProducer <= 0 {
			fatalf("--mutations must be positive")
		}
		if failureRate < 0 || failureRate >= 1 {
			fatalf("--failure-rate must be at least 0.0 and below 1.0")
		}
		codec, err := storage.CodecByName(codecName)
		check(err)

		dir, err := os.MkdirTemp("", "offq-bench-*")
		check(err)
		atExit(func() error { return os.RemoveAll(dir) })

		benchCfg := *cfg
		benchCfg.Storage.Backend = backend
		benchCfg.Storage.Path = filepath.Join(dir, "store")
		if backend == config.BackendSQLite {
			benchCfg.Storage.Path = filepath.Join(dir, "bench.db")
		}
		kv, err := daemon.OpenKV(&benchCfg)
		check(err)
		atExit(kv.Close)

		if outputFormat == formatTable {
			fmt.Printf("Running load test: %s/%s, %d producers x %d mutations, %.0f%% failures\n\n",
				backend, codec.Name(), producers, perProducer, failureRate*100)
		}

		report, err := loadtest.Run(cmd.Context(), loadtest.Options{
			Producers:            producers,
			MutationsPerProducer: perProducer,
			FailureRate:          failureRate,
			Latency:              latency,
			KV:                   kv,
			Codec:                codec,
			Logger:               logger.Logger,
		})
		check(err)

		render(report, func() { report.Print(os.Stdout) })
		code := 0
		if report.Applied != report.Enqueued {
			code = 1
		}
		exit(code)
	},
}

func init() {
	benchCmd.Flags().String("backend", config.BackendMemory, "Store backend: memory, sqlite or pebble")
	benchCmd.Flags().String("codec", "json", "Envelope codec: json or cbor")
	benchCmd.Flags().Int("producers", 4, "Concurrent producers")
	benchCmd.Flags().Int("mutations", 250, "Mutations per producer")
	benchCmd.Flags().Float64("failure-rate", 0, "Fraction of remote calls that fail transiently")
	benchCmd.Flags().Duration("latency", 0, "Delay added to every remote call")
	rootCmd.AddCommand(benchCmd)
}
