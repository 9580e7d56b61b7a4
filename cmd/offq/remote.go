package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/offq/offq/internal/remote"
	"github.com/offq/offq/internal/remote/server"
	"github.com/offq/offq/internal/ui"
)

var remoteCmd = &cobra.Command{
	Use:     "remote",
	GroupID: "advanced",
	Short:   "Reference remote store",
}

var remoteServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve an in-memory remote store over HTTP",
	Long: `Serve an in-memory authoritative store that the HTTP remote client talks
to. It is meant for development and demos: data is lost on exit.

Endpoints:
  GET  /health
  POST /v1/mutations
  GET  /v1/entities
  GET  /v1/entities/{id}
  PUT  /v1/entities/{id}   (simulate a change made by another client)`,
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("addr")
		token, _ := cmd.Flags().GetString("token")
		failureRate, _ := cmd.Flags().GetFloat64("failure-rate")
		latency, _ := cmd.Flags().GetDuration("latency")

		if addr == "" {
			addr = cfg.Remote.ServeAddr
		}
		if token == "" {
			token = cfg.Remote.Token
		}
		if failureRate < 0 || failureRate > 1 {
			fatalf("--failure-rate must be between 0.0 and 1.0")
		}

		store := remote.NewMemoryStore()
		store.SetFailureRate(failureRate)
		store.SetLatency(latency)

		srv := server.New(store, server.Config{Addr: addr, Token: token, Logger: logger.Logger})
		check(srv.Start())

		fmt.Printf("%s Remote store listening on http://%s\n", ui.RenderPass("●"), srv.Addr())
		if token != "" {
			fmt.Println("   Bearer token required on /v1")
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		runUntilSignal(cmd.Context())

		fmt.Println("\nShutting down remote store...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		check(srv.Stop(ctx))
	},
}

func init() {
	remoteServeCmd.Flags().String("addr", "", "Listen address (default: remote.serve_addr)")
	remoteServeCmd.Flags().String("token", "", "Required bearer token (default: remote.token)")
	remoteServeCmd.Flags().Float64("failure-rate", 0, "Fraction of mutations that fail transiently")
	remoteServeCmd.Flags().Duration("latency", 0, "Delay added to every mutation")

	remoteCmd.AddCommand(remoteServeCmd)
	rootCmd.AddCommand(remoteCmd)
}
