// Package main provides the CLI entry point for the sstunnel relay.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nimbusrelay/sstunnel/internal/config"
	"github.com/nimbusrelay/sstunnel/internal/listener"
	"github.com/nimbusrelay/sstunnel/internal/logging"
	"github.com/nimbusrelay/sstunnel/internal/metrics"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "sstunnel",
		Short:   "sstunnel - encrypted SOCKS5-fronted TCP tunnel",
		Version: Version,
	}

	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(serverCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func clientCmd() *cobra.Command {
	var configPath string
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run the client-role relay (SOCKS5 ingress, encrypted egress)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRole(configPath, metricsAddr, "client")
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "./sstunnel.yaml", "path to configuration file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-address", "", "address to serve Prometheus metrics on (empty disables)")
	return cmd
}

func serverCmd() *cobra.Command {
	var configPath string
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the server-role relay (decrypts and forwards to the real destination)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRole(configPath, metricsAddr, "server")
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "./sstunnel.yaml", "path to configuration file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-address", "", "address to serve Prometheus metrics on (empty disables)")
	return cmd
}

func runRole(configPath, metricsAddr, role string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Role = role
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	m := metrics.Default()
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", logging.KeyError, err.Error())
			}
		}()
		defer srv.Close()
		logger.Info("metrics server listening", logging.KeyLocalAddr, metricsAddr)
	}

	relayCfg, err := cfg.RelayConfig()
	if err != nil {
		return fmt.Errorf("build relay config: %w", err)
	}
	var totalBytes atomic.Uint64
	relayCfg.StatCallback = func(listenPort int, bytes int) {
		direction := "upstream"
		if relayCfg.Role.String() == "server" {
			direction = "downstream"
		}
		m.RecordBytes(direction, bytes)
		totalBytes.Add(uint64(bytes))
	}

	l := listener.New(listener.Config{
		Address:          cfg.ListenAddress(),
		RelayConfig:      relayCfg,
		IdleTimeout:      cfg.Timeout,
		FastOpen:         cfg.FastOpen,
		FastOpenQueueLen: 5,
		Logger:           logger,
	})
	if err := l.Start(); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}

	fmt.Printf("sstunnel %s role listening on %s\n", role, l.Addr())
	if relayCfg.Tunnel.Enabled() {
		fmt.Printf("tunnel mode: fixed destination %s\n", relayCfg.Tunnel.Address())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Printf("\nreceived signal %v, shutting down...\n", sig)

	if err := l.Stop(); err != nil {
		return fmt.Errorf("stop listener: %w", err)
	}

	fmt.Printf("moved %s, stopped.\n", humanize.Bytes(totalBytes.Load()))
	return nil
}
