package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy and serve client requests over stdio",
		Long:  "Start the proxy: spawn configured backends, run their initialize handshakes, and dispatch client JSON-RPC requests read from stdin.",
		RunE:  runServe,
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.shutdown()

	a.logger.Info("muxproxyd ready",
		zap.Int("backends", len(a.cfg.Backends)),
		zap.String("data_dir", a.cfg.DataDir))

	if err := a.serveStdio(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	a.logger.Info("shutting down")
	return nil
}
