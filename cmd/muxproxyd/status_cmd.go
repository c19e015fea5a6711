package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mcp-multiplex/muxproxy/internal/config"
	"github.com/mcp-multiplex/muxproxy/internal/statestore"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the last known state of every backend from the supervisory store",
		Long:  "Reads the bbolt-backed supervisory store a running muxproxyd writes to and reports each backend's last observed phase, restart count, and failure reason. Does not connect to a live proxy process.",
		RunE:  runStatus,
	}
}

func runStatus(_ *cobra.Command, _ []string) error {
	dir := resolveDataDir(config.Defaults(), dataDir)
	store, err := statestore.Open(filepath.Join(dir, "supervisor.db"))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	records, err := store.All()
	if err != nil {
		return fmt.Errorf("read backend records: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("no backend state recorded yet")
		return nil
	}

	fmt.Printf("%-20s %-24s %-10s %s\n", "BACKEND", "LAST PHASE", "RESTARTS", "LAST FAILURE")
	for _, rec := range records {
		fmt.Printf("%-20s %-24s %-10d %s\n", rec.Name, rec.LastPhase, rec.RestartCount, rec.LastFailure)
	}
	return nil
}
