package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/adalundhe/flowsync/core/tabs"
)

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run the local broadcast hub",
	Long: `Run the fan-out WebSocket hub that same-device app instances use for
tab coordination. Every frame a client sends is rebroadcast to every other
connected client; the hub holds no protocol state.`,
	RunE: runHub,
}

var hubAddr string

func init() {
	rootCmd.AddCommand(hubCmd)
	hubCmd.Flags().StringVar(&hubAddr, "addr", "", "Listen address (default from config)")
}

func runHub(cmd *cobra.Command, args []string) error {
	manager, _, err := loadConfig()
	if err != nil {
		return err
	}
	defer manager.Close()

	cfg := manager.Get()
	addr := hubAddr
	if addr == "" {
		addr = cfg.Hub.Addr
	}

	logger := newLogger(cfg.Logging)
	hub := tabs.NewHub(logger)
	if err := hub.Start(addr); err != nil {
		return fmt.Errorf("starting hub: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "hub listening on %s\n", hub.Addr())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
	case <-cmd.Context().Done():
	}

	return hub.Stop()
}
