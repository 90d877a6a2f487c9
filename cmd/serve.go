package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/snipd-dev/snipd/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the snipd HTTP API. Screenshots can be uploaded, searched,
tagged, and deleted over JSON endpoints under /api/v1.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (defaults to SNIPD_LISTEN_ADDR)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	eng, err := initEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.close()

	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = eng.cfg.Server.Addr
	}

	server := web.NewServer(eng.store, addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		fmt.Printf("Received %s, shutting down...\n", sig)
	case <-cmd.Context().Done():
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
