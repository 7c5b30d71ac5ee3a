package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTracePLX/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only inspection API",
	Long: `Serve switches found in sysfs, the family register tables, built-in profiles,
an EEPROM image decoder and Prometheus metrics over HTTP. Nothing served
writes to hardware.

Routes:
  GET  /switches
  GET  /families
  GET  /families/{tag}
  GET  /profiles
  POST /eeprom/decode?family=TAG
  GET  /metrics`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", server.DefaultConfig().Addr, "listen address")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := server.DefaultConfig()
	cfg.Addr = serveAddr
	cfg.SysfsRoot = sysfsRoot
	cfg.Log = log.WithName("server")
	s, err := server.New(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.ListenAndServe(ctx)
}
