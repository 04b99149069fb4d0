// Command gopherd is the daemon hosting the engine's map of running
// torrents and the Unix-domain control socket cmd/gopherctl talks to.
package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lvbealr/gopher/internal/config"
	"github.com/lvbealr/gopher/internal/ctlsock"
	"github.com/lvbealr/gopher/internal/engine"
	"github.com/lvbealr/gopher/internal/logging"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "gopherd",
	Short: "gopherd runs torrent downloads and serves the control socket gopherctl talks to.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "configuration file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	opts, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	baseLogger, err := logging.New(opts.LogLevel)
	if err != nil {
		return err
	}
	defer baseLogger.Sync()
	log := logging.Component(baseLogger, "gopherd")

	e := engine.New(opts, log)
	if err := e.LoadState(); err != nil {
		log.Warnw("resuming prior state failed", "err", err)
	}
	if err := e.ListenForPeers(); err != nil {
		return err
	}

	sockPath := filepath.Join(opts.StateDir, "gopherd.sock")
	srv, err := ctlsock.Listen(sockPath, e, log.Named("ctlsock"))
	if err != nil {
		return err
	}
	go srv.Serve()

	log.Infow("gopherd started", "control_socket", sockPath, "listen_port", opts.ListenPort)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
	case <-e.Done(): // shutdown requested over the control socket
	}

	log.Info("shutting down")
	srv.Close()
	return e.Shutdown()
}
