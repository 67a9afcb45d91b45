// Command inverter-bridge runs the long-lived inverter register-protocol
// daemon: a Link Manager accepting the inverter's TCP connection, a Poll
// Scheduler driving sensor/fault/settings reads, a Control Server for
// one-shot commands, and the durable Energy Store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/benbjohnson/clock"

	"github.com/evcc-io/inverter-bridge/internal/bridge"
	"github.com/evcc-io/inverter-bridge/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inverter-bridge",
		Short: "Bridges a register-protocol inverter link to a local control port",
		RunE:  run,
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bridge.New(cfg, clock.New(), log)

	log.WithFields(logrus.Fields{
		"inverter_addr": cfg.InverterAddr,
		"control_addr":  cfg.ControlAddr,
		"metrics_addr":  cfg.MetricsAddr,
		"state_file":    cfg.StateFile,
	}).Info("inverter-bridge starting")

	if err := b.Run(ctx); err != nil {
		log.WithError(err).Error("inverter-bridge exited with error")
		return err
	}

	log.Info("inverter-bridge exited cleanly")
	return nil
}

func newLogger(level string) *logrus.Entry {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	return logrus.NewEntry(log)
}
