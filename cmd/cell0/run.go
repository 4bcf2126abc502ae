package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/YigremTamiru/cell0-os/internal/config"
	"github.com/YigremTamiru/cell0-os/internal/kernel"
	"github.com/YigremTamiru/cell0-os/internal/raft"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "boot the kernel harness and drive ticks from a wall-clock ticker",
		RunE:  runRun,
	}
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	k, err := kernel.New(cfg)
	if err != nil {
		return err
	}
	defer k.Close()

	log := k.Logger.WithField("component", "cmd.run")
	log.Info("kernel harness starting")

	ticker := time.NewTicker(cfg.Timer.TickInterval())
	defer ticker.Stop()

	electionDeadline := time.Now().Add(time.Duration(k.Raft.ElectionTimeoutMs()) * time.Millisecond)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-sigCh:
			log.Info("shutting down")
			return nil

		case now := <-ticker.C:
			tick := k.Tick()
			if now.After(electionDeadline) {
				events := k.Raft.OnElectionTimeout()
				handleRaftEvents(k, events)
				electionDeadline = now.Add(time.Duration(k.Raft.ElectionTimeoutMs()) * time.Millisecond)
			}
			log.WithFields(logrus.Fields{
				"tick":      tick,
				"raft_role": k.Raft.Role(),
			}).Debug("tick")
		}
	}
}

// handleRaftEvents drives the non-transport side effects of an event
// batch: persisting state and dispatching outbound RPCs over the
// loopback transport.
func handleRaftEvents(k *kernel.Kernel, events []raft.Event) {
	for _, ev := range events {
		if ev.Kind == raft.PersistState {
			if err := k.PersistRaftState(); err != nil {
				k.Logger.WithError(err).Error("failed to persist raft state")
			}
		}
	}
	if err := k.Transport.DispatchEvents(k.Raft.Self(), events); err != nil {
		k.Logger.WithError(err).Warn("failed to dispatch raft events")
	}
}
