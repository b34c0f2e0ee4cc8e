// Command proofserver runs the EdgeChain proof server: LoRa telemetry
// ingestion, the Merkle device registry, nullifier-gated reward claims,
// and the HTTP/WebSocket API, wired per spec.md §4.10's startup order.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgechain/proofserver/internal/config"
	"github.com/edgechain/proofserver/internal/lora"
	"github.com/edgechain/proofserver/internal/supervisor"
)

// Exit codes (spec.md §7).
const (
	exitClean         = 0
	exitFatalStartup  = 1
	exitCorruptState  = 2
	exitInvalidConfig = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the JSON config file (defaults apply if omitted)")
	simFile := flag.String("lora-sim-file", "", "replay a file of +RCV= lines instead of opening a real serial port (test hook, spec.md §4.5)")
	flag.Parse()

	log := logrus.NewEntry(logrus.StandardLogger())

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Error("invalid configuration")
		return exitInvalidConfig
	}

	transport, err := buildTransport(cfg, *simFile)
	if err != nil {
		log.WithError(err).Error("failed to open lora transport")
		return exitFatalStartup
	}

	sup, err := supervisor.New(cfg, transport, log)
	if err != nil {
		if errors.Is(err, supervisor.ErrCorruptState) {
			log.WithError(err).Error("refusing to start with corrupt persisted state")
			return exitCorruptState
		}
		log.WithError(err).Error("fatal startup error")
		return exitFatalStartup
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go waitForShutdownSignal(log, cancel)

	if err := sup.Run(ctx); err != nil {
		log.WithError(err).Error("supervisor exited with error")
		return exitFatalStartup
	}

	return exitClean
}

// buildTransport opens the configured LoRa transport. An empty
// lora.port configuration value and no --lora-sim-file means "run
// without LoRa ingestion" (API-only deployments are valid per spec.md
// §4.10: the ingress is the last component brought up, and nothing else
// depends on it being present).
func buildTransport(cfg *config.Config, simFile string) (lora.Transport, error) {
	if simFile != "" {
		return lora.NewSimTransport(simFile)
	}
	if cfg.LoRa.Port == "" {
		return nil, nil
	}
	return openSerial(cfg.LoRa.Port, cfg.LoRa.Baud)
}

// waitForShutdownSignal cancels ctx on the first SIGINT/SIGTERM to start
// graceful shutdown, then enforces spec.md §4.10's "a second signal
// within 5 s is fatal" by giving the running shutdown exactly one grace
// window before aborting the process outright.
func waitForShutdownSignal(log *logrus.Entry, cancel context.CancelFunc) {
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	<-sig
	log.Info("shutdown signal received, draining")
	cancel()

	select {
	case <-sig:
		log.Fatal("second shutdown signal received, aborting immediately")
	case <-time.After(5 * time.Second):
	}
}
