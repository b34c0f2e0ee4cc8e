// Package supervisor is the Persistence-Root-to-process glue (spec.md
// §4.10): it builds every component in the startup order spec.md fixes
// (Clock → Hasher → Persistence restore → Registry → Nullifier Store →
// Prover Dispatcher → API → LoRa Ingress), wires the LoRa→Verifier→
// Prover pipeline between them, and tears everything down in reverse on
// shutdown with a grace deadline.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/edgechain/proofserver/internal/api"
	"github.com/edgechain/proofserver/internal/clock"
	"github.com/edgechain/proofserver/internal/config"
	"github.com/edgechain/proofserver/internal/lora"
	"github.com/edgechain/proofserver/internal/metrics"
	"github.com/edgechain/proofserver/internal/nullifier"
	"github.com/edgechain/proofserver/internal/persistence"
	"github.com/edgechain/proofserver/internal/prover"
	"github.com/edgechain/proofserver/internal/registry"
	"github.com/edgechain/proofserver/internal/verifier"
)

// ErrCorruptState wraps any failure restoring the Merkle Registry or
// Nullifier Store snapshots, so main can tell a corrupt-state startup
// failure (spec.md §7 exit code 2) apart from any other fatal startup
// error (exit code 1).
var ErrCorruptState = errors.New("supervisor: corrupt persisted state")

// ShutdownGrace is the deadline given to in-flight verifications to
// finish once shutdown begins (spec.md §4.10: "in-flight verifications
// are allowed to complete; in-flight dispatches may be abandoned").
const ShutdownGrace = 10 * time.Second

// SnapshotInterval is the default periodic persistence cadence (spec.md §6).
const SnapshotInterval = 5 * time.Minute

// Supervisor owns every long-lived component and the goroutines that
// drive them.
type Supervisor struct {
	cfg *config.Config
	log *logrus.Entry

	clk  *clock.Clock
	reg  *registry.Registry
	nul  *nullifier.Store
	ver  *verifier.Verifier
	disp *prover.Dispatcher
	met  *metrics.Metrics
	srv  *api.Server
	ing  *lora.Ingress
	root *persistence.Root

	httpServer *http.Server
	pipe       *pipeline
}

// New builds every component in spec.md §4.10's fixed order, restoring
// persisted state before anything that depends on it is constructed.
// transport is the LoRa Transport to drive (a *lora.SerialTransport in
// production, a *lora.SimTransport under the test hook); pass nil to run
// without LoRa ingestion (e.g. API-only / HTTP-driven deployments).
func New(cfg *config.Config, transport lora.Transport, log *logrus.Entry) (*Supervisor, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "supervisor")

	// Clock.
	clk, err := clock.New(cfg.Epoch.LenS)
	if err != nil {
		return nil, fmt.Errorf("supervisor: clock: %w", err)
	}

	// Registry, restored from its snapshot before anything reads it.
	reg, err := registry.New(cfg.Merkle.Depth, func() int64 { return time.Now().Unix() })
	if err != nil {
		return nil, fmt.Errorf("supervisor: registry: %w", err)
	}
	if err := reg.Restore(cfg.Merkle.SnapshotPath); err != nil {
		return nil, fmt.Errorf("%w: registry: %v", ErrCorruptState, err)
	}

	// Nullifier Store, restored from its append log.
	nul, err := nullifier.Open(cfg.Nullifier.StorePath, cfg.Epoch.MaxLag, cfg.Epoch.MaxLead)
	if err != nil {
		return nil, fmt.Errorf("%w: nullifier store: %v", ErrCorruptState, err)
	}
	if err := checkClockRollback(clk, nul); err != nil {
		return nil, err
	}

	ver := verifier.New(reg, clk, cfg.Packet.SkewS, verifier.Policy(cfg.Verifier.Policy), cfg.AutoEnroll.PerSrcPerMin)

	client := prover.NewClient(cfg.Prover.URL, time.Duration(cfg.Prover.TimeoutMs)*time.Millisecond, cfg.Prover.Mock)
	disp := prover.NewDispatcher(client, cfg.Prover.MaxAttempts, log)

	met := metrics.New()

	var ing *lora.Ingress
	if transport != nil {
		radioCfg := lora.RadioConfig{
			NetworkID:  cfg.LoRa.NetworkID,
			Address:    cfg.LoRa.Address,
			FreqHz:     cfg.LoRa.FreqHz,
			SF:         cfg.LoRa.SF,
			BWKhz:      cfg.LoRa.BWKhz,
			TXPowerDbm: cfg.LoRa.TXPowerDbm,
		}
		ing = lora.New(transport, radioCfg, log)
	}

	srv := api.New(api.Deps{
		Config:    cfg,
		Registry:  reg,
		Nullifier: nul,
		Clock:     clk,
		Dispatch:  disp,
		Ingress:   ing,
		Metrics:   met,
		Log:       log,
	})

	root := persistence.NewRoot(SnapshotInterval, map[string]persistence.Snapshotter{
		"registry":  func() error { return reg.Snapshot(cfg.Merkle.SnapshotPath) },
		"nullifier": nul.Compact,
	})

	s := &Supervisor{
		cfg:  cfg,
		log:  log,
		clk:  clk,
		reg:  reg,
		nul:  nul,
		ver:  ver,
		disp: disp,
		met:  met,
		srv:  srv,
		ing:  ing,
		root: root,
	}

	if ing != nil {
		p := newPipeline(ing, ver, nul, disp)
		p.onInvalid = func(reason verifier.Reason) {
			met.PacketsInvalid.WithLabelValues(string(reason)).Inc()
			srv.Broadcast("packet:invalid", map[string]any{"reason": string(reason)})
		}
		p.onSubmit = func(r prover.Result) {
			met.ProofsGenerated.Inc()
			srv.Broadcast("proof:submitted", map[string]any{
				"nullifier": r.Nullifier.Hex(),
				"epoch":     r.Epoch,
				"tx_hash":   r.Receipt.TxHash,
			})
		}
		p.onOrphan = func(r prover.Result) {
			met.ProofsOrphaned.Inc()
			srv.Broadcast("packet:error", map[string]any{
				"nullifier": r.Nullifier.Hex(),
				"epoch":     r.Epoch,
				"reason":    "orphaned",
			})
		}
		s.pipe = p
	}

	return s, nil
}

func checkClockRollback(clk *clock.Clock, nul *nullifier.Store) error {
	var maxSpentAtMs int64
	for _, rec := range nul.Records() {
		if rec.SpentAtMs > maxSpentAtMs {
			maxSpentAtMs = rec.SpentAtMs
		}
	}
	if maxSpentAtMs == 0 {
		return nil
	}
	if err := clk.CheckRestoreTime(maxSpentAtMs); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	return nil
}

// Run blocks until ctx is cancelled, driving the HTTP server, the
// persistence scheduler, and (if configured) the LoRa ingress and its
// pipeline. It returns a nil error on a clean, context-triggered
// shutdown; a non-nil error indicates the API server failed or the final
// snapshot during shutdown failed.
func (s *Supervisor) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Server.Bind, s.cfg.Server.Port),
		Handler: s.srv.Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		s.log.Infof("api listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	go s.root.Run(ctx, func(target string, err error) {
		s.log.WithError(err).Warnf("periodic snapshot of %s failed", target)
	})

	var ingressDone chan struct{}
	if s.ing != nil {
		ingressDone = make(chan struct{})
		go func() {
			defer close(ingressDone)
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.pipe.run(ctx, s.clk.NowS)
			}()
			s.runIngress(ctx)
			wg.Wait()
		}()
	}

	go s.refreshMetrics(ctx)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("supervisor: api server: %w", err)
		}
	}

	return s.shutdown(ingressDone)
}

// shutdown runs the reverse-order teardown spec.md §4.10 requires: the
// HTTP server stops accepting new work, the LoRa reader and the
// pipeline's in-flight verifications are given ShutdownGrace to drain,
// then a final coordinated snapshot is taken.
func (s *Supervisor) shutdown(ingressDone chan struct{}) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).Warn("api server shutdown did not complete cleanly")
	}

	if ingressDone != nil {
		select {
		case <-ingressDone:
		case <-shutdownCtx.Done():
			s.log.Warn("lora ingress did not drain within the shutdown grace period")
		}
	}

	if err := s.root.SnapshotAll(); err != nil {
		s.log.WithError(err).Error("final snapshot failed")
		return fmt.Errorf("supervisor: final snapshot: %w", err)
	}

	s.log.Info("shutdown complete")
	return nil
}

// ingressRestartResetThreshold is how long an ingress session has to
// stay up before a subsequent failure is treated as a fresh problem
// (backoff reset to its initial interval) rather than a continuation of
// the same flapping condition.
const ingressRestartResetThreshold = 30 * time.Second

// runIngress drives s.ing.Run in a restart loop: spec.md §4.5 requires
// that "+ERR or timeout causes Configuring → Closed with a restart
// backoff," so a transient radio/config failure must not permanently
// kill LoRa ingestion on a long-running edge node. Run only returns
// while ctx is still live on a configure failure (or, more rarely, the
// read loop ending on its own); either way this restarts it from
// Opening after an exponential backoff, and keeps retrying indefinitely
// as long as ctx is live.
func (s *Supervisor) runIngress(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()

	for ctx.Err() == nil {
		start := time.Now()
		err := s.ing.Run(ctx)
		if ctx.Err() != nil {
			return
		}

		if time.Since(start) > ingressRestartResetThreshold {
			bo.Reset()
		}

		if err != nil {
			s.log.WithError(err).Warn("lora ingress exited")
		} else {
			s.log.Warn("lora ingress exited unexpectedly")
		}

		wait := bo.NextBackOff()
		s.log.Warnf("restarting lora ingress in %s", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// refreshMetrics periodically mirrors the ingress, registry, and
// nullifier running totals into the /metrics gauges until ctx is
// cancelled. Those collectors have no event to increment on — their
// values live in each component's own counters — so a refresh tick is
// how they stay non-zero instead of merely being registered.
func (s *Supervisor) refreshMetrics(ctx context.Context) {
	ticker := time.NewTicker(metrics.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var received, dropped int64
			var avgRSSI float64
			if s.ing != nil {
				st := s.ing.Stats()
				received, dropped, avgRSSI = st.PacketsReceived, st.PacketsDropped, st.AvgRSSI
			}
			s.met.Refresh(received, dropped, avgRSSI, int(s.reg.Len()), s.nul.Len())
		}
	}
}
