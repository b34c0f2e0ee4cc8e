package lora

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// rssiAlpha is the EWMA smoothing factor for the average RSSI (spec.md §4.5).
const rssiAlpha = 0.1

// DefaultQueueDepth bounds the Ingress→Verifier channel; once full, the
// oldest queued packet is dropped to make room (spec.md §4.5/§5:
// "backpressure is drop oldest above a bounded queue").
const DefaultQueueDepth = 256

// Event is one parsed, RSSI-annotated inbound packet.
type Event struct {
	Packet Packet
	RSSI   int
	SNR    int
}

// Stats are the ingress's observable counters (spec.md §4.8 /status).
type Stats struct {
	PacketsReceived int64
	PacketsDropped  int64
	AvgRSSI         float64
}

// Ingress owns one serial port exclusively (spec.md §5) and drives it
// through the Closed→Opening→Configuring→Ready→Draining→Closed lifecycle,
// publishing parsed packets to a single bounded, single-consumer channel.
type Ingress struct {
	transport Transport
	cfg       RadioConfig
	log       *logrus.Entry

	mu    sync.Mutex
	state State

	events chan Event

	received atomic.Int64
	dropped  atomic.Int64

	rssiMu  sync.Mutex
	avgRSSI float64
	rssiSet bool
}

// New creates an Ingress bound to transport, not yet opened.
func New(transport Transport, cfg RadioConfig, log *logrus.Entry) *Ingress {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Ingress{
		transport: transport,
		cfg:       cfg,
		log:       log.WithField("component", "lora"),
		state:     StateClosed,
		events:    make(chan Event, DefaultQueueDepth),
	}
}

// State returns the current lifecycle state.
func (ig *Ingress) State() State {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	return ig.state
}

func (ig *Ingress) setState(s State) {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	if !ig.state.canTransitionTo(s) {
		ig.log.Panicf("invalid lora state transition %s -> %s", ig.state, s)
	}
	ig.log.Infof("lora state %s -> %s", ig.state, s)
	ig.state = s
}

// Events returns the channel packets are published on.
func (ig *Ingress) Events() <-chan Event {
	return ig.events
}

// Stats returns a snapshot of the ingress's counters.
func (ig *Ingress) Stats() Stats {
	ig.rssiMu.Lock()
	avg := ig.avgRSSI
	ig.rssiMu.Unlock()
	return Stats{
		PacketsReceived: ig.received.Load(),
		PacketsDropped:  ig.dropped.Load(),
		AvgRSSI:         avg,
	}
}

// Run drives the Ingress lifecycle until ctx is cancelled: Opening →
// Configuring → Ready, then parses inbound lines until told to stop, at
// which point it transitions Ready → Draining → Closed.
func (ig *Ingress) Run(ctx context.Context) error {
	ig.setState(StateOpening)
	ig.setState(StateConfiguring)

	if err := ig.configure(ctx); err != nil {
		ig.setState(StateClosed)
		return err
	}

	ig.setState(StateReady)
	ig.readLoop(ctx)

	ig.setState(StateDraining)
	ig.setState(StateClosed)
	return ig.transport.Close()
}

func (ig *Ingress) configure(ctx context.Context) error {
	cmds, err := ig.cfg.commands()
	if err != nil {
		return err
	}
	for _, cmd := range cmds {
		if err := sendCommand(ctx, ig.transport, cmd, CmdTimeoutMs*time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

func (ig *Ingress) readLoop(ctx context.Context) {
	for {
		line, err := ig.transport.ReadLine(ctx)
		if err != nil {
			return // ctx cancelled, or the transport is exhausted/closed
		}
		ig.handleLine(line)
	}
}

func (ig *Ingress) handleLine(line string) {
	if len(line) == 0 || line[0] != '+' {
		return
	}
	rl, err := parseRCVLine(line)
	if err != nil {
		ig.dropped.Add(1)
		ig.log.WithError(err).Debug("dropping malformed lora line")
		return
	}

	pkt, err := ParseFrame(rl.raw)
	if err != nil {
		ig.dropped.Add(1)
		ig.log.WithError(err).Debug("dropping undersized lora frame")
		return
	}
	pkt.SrcAddr = rl.addr
	pkt.RSSI = rl.rssi
	pkt.SNR = rl.snr

	ig.received.Add(1)
	ig.updateAvgRSSI(rl.rssi)
	ig.publish(Event{Packet: pkt, RSSI: rl.rssi, SNR: rl.snr})
}

func (ig *Ingress) updateAvgRSSI(rssi int) {
	ig.rssiMu.Lock()
	defer ig.rssiMu.Unlock()
	if !ig.rssiSet {
		ig.avgRSSI = float64(rssi)
		ig.rssiSet = true
		return
	}
	ig.avgRSSI = rssiAlpha*float64(rssi) + (1-rssiAlpha)*ig.avgRSSI
}

// publish enqueues evt, dropping the oldest queued event first if the
// channel is full (spec.md §4.5/§5 drop-oldest backpressure).
func (ig *Ingress) publish(evt Event) {
	select {
	case ig.events <- evt:
		return
	default:
	}

	select {
	case <-ig.events:
		ig.dropped.Add(1)
	default:
	}
	select {
	case ig.events <- evt:
	default:
		// lost the race against another publisher; drop evt itself
		ig.dropped.Add(1)
	}
}
