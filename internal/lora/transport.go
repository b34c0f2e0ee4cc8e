package lora

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"
)

// Transport is the byte-level dialect channel Ingress drives: a
// line-oriented, AT-command-over-serial duplex. Both the real serial
// transport and the simulated-file transport implement this, so the
// state machine and frame parsing above are byte-identical downstream
// of either (spec.md §4.5 test-hook requirement).
type Transport interface {
	// WriteCommand writes one AT command line (without the trailing
	// "\r\n", which WriteCommand appends).
	WriteCommand(cmd string) error
	// ReadLine blocks for the next line (without its "\r\n" terminator),
	// or returns ctx.Err() if ctx is done first.
	ReadLine(ctx context.Context) (string, error)
	Close() error
}

// CmdTimeoutMs is the default deadline for a configuration command's
// +OK/+ERR response (spec.md §4.5).
const CmdTimeoutMs = 2000

// bwCode maps a configured bandwidth in kHz to the transceiver's AT
// dialect code (spec.md §6).
func bwCode(bwKhz int) (int, error) {
	switch bwKhz {
	case 125:
		return 7, nil
	case 250:
		return 8, nil
	case 500:
		return 9, nil
	default:
		return 0, fmt.Errorf("lora: unsupported bw_khz %d (want 125, 250, or 500)", bwKhz)
	}
}

// RadioConfig is the configuration command batch issued on
// Opening → Configuring (spec.md §4.5/§6).
type RadioConfig struct {
	NetworkID  int
	Address    int
	FreqHz     int
	SF         int
	BWKhz      int
	TXPowerDbm int
}

// commands returns the ordered AT command batch for cfg.
func (cfg RadioConfig) commands() ([]string, error) {
	bw, err := bwCode(cfg.BWKhz)
	if err != nil {
		return nil, err
	}
	return []string{
		fmt.Sprintf("AT+NETWORKID=%d", cfg.NetworkID),
		fmt.Sprintf("AT+ADDRESS=%d", cfg.Address),
		fmt.Sprintf("AT+BAND=%d", cfg.FreqHz),
		fmt.Sprintf("AT+PARAMETER=%d,%d,1,12", cfg.SF, bw),
		fmt.Sprintf("AT+CRFOP=%d", cfg.TXPowerDbm),
	}, nil
}

// sendCommand writes cmd and waits for a synchronous +OK/+ERR response,
// per spec.md §4.5 ("Each command MUST receive a +OK response within
// CMD_TIMEOUT_MS; +ERR or timeout causes Configuring → Closed").
func sendCommand(ctx context.Context, t Transport, cmd string, timeout time.Duration) error {
	if err := t.WriteCommand(cmd); err != nil {
		return fmt.Errorf("lora: write %q: %w", cmd, err)
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	line, err := t.ReadLine(cctx)
	if err != nil {
		return fmt.Errorf("lora: no response to %q within %s: %w", cmd, timeout, err)
	}
	line = strings.TrimSpace(line)
	if line == "+ERR" || strings.HasPrefix(line, "+ERR=") {
		return fmt.Errorf("lora: %q rejected: %s", cmd, line)
	}
	if line != "+OK" {
		return fmt.Errorf("lora: %q: unexpected response %q", cmd, line)
	}
	return nil
}

// newLineScanner wraps r with a \n-delimited bufio.Scanner and strips any
// trailing \r, matching the transceiver's "\r\n"-terminated lines.
func newLineScanner(r *bufio.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	return sc
}

func trimCR(s string) string {
	return strings.TrimSuffix(s, "\r")
}
