package lora

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
)

// SimTransport is the test-hook transport required by spec.md §4.5: it
// replays a file of "+RCV=" lines (one per line) and answers every
// configuration command with a canned "+OK", so the production and
// simulated code paths are byte-identical downstream of Transport.
type SimTransport struct {
	mu       sync.Mutex
	scanner  *bufio.Scanner
	file     *os.File
	commands []string // every command written, for assertions in tests
	pending  []string // canned responses queued by WriteCommand, FIFO
}

// NewSimTransport opens path and prepares to replay its lines.
func NewSimTransport(path string) (*SimTransport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("lora: open sim transport file %s: %w", path, err)
	}
	return &SimTransport{
		scanner: newLineScanner(bufio.NewReader(f)),
		file:    f,
	}, nil
}

// WriteCommand records cmd and queues a canned "+OK" response, so the
// simulated dialect always acknowledges configuration (real ACKs are not
// modeled in the replay file, which captures production +RCV= traffic
// only).
func (s *SimTransport) WriteCommand(cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
	s.pending = append(s.pending, "+OK")
	return nil
}

// Commands returns every command WriteCommand has recorded, in order.
func (s *SimTransport) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// ReadLine returns the next replayed line, or io.EOF once the file is
// exhausted. ctx cancellation is honored only on entry, since file reads
// here are never actually blocking.
func (s *SimTransport) ReadLine(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) > 0 {
		line := s.pending[0]
		s.pending = s.pending[1:]
		return line, nil
	}

	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return trimCR(s.scanner.Text()), nil
}

func (s *SimTransport) Close() error {
	return s.file.Close()
}
