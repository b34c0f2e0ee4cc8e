//go:build linux

package lora

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// SerialTransport is the production Transport: a real serial device
// configured via termios (spec.md §4.5, §6 lora.port/lora.baud). Baud
// rate configuration is done directly with golang.org/x/sys/unix termios
// ioctls rather than a higher-level serial library, since none of the
// retrieved example repos pulls one in and x/sys is already part of the
// dependency closure (see DESIGN.md).
type SerialTransport struct {
	f       *os.File
	scanner *bufio.Scanner
}

const (
	ioctlGetTermios = unix.TCGETS
	ioctlSetTermios = unix.TCSETS
)

func setSpeed(t *unix.Termios, rate uint32) {
	t.Cflag &^= unix.CBAUD
	t.Cflag |= rate
	t.Ispeed = rate
	t.Ospeed = rate
}

var baudRates = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
}

// OpenSerial opens path and configures it for 8N1 at baud, with raw
// (non-canonical) input so partial lines are never delivered.
func OpenSerial(path string, baud int) (*SerialTransport, error) {
	rate, ok := baudRates[baud]
	if !ok {
		return nil, fmt.Errorf("lora: unsupported baud rate %d", baud)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("lora: open %s: %w", path, err)
	}

	fd := int(f.Fd())
	t, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("lora: get termios on %s: %w", path, err)
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	setSpeed(t, rate)

	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, t); err != nil {
		f.Close()
		return nil, fmt.Errorf("lora: set termios on %s: %w", path, err)
	}

	return &SerialTransport{f: f, scanner: newLineScanner(bufio.NewReader(f))}, nil
}

func (s *SerialTransport) WriteCommand(cmd string) error {
	_, err := s.f.Write([]byte(cmd + "\r\n"))
	return err
}

// ReadLine blocks on the underlying scanner. Context cancellation closes
// the file descriptor to unblock a pending read, matching the
// "cancelled I/O rolls back and releases the resource" rule in spec.md §5.
func (s *SerialTransport) ReadLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		if !s.scanner.Scan() {
			err := s.scanner.Err()
			if err == nil {
				err = fmt.Errorf("lora: serial port closed")
			}
			ch <- result{err: err}
			return
		}
		ch <- result{line: trimCR(s.scanner.Text())}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.line, r.err
	}
}

func (s *SerialTransport) Close() error {
	return s.f.Close()
}
