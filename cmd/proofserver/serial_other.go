//go:build !linux

package main

import (
	"fmt"

	"github.com/edgechain/proofserver/internal/lora"
)

func openSerial(port string, baud int) (lora.Transport, error) {
	return nil, fmt.Errorf("lora: real serial transport is only supported on linux (requested port %s)", port)
}
