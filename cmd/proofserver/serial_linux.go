//go:build linux

package main

import "github.com/edgechain/proofserver/internal/lora"

func openSerial(port string, baud int) (lora.Transport, error) {
	return lora.OpenSerial(port, baud)
}
