package lora

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/edgechain/proofserver/internal/hashing"
)

// MinFrameLen is the minimum wire frame length in bytes (spec.md §4.5/§6):
// 32 (commitment) + 16 (4 × f32 sensor fields) + 64 (signature) + 4 (timestamp).
const MinFrameLen = 32 + 16 + 64 + 4

// ErrFrameTooShort is returned by ParseFrame for any frame under MinFrameLen.
var ErrFrameTooShort = errors.New("lora: frame too short")

// Packet is the parsed wire frame (spec.md §6 offsets, little-endian):
//
//	0   32  commitment
//	32  4   temperature_c     f32 LE
//	36  4   humidity_pct      f32 LE
//	40  4   pressure_hpa      f32 LE
//	44  4   soil_moisture_pct f32 LE
//	48  64  signature (r||s, P-256)
//	112 4   timestamp_s       u32 LE
type Packet struct {
	Commitment       hashing.Hash
	TemperatureC     float32
	HumidityPct      float32
	PressureHpa      float32
	SoilMoisturePct  float32
	Signature        [64]byte
	TimestampS       uint32
	SrcAddr          int
	RSSI             int
	SNR              int
}

// ParseFrame decodes raw into a Packet. Any frame shorter than
// MinFrameLen is rejected outright (spec.md §4.5: "Any shorter frame is
// dropped"); longer frames are accepted and only the first MinFrameLen
// bytes are interpreted, matching firmware that may pad frames.
func ParseFrame(raw []byte) (Packet, error) {
	if len(raw) < MinFrameLen {
		return Packet{}, fmt.Errorf("%w: got %d bytes, need %d", ErrFrameTooShort, len(raw), MinFrameLen)
	}

	var p Packet
	copy(p.Commitment[:], raw[0:32])
	p.TemperatureC = math.Float32frombits(binary.LittleEndian.Uint32(raw[32:36]))
	p.HumidityPct = math.Float32frombits(binary.LittleEndian.Uint32(raw[36:40]))
	p.PressureHpa = math.Float32frombits(binary.LittleEndian.Uint32(raw[40:44]))
	p.SoilMoisturePct = math.Float32frombits(binary.LittleEndian.Uint32(raw[44:48]))
	copy(p.Signature[:], raw[48:112])
	p.TimestampS = binary.LittleEndian.Uint32(raw[112:116])

	return p, nil
}

// SensorBytes returns the sensor payload exactly as it appears on the
// wire (offsets 32..48), the input to hashing.Data for the packet's
// data_hash (spec.md §3/§4.6).
func (p Packet) SensorBytes() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(p.TemperatureC))
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(p.HumidityPct))
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(p.PressureHpa))
	binary.LittleEndian.PutUint32(buf[12:16], math.Float32bits(p.SoilMoisturePct))
	return buf
}

// DataHash is H_DATA(sensor_bytes), per spec.md §3.
func (p Packet) DataHash() hashing.Hash {
	return hashing.Data(p.SensorBytes())
}
