// Package config loads the proof server's configuration: a JSON document
// on disk, overridden by environment variables (env wins), per spec.md
// §6. The JSON shape here is normative — it is the spec's own wire
// format, not a stdlib default of convenience (see DESIGN.md).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/edgechain/proofserver/internal/clock"
)

// AdminMode selects how admin-gated endpoints authenticate callers.
type AdminMode string

const (
	AdminModeLoopback     AdminMode = "loopback"
	AdminModeSharedSecret AdminMode = "shared_secret"
	AdminModeDemo         AdminMode = "demo"
)

// EnrollPolicy selects the Packet Verifier's commitment-admission policy
// (spec.md §4.6).
type EnrollPolicy string

const (
	PolicyStrict     EnrollPolicy = "strict"
	PolicyAutoEnroll EnrollPolicy = "auto-enroll"
)

// Config is the fully-resolved configuration, after JSON load and env
// overrides. Field names mirror the dotted keys in spec.md §6 via the
// json tags used during file loading (see Load).
type Config struct {
	Server struct {
		Port int    `json:"port"`
		Bind string `json:"bind"`
	} `json:"server"`

	CORS struct {
		AllowOrigins []string `json:"allow_origins"`
	} `json:"cors"`

	Admin struct {
		Mode   AdminMode `json:"mode"`
		Secret string    `json:"secret"`
	} `json:"admin"`

	LoRa struct {
		Port       string `json:"port"`
		Baud       int    `json:"baud"`
		NetworkID  int    `json:"network_id"`
		Address    int    `json:"address"`
		FreqHz     int    `json:"freq_hz"`
		SF         int    `json:"sf"`
		BWKhz      int    `json:"bw_khz"`
		TXPowerDbm int    `json:"tx_power_dbm"`
	} `json:"lora"`

	Epoch struct {
		LenS    int64 `json:"len_s"`
		MaxLag  int64 `json:"max_lag"`
		MaxLead int64 `json:"max_lead"`
	} `json:"epoch"`

	Packet struct {
		SkewS int64 `json:"skew_s"`
	} `json:"packet"`

	Merkle struct {
		Depth        int    `json:"depth"`
		SnapshotPath string `json:"snapshot_path"`
	} `json:"merkle"`

	Nullifier struct {
		StorePath       string `json:"store_path"`
		RetentionEpochs int64  `json:"retention_epochs"`
	} `json:"nullifier"`

	Verifier struct {
		Policy EnrollPolicy `json:"policy"`
	} `json:"verifier"`

	AutoEnroll struct {
		PerSrcPerMin int `json:"per_src_per_min"`
	} `json:"auto_enroll"`

	Prover struct {
		URL         string `json:"url"`
		TimeoutMs   int    `json:"timeout_ms"`
		MaxAttempts int    `json:"max_attempts"`
		Mock        bool   `json:"mock"`
	} `json:"prover"`

	DemoMode bool `json:"demo_mode"`
}

// Default returns a Config populated with the defaults from spec.md §6.
func Default() *Config {
	var c Config
	c.Server.Port = 3002
	c.Server.Bind = "0.0.0.0"
	c.CORS.AllowOrigins = nil
	c.Admin.Mode = AdminModeLoopback
	c.LoRa.Port = "/dev/ttyUSB0"
	c.LoRa.Baud = 115200
	c.LoRa.NetworkID = 18
	c.LoRa.Address = 1
	c.LoRa.FreqHz = 915000000
	c.LoRa.SF = 9
	c.LoRa.BWKhz = 125
	c.LoRa.TXPowerDbm = 14
	c.Epoch.LenS = clock.DefaultEpochLenSeconds
	c.Epoch.MaxLag = 1
	c.Epoch.MaxLead = 0
	c.Packet.SkewS = 300
	c.Merkle.Depth = 20
	c.Merkle.SnapshotPath = "./data/merkle.json"
	c.Nullifier.StorePath = "./data/nullifiers.log"
	c.Nullifier.RetentionEpochs = 30
	c.Verifier.Policy = PolicyStrict
	c.AutoEnroll.PerSrcPerMin = 5
	c.Prover.TimeoutMs = 30000
	c.Prover.MaxAttempts = 3
	c.Prover.Mock = false
	c.DemoMode = false
	return &c
}

// Load builds a Config by starting from Default(), applying the JSON file
// at path (if it exists), and then applying environment variable
// overrides (env always wins, per spec.md §6). It returns a non-nil error
// for any condition spec.md §7 classifies as a startup-fatal Config error
// (exit code 3 at the call site).
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, c); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// absent config file is fine; defaults + env apply
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(c); err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects configurations spec.md marks as invalid at startup
// (exit code 3). Non-goal features are not validated here; only the
// invariants spec.md actually states.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port out of range: %d", c.Server.Port)
	}
	if c.Epoch.LenS <= 0 {
		return fmt.Errorf("config: epoch.len_s must be positive")
	}
	if c.Merkle.Depth <= 0 || c.Merkle.Depth > 62 {
		return fmt.Errorf("config: merkle.depth out of range: %d", c.Merkle.Depth)
	}
	switch c.Admin.Mode {
	case AdminModeLoopback, AdminModeSharedSecret, AdminModeDemo:
	default:
		return fmt.Errorf("config: unknown admin.mode %q", c.Admin.Mode)
	}
	if c.Admin.Mode == AdminModeSharedSecret && c.Admin.Secret == "" {
		return fmt.Errorf("config: admin.mode=shared_secret requires admin.secret")
	}
	switch c.Verifier.Policy {
	case PolicyStrict, PolicyAutoEnroll:
	default:
		return fmt.Errorf("config: unknown verifier.policy %q", c.Verifier.Policy)
	}
	if c.LoRa.Port != "" {
		switch c.LoRa.BWKhz {
		case 125, 250, 500:
		default:
			return fmt.Errorf("config: lora.bw_khz must be 125, 250, or 500, got %d", c.LoRa.BWKhz)
		}
	}
	if c.Prover.Mock && !c.DemoMode {
		return fmt.Errorf("config: prover.mock=true requires demo_mode=true (spec.md §4.7: production MUST refuse to start with mock proofs outside demo mode)")
	}
	return nil
}

// envOverride is one (env var name, setter) pair.
type envOverride struct {
	key string
	set func(c *Config, v string) error
}

// applyEnvOverrides walks the fixed table of recognized environment
// variables (spec.md §6) and applies any that are set.
func applyEnvOverrides(c *Config) error {
	for _, o := range envTable {
		if v, ok := os.LookupEnv(o.key); ok {
			// A malformed int/bool is returned as an error rather than
			// silently ignored; values that parse but are out of range are
			// caught afterwards by Validate().
			if err := o.set(c, v); err != nil {
				return fmt.Errorf("config: %s: %w", o.key, err)
			}
		}
	}
	return nil
}

var envTable = []envOverride{
	{"EDGECHAIN_SERVER_PORT", func(c *Config, v string) error { return setInt(&c.Server.Port, v) }},
	{"EDGECHAIN_SERVER_BIND", func(c *Config, v string) error { c.Server.Bind = v; return nil }},
	{"EDGECHAIN_CORS_ALLOW_ORIGINS", func(c *Config, v string) error {
		c.CORS.AllowOrigins = splitCSV(v)
		return nil
	}},
	{"EDGECHAIN_ADMIN_MODE", func(c *Config, v string) error { c.Admin.Mode = AdminMode(v); return nil }},
	{"EDGECHAIN_ADMIN_SECRET", func(c *Config, v string) error { c.Admin.Secret = v; return nil }},
	{"EDGECHAIN_LORA_PORT", func(c *Config, v string) error { c.LoRa.Port = v; return nil }},
	{"EDGECHAIN_LORA_BAUD", func(c *Config, v string) error { return setInt(&c.LoRa.Baud, v) }},
	{"EDGECHAIN_EPOCH_LEN_S", func(c *Config, v string) error { return setInt64(&c.Epoch.LenS, v) }},
	{"EDGECHAIN_EPOCH_MAX_LAG", func(c *Config, v string) error { return setInt64(&c.Epoch.MaxLag, v) }},
	{"EDGECHAIN_EPOCH_MAX_LEAD", func(c *Config, v string) error { return setInt64(&c.Epoch.MaxLead, v) }},
	{"EDGECHAIN_PACKET_SKEW_S", func(c *Config, v string) error { return setInt64(&c.Packet.SkewS, v) }},
	{"EDGECHAIN_MERKLE_DEPTH", func(c *Config, v string) error { return setInt(&c.Merkle.Depth, v) }},
	{"EDGECHAIN_MERKLE_SNAPSHOT_PATH", func(c *Config, v string) error { c.Merkle.SnapshotPath = v; return nil }},
	{"EDGECHAIN_NULLIFIER_STORE_PATH", func(c *Config, v string) error { c.Nullifier.StorePath = v; return nil }},
	{"EDGECHAIN_NULLIFIER_RETENTION_EPOCHS", func(c *Config, v string) error { return setInt64(&c.Nullifier.RetentionEpochs, v) }},
	{"EDGECHAIN_VERIFIER_POLICY", func(c *Config, v string) error { c.Verifier.Policy = EnrollPolicy(v); return nil }},
	{"EDGECHAIN_AUTO_ENROLL_PER_SRC_PER_MIN", func(c *Config, v string) error { return setInt(&c.AutoEnroll.PerSrcPerMin, v) }},
	{"EDGECHAIN_PROVER_URL", func(c *Config, v string) error { c.Prover.URL = v; return nil }},
	{"EDGECHAIN_PROVER_TIMEOUT_MS", func(c *Config, v string) error { return setInt(&c.Prover.TimeoutMs, v) }},
	{"EDGECHAIN_PROVER_MAX_ATTEMPTS", func(c *Config, v string) error { return setInt(&c.Prover.MaxAttempts, v) }},
	{"EDGECHAIN_PROVER_MOCK", func(c *Config, v string) error { return setBool(&c.Prover.Mock, v) }},
	{"EDGECHAIN_DEMO_MODE", func(c *Config, v string) error { return setBool(&c.DemoMode, v) }},
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, v string) error {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
