package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"time"
)

// projectConfig holds the top-level contents of setting.json.
type projectConfig struct {
	Log   logConfig `json:"log"`
	Links []*Link   `json:"links"`
}

type logConfig struct {
	Level   string `json:"level"`
	Path    string `json:"path"`
	Version string `json:"version"`
	Date    string `json:"date"`
}

// Link describes one FEC tunnel: a local listener that accepts application
// connections to multiplex, a QUIC-datagram peer address that carries the
// tunnel's frames, and the session/connection tuning parameters (spec 6.2).
type Link struct {
	Name string `json:"name"`

	// Role is "client" (accept local application connections and forward
	// each into a new tunnel stream) or "server" (accept tunnel streams
	// and forward each to Target). The session/connection machinery is
	// symmetric; only this outer forwarding behaviour differs by side.
	Role string `json:"role"`

	// Listen is the client-side application listener address.
	Listen string `json:"listen"`
	// Target is the server-side backend address each inbound tunnel
	// stream is forwarded to.
	Target string `json:"target"`
	// Peer is the remote endpoint's QUIC datagram address.
	Peer string `json:"peer"`

	TargetLoss float64 `json:"target_loss"`
	LatencyMs  uint64  `json:"latency_ms"`
	MTU        int     `json:"mtu"`

	IdleTimeoutMs      uint64 `json:"idle_timeout_ms"`
	MaxRetransPerSeqno int    `json:"max_retrans_per_seqno"`

	// InsecureSkipVerify governs the TLS layer quic-go requires for its
	// datagram transport; only meaningful between trusted, pre-shared
	// tunnel endpoints.
	InsecureSkipVerify bool `json:"insecure_skip_verify"`
}

// Latency returns the configured per-batch FEC latency budget, defaulting
// when unset (spec 6.2).
func (l *Link) Latency() time.Duration {
	if l.LatencyMs == 0 {
		return 10 * time.Millisecond
	}
	return time.Duration(l.LatencyMs) * time.Millisecond
}

// IdleTimeout returns the configured connection idle timeout, defaulting
// when unset (spec 4.7).
func (l *Link) IdleTimeout() time.Duration {
	if l.IdleTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(l.IdleTimeoutMs) * time.Millisecond
}

// GlobalCfg is the process-wide effective configuration.
var GlobalCfg *projectConfig

func init() {
	// Supports overriding the config file path via environment variable.
	path := os.Getenv("FECTUN_CONFIG")
	if path == "" {
		path = "config/setting.json"
	}
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		fmt.Printf("failed to load setting.json: %s\n", err.Error())
	}

	if err := json.Unmarshal(buf, &GlobalCfg); err != nil {
		fmt.Printf("failed to load setting.json: %s\n", err.Error())
	}

	if GlobalCfg == nil {
		GlobalCfg = &projectConfig{}
	}

	if len(GlobalCfg.Links) == 0 {
		fmt.Printf("empty link\n")
	}

	for i, v := range GlobalCfg.Links {
		if err := v.verify(); err != nil {
			fmt.Printf("verify link failed at pos %d : %s\n", i, err.Error())
		}
	}
}

// Reload reads and validates a new configuration from path, replacing
// GlobalCfg wholesale on success.
func Reload(path string) error {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}
	var cfg *projectConfig
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return err
	}
	if len(cfg.Links) == 0 {
		fmt.Printf("empty link\n")
	}
	for i, v := range cfg.Links {
		if err := v.verify(); err != nil {
			fmt.Printf("verify link failed at pos %d : %s\n", i, err.Error())
		}
	}
	GlobalCfg = cfg
	return nil
}

// verify checks a link's required fields and fills in defaults for unset
// MTU and MaxRetransPerSeqno.
func (l *Link) verify() error {
	if l.Name == "" {
		return fmt.Errorf("empty name")
	}
	if l.Role != "client" && l.Role != "server" {
		return fmt.Errorf("role must be \"client\" or \"server\", got %q", l.Role)
	}
	if l.Role == "client" && l.Listen == "" {
		return fmt.Errorf("invalid listen address")
	}
	if l.Role == "server" && l.Target == "" {
		return fmt.Errorf("invalid target address")
	}
	if l.Peer == "" {
		return fmt.Errorf("invalid peer address")
	}
	if l.TargetLoss < 0 || l.TargetLoss >= 1 {
		return fmt.Errorf("target_loss out of range [0,1): %v", l.TargetLoss)
	}
	if l.MTU == 0 {
		l.MTU = 1200
	}
	if l.MaxRetransPerSeqno == 0 {
		l.MaxRetransPerSeqno = 30
	}
	return nil
}
