// Package config loads the router's YAML configuration and overlays it
// with WEBX_ROUTER_* environment variables. spec.md §1 names file
// loading and environment overlay as an external collaborator concern —
// this package exists because the daemon still needs a typed Config to
// construct, not because the distilled spec describes its internals.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Ports holds the four external socket ports (spec §6).
type Ports struct {
	Connector  int `yaml:"connector"`
	Instructor int `yaml:"instructor"` // instruction SUB (relay -> router)
	Collector  int `yaml:"collector"`  // message PUB (router -> relay)
	Session    int `yaml:"session"`    // CURVE REP
}

// IPC holds the local IPC socket paths (spec §6).
type IPC struct {
	MessageProxy     string `yaml:"messageProxy"`     // local SUB, all engines publish here
	InstructionProxy string `yaml:"instructionProxy"` // local PUB, engines subscribe here
	ConnectorRoot    string `yaml:"connectorRoot"`    // per-engine REQ socket path prefix
	ListSocket       string `yaml:"listSocket"`       // local-only REP for admin `list`
}

// Display holds Display Supervisor settings (spec §4.C).
type Display struct {
	XServerBinary    string        `yaml:"xServerBinary"`
	XConfigPath      string        `yaml:"xConfigPath"`
	SessionsDir      string        `yaml:"sessionsDir"`
	Offset           int           `yaml:"offset"`
	RunAsRoot        bool          `yaml:"runAsRoot"`
	WindowManagerBin string        `yaml:"windowManagerBin"`
	LogDir           string        `yaml:"logDir"`
	ReadyTimeout     time.Duration `yaml:"readyTimeout"`
	StabilizeWindow  time.Duration `yaml:"stabilizeWindow"`
}

// Engine holds Engine Supervisor settings (spec §4.D).
type Engine struct {
	Binary        string        `yaml:"binary"`
	LogDir        string        `yaml:"logDir"`
	PingRetries   int           `yaml:"pingRetries"`
	PingTimeout   time.Duration `yaml:"pingTimeout"`
	PingBackoff   time.Duration `yaml:"pingBackoff"`
	MaxExtraFlags int           `yaml:"maxExtraFlags"`
	MaxFlagLen    int           `yaml:"maxFlagLen"`
}

// PAM holds PAM Authenticator settings (spec §4.B).
type PAM struct {
	ServiceName string `yaml:"serviceName"`
}

// Logging holds the logging sink configuration.
type Logging struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// Metrics configures the loopback-only Prometheus endpoint.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Config is the root configuration document.
type Config struct {
	Ports            Ports         `yaml:"ports"`
	IPC              IPC           `yaml:"ipc"`
	Display          Display       `yaml:"display"`
	Engine           Engine        `yaml:"engine"`
	PAM              PAM           `yaml:"pam"`
	Logging          Logging       `yaml:"logging"`
	Metrics          Metrics       `yaml:"metrics"`
	ShutdownDrain    time.Duration `yaml:"shutdownDrain"`
	ReconcileEvery   time.Duration `yaml:"reconcileEvery"`
	StatusGracePd    time.Duration `yaml:"statusGracePeriod"`
	KeyPairPath      string        `yaml:"keyPairPath"`
	CLISecretPath    string        `yaml:"cliSecretPath"`
	LocalAuthEnabled bool          `yaml:"localAuthEnabled"`
}

// LocalCredentialRelPath returns CLISecretPath with any leading "~/"
// stripped, for joining against a resolved user's home directory (spec
// §4.K: the router serves many local users, so this path is resolved
// per-user, never against one fixed home).
func (c *Config) LocalCredentialRelPath() string {
	return strings.TrimPrefix(c.CLISecretPath, "~/")
}

// Default returns the built-in defaults, matching spec §6's default ports.
func Default() *Config {
	return &Config{
		Ports: Ports{Connector: 5555, Instructor: 5556, Collector: 5557, Session: 5558},
		IPC: IPC{
			MessageProxy:     "ipc:///run/webx/message-proxy.ipc",
			InstructionProxy: "ipc:///run/webx/instruction-proxy.ipc",
			ConnectorRoot:    "/run/webx/engine-connector",
			ListSocket:       "ipc:///run/webx/list.ipc",
		},
		Display: Display{
			XServerBinary:    "/usr/bin/Xorg",
			XConfigPath:      "/etc/webx/xorg.conf",
			SessionsDir:      "/run/webx/sessions",
			Offset:           10,
			WindowManagerBin: "/usr/bin/webx-session",
			LogDir:           "/var/log/webx/sessions",
			ReadyTimeout:     5 * time.Second,
			StabilizeWindow:  750 * time.Millisecond,
		},
		Engine: Engine{
			Binary:        "/usr/bin/webx-engine",
			LogDir:        "/var/log/webx/engines",
			PingRetries:   3,
			PingTimeout:   2 * time.Second,
			PingBackoff:   250 * time.Millisecond,
			MaxExtraFlags: 16,
			MaxFlagLen:    256,
		},
		PAM:            PAM{ServiceName: "webx-router"},
		Logging:        Logging{Level: "info", Dir: "/var/log/webx/router"},
		Metrics:        Metrics{Enabled: false, Addr: "127.0.0.1:9325"},
		ShutdownDrain:  5 * time.Second,
		ReconcileEvery: 2 * time.Second,
		StatusGracePd:  30 * time.Second,
		KeyPairPath:    "/etc/webx/router.key",
		CLISecretPath:  "~/.webx/cli.secret",
	}
}

// Load reads path (if non-empty) over the defaults, then applies the
// WEBX_ROUTER_* environment overlay.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	overlayEnv(cfg)
	return cfg, nil
}

// overlayEnv applies WEBX_ROUTER_<FIELD> environment variables onto the
// handful of fields most commonly overridden in deployment (session and
// connector ports, log level, PAM service name, display run-as-root
// flag). A full reflective overlay is not worth the complexity for a
// config this small.
func overlayEnv(cfg *Config) {
	if v := os.Getenv("WEBX_ROUTER_PORTS_SESSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ports.Session = n
		}
	}
	if v := os.Getenv("WEBX_ROUTER_PORTS_CONNECTOR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ports.Connector = n
		}
	}
	if v := os.Getenv("WEBX_ROUTER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("WEBX_ROUTER_PAM_SERVICE"); v != "" {
		cfg.PAM.ServiceName = v
	}
	if v := os.Getenv("WEBX_ROUTER_DISPLAY_RUN_AS_ROOT"); v != "" {
		cfg.Display.RunAsRoot = v == "1" || strings.EqualFold(v, "true")
	}
}
