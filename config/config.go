package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"ptd_relay/constants"
	"ptd_relay/logging"
	"ptd_relay/process"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the configuration of the machine that runs PTDaemon
type ServerConfig struct {
	NtpCommand       string                 `yaml:"ntpStartCommand"`
	PtdPath          string                 `yaml:"ptdPath"`
	PtdFlags         map[string]interface{} `yaml:"ptdFlags"`
	SerialNumber     string                 `yaml:"serialNumber"`
	PtdAddress       string                 `yaml:"ptdAddress"`
	StagingDir       string                 `yaml:"stagingDir"`
	RangingScript    string                 `yaml:"rangingScript"`
	CalibrationFile  string                 `yaml:"calibrationFile"`
	CorrectionFactor float32                `yaml:"correctionFactor"`
	SettleDelay      time.Duration          `yaml:"settleDelay"`
	ConnectAttempts  int                    `yaml:"connectAttempts"`
	ChunkSize        int                    `yaml:"chunkSize"` // KB
	Log              logging.Config         `yaml:"log"`
}

// Workload is a named command run by the client while the meter logs
type Workload struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
}

// Workloads keeps document order. Accepts a name to command mapping or a list of {name, command}.
type Workloads []Workload

// ClientConfig is the configuration of the load generator
type ClientConfig struct {
	NtpCommands    []string       `yaml:"ntpStartCommand"`
	Workloads      Workloads      `yaml:"testCommands"`
	ParserCommands []string       `yaml:"parserCommand"`
	LogFile        string         `yaml:"logFile"`
	OutputDir      string         `yaml:"outputDir"`
	InitMaxAmps    float32        `yaml:"initMaxAmps"`
	InitMaxVolts   float32        `yaml:"initMaxVolts"`
	Dscp           int            `yaml:"dscp"`
	ChunkSize      int            `yaml:"chunkSize"` // KB
	WorkloadPause  time.Duration  `yaml:"workloadPause"`
	Log            logging.Config `yaml:"log"`
}

// DefaultServerConfig returns server defaults
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		StagingDir:       constants.DEFAULT_STAGING_DIR,
		CalibrationFile:  constants.CALIBRATION_FILE,
		CorrectionFactor: 1,
		SettleDelay:      constants.PTD_SETTLE_DELAY_MS * time.Millisecond,
		ConnectAttempts:  constants.PTD_CONNECT_ATTEMPTS,
		ChunkSize:        constants.DEFAULT_FILE_CHUNK_SIZE,
		Log:              logging.Config{Level: "info", Encoding: "console"},
	}
}

// DefaultClientConfig returns client defaults
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		LogFile:       constants.DEFAULT_LOG_FILE,
		OutputDir:     ".",
		Dscp:          constants.DEFAULT_DSCP,
		ChunkSize:     constants.DEFAULT_FILE_CHUNK_SIZE,
		WorkloadPause: constants.WORKLOAD_PAUSE_MS * time.Millisecond,
		Log:           logging.Config{Level: "info", Encoding: "console"},
	}
}

// LoadServerConfig reads YAML or JSON server configuration over defaults
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadClientConfig reads YAML or JSON client configuration over defaults
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func load(path string, dst interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// Validate checks required server settings
func (c *ServerConfig) Validate() error {
	if c.PtdPath == "" {
		return errors.New("ptdPath is required")
	}
	if c.LogFile() == "" {
		return errors.New("ptdFlags.logfile should not be empty")
	}
	if c.CorrectionFactor <= 0 {
		return fmt.Errorf("correctionFactor must be positive, got %v", c.CorrectionFactor)
	}
	if c.ConnectAttempts <= 0 {
		return fmt.Errorf("connectAttempts must be positive, got %d", c.ConnectAttempts)
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("settleDelay must not be negative, got %v", c.SettleDelay)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunkSize must be positive, got %d", c.ChunkSize)
	}
	if _, err := NewFlagTable().Args(c.PtdFlags); err != nil {
		return err
	}
	if port, ok := c.PtdFlags[PortOption]; ok && c.PtdAddress != "" {
		_, addrPort, err := net.SplitHostPort(c.PtdAddress)
		if err != nil {
			return fmt.Errorf("ptdAddress: %w", err)
		}
		if addrPort != fmt.Sprint(port) {
			return fmt.Errorf("ptdAddress %s does not match ptdFlags.port %v", c.PtdAddress, port)
		}
	}
	return nil
}

// DaemonAddress returns where PTDaemon listens. Without ptdAddress the loopback
// address is built from ptdFlags.port.
func (c *ServerConfig) DaemonAddress() string {
	if c.PtdAddress != "" {
		return c.PtdAddress
	}
	if port, ok := c.PtdFlags[PortOption]; ok {
		return net.JoinHostPort("127.0.0.1", fmt.Sprint(port))
	}
	return constants.DEFAULT_PTD_ADDRESS
}

// LogFile returns the path PTDaemon writes samples to
func (c *ServerConfig) LogFile() string {
	text, _ := c.PtdFlags[LogFileOption].(string)
	return text
}

// PtdCommand assembles PTDaemon command line from path, flags and serial number
func (c *ServerConfig) PtdCommand(table *FlagTable) (string, error) {
	args, err := table.Args(c.PtdFlags)
	if err != nil {
		return "", err
	}
	parts := []string{process.Quote(c.PtdPath)}
	for _, arg := range args {
		parts = append(parts, process.Quote(arg))
	}
	if c.SerialNumber != "" {
		parts = append(parts, process.Quote(c.SerialNumber))
	}
	return strings.Join(parts, " "), nil
}

// Validate checks required client settings
func (c *ClientConfig) Validate() error {
	if len(c.Workloads) == 0 {
		return errors.New("testCommands must name at least one workload")
	}
	seen := make(map[string]bool, len(c.Workloads))
	for _, w := range c.Workloads {
		if w.Name == "" || w.Command == "" {
			return fmt.Errorf("workload %q needs both a name and a command", w.Name)
		}
		if len(w.Name) >= constants.FILE_NAME_LEN {
			return fmt.Errorf("workload name %q longer than %d bytes", w.Name, constants.FILE_NAME_LEN-1)
		}
		if strings.ContainsAny(w.Name, `/\`) || w.Name == "." || w.Name == ".." {
			return fmt.Errorf("workload name %q must not be a path", w.Name)
		}
		if seen[w.Name] {
			return fmt.Errorf("duplicate workload %q", w.Name)
		}
		seen[w.Name] = true
	}
	if c.LogFile == "" {
		return errors.New("logFile is required")
	}
	if c.InitMaxAmps < 0 || c.InitMaxVolts < 0 {
		return errors.New("initMaxAmps and initMaxVolts must not be negative")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunkSize must be positive, got %d", c.ChunkSize)
	}
	return nil
}

// UnmarshalYAML accepts both mapping and sequence forms of testCommands
func (w *Workloads) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		list := make(Workloads, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			var name, command string
			if err := node.Content[i].Decode(&name); err != nil {
				return err
			}
			if err := node.Content[i+1].Decode(&command); err != nil {
				return fmt.Errorf("workload %q: %w", name, err)
			}
			list = append(list, Workload{Name: name, Command: command})
		}
		*w = list
	case yaml.SequenceNode:
		var list []Workload
		if err := node.Decode(&list); err != nil {
			return err
		}
		*w = list
	default:
		return fmt.Errorf("line %d: testCommands must be a mapping or a list", node.Line)
	}
	return nil
}
