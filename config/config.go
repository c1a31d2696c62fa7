package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EphemeralPortLower = 32768
	EphemeralPortUpper = 60999
	ReservedPortUpper  = 1023
	PreferredMss       = 1024
	StreamBufferSize   = 32768
)

// ArpConfig holds the address resolution settings.
type ArpConfig struct {
	ResolveTimeout time.Duration `yaml:"resolve_timeout"` // how long a blocking resolve waits for a reply
	CacheTTL       time.Duration `yaml:"cache_ttl"`       // 0 means entries never expire
}

// IpConfig holds the IPv4 layer settings.
type IpConfig struct {
	DefaultTTL        uint8         `yaml:"default_ttl"`
	ReassemblyTimeout time.Duration `yaml:"reassembly_timeout"` // 0 keeps incomplete fragment sets until the last fragment arrives
	FragmentOutbound  bool          `yaml:"fragment_outbound"`  // split datagrams larger than the interface MTU
}

// TcpConfig holds the TCP engine settings.
type TcpConfig struct {
	MSS               int           `yaml:"mss"`
	BufferSize        int           `yaml:"buffer_size"`
	ListenerWindow    uint16        `yaml:"listener_window"` // window advertised in SYN|ACK
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	RetransmitTimeout time.Duration `yaml:"retransmit_timeout"`
	TimeWait          time.Duration `yaml:"time_wait"`
	RecvTimeout       time.Duration `yaml:"recv_timeout"` // 0 blocks until data, EOF or cancellation
	ClockTick         time.Duration `yaml:"clock_tick"`
	ClockIncrement    uint32        `yaml:"clock_increment"`
	PortLower         int           `yaml:"port_lower"`
	PortUpper         int           `yaml:"port_upper"`
	RstRateLimit      float64       `yaml:"rst_rate_limit"` // RSTs per second for unknown connections, 0 disables limiting
	RstBurst          int           `yaml:"rst_burst"`
}

// PoolConfig configures the ring pool backing fragment and retransmit buffers.
type PoolConfig struct {
	Size                 int  `yaml:"size"`
	BufferLength         int  `yaml:"buffer_length"`
	Debug                bool `yaml:"debug"`
	ProcessTimeThreshold int  `yaml:"process_time_threshold"` // milliseconds
}

type StackConfig struct {
	LogLevel         string        `yaml:"log_level"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
	TimerInterval    time.Duration `yaml:"timer_interval"`
	OutputQueueLen   int           `yaml:"output_queue_len"`
	Arp              ArpConfig     `yaml:"arp"`
	Ip               IpConfig      `yaml:"ip"`
	Tcp              TcpConfig     `yaml:"tcp"`
	Pool             PoolConfig    `yaml:"pool"`
}

func DefaultArpConfig() ArpConfig {
	return ArpConfig{
		ResolveTimeout: 15 * time.Second,
		CacheTTL:       0,
	}
}

func DefaultIpConfig() IpConfig {
	return IpConfig{
		DefaultTTL:       128,
		FragmentOutbound: true,
	}
}

func DefaultTcpConfig() TcpConfig {
	return TcpConfig{
		MSS:               PreferredMss,
		BufferSize:        StreamBufferSize,
		ListenerWindow:    16384,
		ConnectTimeout:    15 * time.Second,
		RetransmitTimeout: 10 * time.Second,
		TimeWait:          120 * time.Second,
		ClockTick:         500 * time.Millisecond,
		ClockIncrement:    64000,
		PortLower:         EphemeralPortLower,
		PortUpper:         EphemeralPortUpper,
		RstRateLimit:      1000,
		RstBurst:          100,
	}
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Size:                 256,
		BufferLength:         2048,
		ProcessTimeThreshold: 10,
	}
}

func DefaultStackConfig() *StackConfig {
	return &StackConfig{
		LogLevel:         "info",
		MetricsNamespace: "netcore",
		TimerInterval:    100 * time.Millisecond,
		OutputQueueLen:   1024,
		Arp:              DefaultArpConfig(),
		Ip:               DefaultIpConfig(),
		Tcp:              DefaultTcpConfig(),
		Pool:             DefaultPoolConfig(),
	}
}

// LoadConfig reads a YAML file on top of the defaults. Keys absent from the
// file keep their default values.
func LoadConfig(path string) (*StackConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*StackConfig, error) {
	cfg := DefaultStackConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *StackConfig) Validate() error {
	if c.Tcp.MSS <= 0 || c.Tcp.MSS > 0xFFFF {
		return fmt.Errorf("tcp.mss %d out of range", c.Tcp.MSS)
	}
	if c.Tcp.BufferSize <= 0 {
		return fmt.Errorf("tcp.buffer_size must be positive")
	}
	if c.Tcp.PortLower <= ReservedPortUpper || c.Tcp.PortUpper > 0xFFFF || c.Tcp.PortLower > c.Tcp.PortUpper {
		return fmt.Errorf("ephemeral port range %d-%d is invalid", c.Tcp.PortLower, c.Tcp.PortUpper)
	}
	if c.TimerInterval <= 0 {
		return fmt.Errorf("timer_interval must be positive")
	}
	if c.Tcp.ClockTick <= 0 {
		return fmt.Errorf("tcp.clock_tick must be positive")
	}
	if c.Pool.Size <= 0 || c.Pool.BufferLength <= 0 {
		return fmt.Errorf("pool size and buffer_length must be positive")
	}
	if c.OutputQueueLen <= 0 {
		return fmt.Errorf("output_queue_len must be positive")
	}
	return nil
}
