package rtps

import (
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

const (
	// well-known port mapping
	PORT_PB = 7400
	PORT_DG = 250
	PORT_PG = 2
	PORT_D0 = 0
	PORT_D1 = 10
	PORT_D2 = 1
	PORT_D3 = 11

	// participant ids are tried in [0, maxParticipantID)
	maxParticipantID = 120
)

var (
	DEFAULT_MCAST_GROUP_IP = net.IPv4(239, 255, 0, 1)
)

// Config holds everything a participant needs to know before it starts.
type Config struct {
	DomainID uint32 `yaml:"domain_id"`
	// ParticipantID selects the unicast ports; -1 picks the first free one.
	ParticipantID  int    `yaml:"participant_id"`
	UnicastAddress string `yaml:"unicast_address"`
	Interface      string `yaml:"interface"`
	MulticastGroup string `yaml:"multicast_group"`
	EntityName     string `yaml:"entity_name"`

	LeaseDuration  time.Duration `yaml:"lease_duration"`
	AnnouncePeriod time.Duration `yaml:"announce_period"`
	TickInterval   time.Duration `yaml:"tick_interval"`

	HeartbeatPeriod        time.Duration `yaml:"heartbeat_period"`
	HeartbeatResponseDelay time.Duration `yaml:"heartbeat_response_delay"`
	HeartbeatSuppression   time.Duration `yaml:"heartbeat_suppression"`
	MinRetransmitInterval  time.Duration `yaml:"min_retransmit_interval"`
	MaxRetransmits         int           `yaml:"max_retransmits"`

	FragmentSize            int           `yaml:"fragment_size"`
	MaxMessageSize          int           `yaml:"max_message_size"`
	MaxSampleSize           int           `yaml:"max_sample_size"`
	FragmentAssemblyTimeout time.Duration `yaml:"fragment_assembly_timeout"`

	LogLevel string `yaml:"log_level"`
}

func DefaultConfig() Config {
	return Config{
		DomainID:                0,
		ParticipantID:           -1,
		MulticastGroup:          DEFAULT_MCAST_GROUP_IP.String(),
		LeaseDuration:           100 * time.Second,
		AnnouncePeriod:          3 * time.Second,
		TickInterval:            50 * time.Millisecond,
		HeartbeatPeriod:         time.Second,
		HeartbeatResponseDelay:  500 * time.Millisecond,
		HeartbeatSuppression:    0,
		MinRetransmitInterval:   100 * time.Millisecond,
		MaxRetransmits:          0,
		FragmentSize:            1344,
		MaxMessageSize:          65000,
		MaxSampleSize:           16 << 20,
		FragmentAssemblyTimeout: defaultFragmentAssemblyTimeout,
		LogLevel:                "info",
	}
}

// LoadConfig reads a YAML file over the defaults and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	switch {
	case c.ParticipantID < -1 || c.ParticipantID >= maxParticipantID:
		return errors.Errorf("participant_id %d out of range", c.ParticipantID)
	case c.mcastBuiltinPort() > 0xffff || c.ucastUserPortFor(maxParticipantID-1) > 0xffff:
		return errors.Errorf("domain_id %d maps outside the port range", c.DomainID)
	case c.LeaseDuration <= 0:
		return errors.New("lease_duration must be positive")
	case c.AnnouncePeriod <= 0 || c.AnnouncePeriod >= c.LeaseDuration:
		return errors.New("announce_period must be positive and shorter than lease_duration")
	case c.TickInterval <= 0:
		return errors.New("tick_interval must be positive")
	case c.HeartbeatPeriod <= 0:
		return errors.New("heartbeat_period must be positive")
	case c.HeartbeatResponseDelay < 0 || c.HeartbeatSuppression < 0 || c.MinRetransmitInterval < 0:
		return errors.New("protocol delays must not be negative")
	case c.MaxRetransmits < 0:
		return errors.New("max_retransmits must not be negative")
	case c.FragmentSize <= 0 || c.FragmentSize > 0xffff:
		return errors.Errorf("fragment_size %d out of range", c.FragmentSize)
	case c.MaxMessageSize < c.FragmentSize+headerLen+64:
		return errors.New("max_message_size must hold at least one fragment")
	case c.MaxSampleSize <= 0:
		return errors.New("max_sample_size must be positive")
	}
	if c.MulticastGroup != "" {
		if ip := net.ParseIP(c.MulticastGroup); ip == nil || !ip.IsMulticast() {
			return errors.Errorf("multicast_group %q is not a multicast address", c.MulticastGroup)
		}
	}
	if c.UnicastAddress != "" && net.ParseIP(c.UnicastAddress) == nil {
		return errors.Errorf("unicast_address %q is not an IP address", c.UnicastAddress)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log_level")
	}
	return nil
}

func (c *Config) mcastGroup() net.IP {
	if ip := net.ParseIP(c.MulticastGroup); ip != nil {
		return ip
	}
	return DEFAULT_MCAST_GROUP_IP
}

func (c *Config) mcastBuiltinPort() uint32 {
	return PORT_PB + PORT_DG*c.DomainID + PORT_D0
}

func (c *Config) mcastUserPort() uint32 {
	return PORT_PB + PORT_DG*c.DomainID + PORT_D2
}

func (c *Config) ucastBuiltinPortFor(participantID int) uint32 {
	return PORT_PB + PORT_DG*c.DomainID + PORT_D1 + PORT_PG*uint32(participantID)
}

func (c *Config) ucastUserPortFor(participantID int) uint32 {
	return PORT_PB + PORT_DG*c.DomainID + PORT_D3 + PORT_PG*uint32(participantID)
}

// endpointParams are the protocol timings handed to each writer and reader.
type endpointParams struct {
	heartbeatPeriod         time.Duration
	heartbeatResponseDelay  time.Duration
	heartbeatSuppression    time.Duration
	minRetransmitInterval   time.Duration
	maxRetransmits          int
	fragmentSize            int
	maxSampleSize           int
	fragmentAssemblyTimeout time.Duration
}

func (c *Config) endpointParams() endpointParams {
	return endpointParams{
		heartbeatPeriod:         c.HeartbeatPeriod,
		heartbeatResponseDelay:  c.HeartbeatResponseDelay,
		heartbeatSuppression:    c.HeartbeatSuppression,
		minRetransmitInterval:   c.MinRetransmitInterval,
		maxRetransmits:          c.MaxRetransmits,
		fragmentSize:            c.FragmentSize,
		maxSampleSize:           c.MaxSampleSize,
		fragmentAssemblyTimeout: c.FragmentAssemblyTimeout,
	}
}
