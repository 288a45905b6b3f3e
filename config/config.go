// Package config loads the client configuration. Configuration is read
// once before connecting; changing it requires a reconnect.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the server control port used when the configured address
// has no explicit port. The voice channel defaults to the same port over
// UDP.
const DefaultPort = 51337

// Capture modes.
const (
	ModePushToTalk      = "push-to-talk"
	ModeVoiceActivation = "voice-activation"
)

// Control channel transports.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// Config is the complete client configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Auth   AuthConfig   `yaml:"auth"`
	Audio  AudioConfig  `yaml:"audio"`

	// LogLevel is a logrus level name: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// ServerConfig locates the server.
type ServerConfig struct {
	// Address is host or host:port of the control channel. The voice
	// channel uses the same host and port over UDP unless VoiceAddress
	// overrides it.
	Address string `yaml:"address"`

	// Transport selects the control stream: tcp or websocket. With
	// websocket, Address is a ws:// or wss:// URL.
	Transport string `yaml:"transport"`

	// VoiceAddress optionally overrides the datagram endpoint.
	VoiceAddress string `yaml:"voice_address,omitempty"`
}

// AuthConfig carries login credentials. Password supports ${ENV}
// expansion so it can stay out of the file.
type AuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// AudioConfig tunes the capture pipeline and playback.
type AudioConfig struct {
	// Mode is push-to-talk or voice-activation.
	Mode string `yaml:"mode"`

	// PushToTalkKey names the key the UI binds for push-to-talk.
	PushToTalkKey string `yaml:"push_to_talk_key"`

	// MicGain multiplies captured samples, 0 to 4.
	MicGain float64 `yaml:"mic_gain"`

	// VADThreshold is the voice activation energy threshold, 0 to 1.
	// Zero selects the built-in default.
	VADThreshold float64 `yaml:"vad_threshold"`

	// Volumes maps usernames to per-user playback volume, 0 to 4.
	// Applied when a matching user appears in the room tree.
	Volumes map[string]float64 `yaml:"volumes,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:   "localhost",
			Transport: TransportTCP,
		},
		Audio: AudioConfig{
			Mode:          ModePushToTalk,
			PushToTalkKey: "space",
			MicGain:       1.0,
		},
		LogLevel: "info",
	}
}

// Load reads configuration from path. A missing file yields defaults; a
// present but invalid file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.Auth.Password = os.ExpandEnv(cfg.Auth.Password)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field values and normalizes the mic gain into range.
func (c *Config) Validate() error {
	switch c.Server.Transport {
	case TransportTCP, TransportWebSocket:
	default:
		return fmt.Errorf("unknown transport %q", c.Server.Transport)
	}

	if c.Server.Transport == TransportWebSocket && c.Server.VoiceAddress == "" {
		// A URL cannot double as a datagram endpoint.
		return fmt.Errorf("websocket transport requires voice_address")
	}

	switch c.Audio.Mode {
	case ModePushToTalk, ModeVoiceActivation:
	default:
		return fmt.Errorf("unknown capture mode %q", c.Audio.Mode)
	}

	if c.Audio.VADThreshold < 0 || c.Audio.VADThreshold > 1 {
		return fmt.Errorf("vad_threshold %v out of range [0, 1]", c.Audio.VADThreshold)
	}

	if c.Audio.MicGain < 0 {
		c.Audio.MicGain = 0
	}
	if c.Audio.MicGain > 4 {
		c.Audio.MicGain = 4
	}

	for name, volume := range c.Audio.Volumes {
		if volume < 0 {
			c.Audio.Volumes[name] = 0
		}
		if volume > 4 {
			c.Audio.Volumes[name] = 4
		}
	}
	return nil
}

// ControlAddress returns the control endpoint with the default port
// applied when missing. WebSocket addresses pass through untouched.
func (c *Config) ControlAddress() string {
	if c.Server.Transport == TransportWebSocket {
		return c.Server.Address
	}
	return withDefaultPort(c.Server.Address)
}

// VoiceAddress returns the datagram endpoint: the override if set,
// otherwise the control host and port.
func (c *Config) VoiceAddress() string {
	if c.Server.VoiceAddress != "" {
		return withDefaultPort(c.Server.VoiceAddress)
	}
	return withDefaultPort(c.Server.Address)
}

// Save writes the configuration back to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func withDefaultPort(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, strconv.Itoa(DefaultPort))
}
