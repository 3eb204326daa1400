package call

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/parleylabs/parley/pkg/core/audio"
	"github.com/parleylabs/parley/pkg/core/bargein"
	"github.com/parleylabs/parley/pkg/core/record"
	"github.com/parleylabs/parley/pkg/core/upload"
	"github.com/parleylabs/parley/pkg/core/uplink"
)

// Config configures a full media session.
type Config struct {
	// ServerURL is the socket endpoint base, for example
	// "wss://api.example.com". The session path is appended per session.
	ServerURL string `yaml:"server_url" json:"server_url"`

	// APIBaseURL is the REST collaborator base, for example
	// "https://api.example.com/api/v1".
	APIBaseURL string `yaml:"api_base_url" json:"api_base_url"`

	Audio   audio.Config   `yaml:"audio" json:"audio"`
	Uplink  uplink.Config  `yaml:"uplink" json:"uplink"`
	BargeIn bargein.Config `yaml:"barge_in" json:"barge_in"`
	Record  record.Config  `yaml:"record" json:"record"`
	Upload  upload.Config  `yaml:"upload" json:"upload"`

	// S3 selects the direct storage backend instead of the REST surface
	// when set.
	S3 *upload.S3Config `yaml:"s3,omitempty" json:"s3,omitempty"`
}

// DefaultConfig returns a Config with the standard session parameters.
func DefaultConfig() Config {
	return Config{
		Audio:   audio.DefaultConfig(),
		Uplink:  uplink.DefaultConfig(),
		BargeIn: bargein.DefaultConfig(),
		Record:  record.DefaultConfig(),
		Upload:  upload.DefaultConfig(),
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
