package config

import (
	"io/ioutil"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Conf is the client configuration. Every field has a working default so a
// missing file is not an error.
type Conf struct {
	App App `yaml:"app"`
	SSH SSH `yaml:"ssh"`
}

type App struct {
	Name string `yaml:"name"`
	Mode string `yaml:"mode"`
}

type SSH struct {
	// DialTimeoutSeconds bounds the tcp dial plus handshake.
	DialTimeoutSeconds int `yaml:"dial_timeout"`
	// RequestTimeoutSeconds bounds each one-shot wait; 0 disables expiry.
	RequestTimeoutSeconds int `yaml:"request_timeout"`
	// DefaultPty is used when a shell has to be opened implicitly.
	DefaultPty string `yaml:"default_pty"`
	// BlockSize is the transfer copy block in bytes.
	BlockSize int `yaml:"block_size"`
}

func defaults() *Conf {
	return &Conf{
		App: App{
			Name: "sshlink",
			Mode: "prod",
		},
		SSH: SSH{
			DialTimeoutSeconds: 30,
			DefaultPty:         "xterm",
			BlockSize:          1024 * 64,
		},
	}
}

// NewConfig loads path if it exists, otherwise the in-code defaults.
// An empty path means ./config.yaml.
func NewConfig(path string) (*Conf, error) {
	ret := defaults()

	if path == "" {
		path = "config.yaml"
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ret, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s SSH) DialTimeout() time.Duration {
	return time.Duration(s.DialTimeoutSeconds) * time.Second
}

func (s SSH) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}
