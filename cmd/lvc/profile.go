package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/docopt/docopt-go"
	"gopkg.in/yaml.v3"

	"github.com/livefir/liveclient"
)

// Profile is one named endpoint configuration from the config file.
type Profile struct {
	Endpoint      string            `yaml:"endpoint"`
	BindingPrefix string            `yaml:"binding_prefix"`
	Params        map[string]any    `yaml:"params"`
	Headers       map[string]string `yaml:"headers"`
}

type configFile struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

// loadProfile resolves the named profile from the config file, or an
// empty profile when none is named. A missing config file is only an
// error when a profile was explicitly requested.
func loadProfile(opts docopt.Opts) (Profile, error) {
	name, _ := opts.String("--profile")
	path, _ := opts.String("--config")
	path = expandHome(path)

	raw, err := os.ReadFile(path)
	if err != nil {
		if name == "" && os.IsNotExist(err) {
			return Profile{}, nil
		}
		return Profile{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg configFile
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Profile{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if name == "" {
		return Profile{}, nil
	}
	p, ok := cfg.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("config %s has no profile %q", path, name)
	}
	return p, nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// options translates a profile into socket options.
func (p Profile) options() []liveclient.Option {
	var opts []liveclient.Option
	if p.Endpoint != "" {
		opts = append(opts, liveclient.WithEndpoint(p.Endpoint))
	}
	if p.BindingPrefix != "" {
		opts = append(opts, liveclient.WithBindingPrefix(p.BindingPrefix))
	}
	if len(p.Params) > 0 {
		opts = append(opts, liveclient.WithParams(p.Params))
	}
	if len(p.Headers) > 0 {
		header := make(http.Header, len(p.Headers))
		for k, v := range p.Headers {
			header.Set(k, v)
		}
		opts = append(opts, liveclient.WithHeader(header))
	}
	return opts
}
