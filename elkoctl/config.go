package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/docopt/docopt-go"
)

type TransportMode string

const (
	TransportPoll   TransportMode = "poll"
	TransportSocket TransportMode = "socket"
	TransportCompat TransportMode = "compat"
)

// elkoctl config.toml keys
type fileConfig struct {
	Root      string `toml:"root"`
	Director  bool   `toml:"director"`
	Transport string `toml:"transport"`
	Name      string `toml:"name"`
	User      string `toml:"user"`
	Utag      string `toml:"utag"`
	Uparam    string `toml:"uparam"`
	Template  string `toml:"template"`
	SealKey   string `toml:"seal_key"`
	Password  string `toml:"password"`
}

type enterConfig struct {
	Root      string
	Context   string
	Director  bool
	Transport TransportMode
	Name      string
	User      string
	Utag      string
	Uparam    string
	Template  string
	// sealing the password into the director auth requires both
	SealKey  string
	Password string
}

func defaultEnterConfig() *enterConfig {
	return &enterConfig{
		Transport: TransportPoll,
	}
}

// loadEnterConfig overlays the config file, then the command line, on the defaults.
func loadEnterConfig(opts docopt.Opts) (*enterConfig, error) {
	cfg := defaultEnterConfig()

	if path, err := opts.String("--config"); err == nil && path != "" {
		if err := overlayConfigFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if root, err := opts.String("<root>"); err == nil && root != "" {
		cfg.Root = root
	}
	if context, err := opts.String("<context>"); err == nil {
		cfg.Context = context
	}
	if director, _ := opts.Bool("--director"); director {
		cfg.Director = true
	}
	if socket, _ := opts.Bool("--socket"); socket {
		cfg.Transport = TransportSocket
	} else if compat, _ := opts.Bool("--compat"); compat {
		cfg.Transport = TransportCompat
	}
	for option, value := range map[string]*string{
		"--name":     &cfg.Name,
		"--user":     &cfg.User,
		"--utag":     &cfg.Utag,
		"--uparam":   &cfg.Uparam,
		"--template": &cfg.Template,
		"--key":      &cfg.SealKey,
	} {
		if s, err := opts.String(option); err == nil && s != "" {
			*value = s
		}
	}

	if cfg.Root == "" {
		return nil, fmt.Errorf("missing root")
	}
	if cfg.Context == "" {
		return nil, fmt.Errorf("missing context")
	}
	return cfg, nil
}

func overlayConfigFile(cfg *enterConfig, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load elkoctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); 0 < len(undecoded) {
		return fmt.Errorf("load elkoctl config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("root") {
		cfg.Root = strings.TrimSpace(raw.Root)
	}
	if meta.IsDefined("director") {
		cfg.Director = raw.Director
	}
	if meta.IsDefined("transport") {
		switch mode := TransportMode(strings.TrimSpace(raw.Transport)); mode {
		case TransportPoll, TransportSocket, TransportCompat:
			cfg.Transport = mode
		default:
			return fmt.Errorf(
				"load elkoctl config: unsupported transport %q (expected poll, socket or compat)",
				raw.Transport,
			)
		}
	}
	if meta.IsDefined("name") {
		cfg.Name = raw.Name
	}
	if meta.IsDefined("user") {
		cfg.User = strings.TrimSpace(raw.User)
	}
	if meta.IsDefined("utag") {
		cfg.Utag = strings.TrimSpace(raw.Utag)
	}
	if meta.IsDefined("uparam") {
		cfg.Uparam = strings.TrimSpace(raw.Uparam)
	}
	if meta.IsDefined("template") {
		cfg.Template = strings.TrimSpace(raw.Template)
	}
	if meta.IsDefined("seal_key") {
		cfg.SealKey = strings.TrimSpace(raw.SealKey)
	}
	if meta.IsDefined("password") {
		cfg.Password = raw.Password
	}
	return nil
}
