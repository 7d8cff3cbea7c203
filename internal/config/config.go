package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full declarative deployment description: remote targets,
// the service stack deployed to them, and the daemon/webhook settings.
type Config struct {
	Targets  []Target  `yaml:"targets"`
	Services []Service `yaml:"services"`
	SSH      struct {
		KeyDir     string `yaml:"key_dir"`
		KnownHosts string `yaml:"known_hosts"`
	} `yaml:"ssh"`
	Webhook struct {
		Addr string `yaml:"addr"`
		// SecretRef names a key in secrets.env; the secret itself never
		// lives in this file.
		SecretRef string `yaml:"secret_ref"`
		Branch    string `yaml:"branch"`
	} `yaml:"webhook"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Migrate struct {
		// Service is the container the migration command runs in.
		Service     string `yaml:"service"`
		Command     string `yaml:"command"`
		RevisionCmd string `yaml:"revision_cmd"`
	} `yaml:"migrate"`
	Defaults struct {
		User           string `yaml:"user"`
		SSHPort        int    `yaml:"ssh_port"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"defaults"`
}

// Target is a single remote host plus the paths the pipeline touches on it.
type Target struct {
	Name    string `yaml:"name"`
	Host    string `yaml:"host"`
	SSHUser string `yaml:"ssh_user"`
	SSHPort int    `yaml:"ssh_port"`
	Workdir string `yaml:"workdir"`
	RepoURL string `yaml:"repo_url"`
	Branch  string `yaml:"branch"`
	Domain  string `yaml:"domain"`
	AppPort int    `yaml:"app_port"`
	Cert    struct {
		LocalCert string `yaml:"local_cert"`
		LocalKey  string `yaml:"local_key"`
		RemoteDir string `yaml:"remote_dir"`
	} `yaml:"cert"`
	ProxyConfPath string `yaml:"proxy_conf_path"`
}

// Addr returns host:port with the configured or default SSH port applied.
func (t Target) Addr(defaultPort int) string {
	port := t.SSHPort
	if port == 0 {
		port = defaultPort
	}
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", t.Host, port)
}

// Service describes one container in the deployed stack. Services are built
// from config at load time and never mutated afterwards.
type Service struct {
	Name  string `yaml:"name"`
	Image string `yaml:"image"`
	Build string `yaml:"build"`
	// Env holds non-sensitive variables; EnvRefs name keys resolved from
	// secrets.env at render time so credentials stay out of this file.
	Env       map[string]string `yaml:"env"`
	EnvRefs   []string          `yaml:"env_refs"`
	Ports     []string          `yaml:"ports"`
	DependsOn []string          `yaml:"depends_on"`
	HealthCmd string            `yaml:"health_cmd"`
}

// ConfigError reports a malformed target or service definition.
type ConfigError struct {
	Field   string
	Value   string
	Message string
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("config error: %s=%q: %s", e.Field, e.Value, e.Message)
}

// Load reads YAML configuration from a path. If path is empty, it resolves
// $XDG_CONFIG_HOME/skiff/config.yaml or ~/.config/skiff/config.yaml.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		path = filepath.Join(configDir(), "config.yaml")
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Defaults.SSHPort == 0 {
		c.Defaults.SSHPort = 22
	}
	if c.Defaults.TimeoutSeconds == 0 {
		c.Defaults.TimeoutSeconds = 30
	}
	if c.SSH.KeyDir == "" {
		c.SSH.KeyDir = filepath.Join(configDir(), "ssh")
	}
	if c.SSH.KnownHosts == "" {
		c.SSH.KnownHosts = filepath.Join(configDir(), "known_hosts")
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(configDir(), "runs.db")
	}
	if c.Webhook.Addr == "" {
		c.Webhook.Addr = ":8099"
	}
	c.SSH.KeyDir = expandHome(c.SSH.KeyDir)
	c.SSH.KnownHosts = expandHome(c.SSH.KnownHosts)
	c.Store.Path = expandHome(c.Store.Path)
	for i := range c.Targets {
		c.Targets[i].Cert.LocalCert = expandHome(c.Targets[i].Cert.LocalCert)
		c.Targets[i].Cert.LocalKey = expandHome(c.Targets[i].Cert.LocalKey)
	}
}

// expandHome resolves a leading ~/ in local filesystem paths; remote paths
// never pass through here.
func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

// Validate rejects malformed target and service definitions up front so a
// pipeline never starts against a description it cannot execute.
func (c Config) Validate() error {
	seen := map[string]bool{}
	for _, t := range c.Targets {
		if t.Name == "" {
			return ConfigError{Field: "target.name", Message: "target name is required"}
		}
		if seen[t.Name] {
			return ConfigError{Field: "target.name", Value: t.Name, Message: "duplicate target name"}
		}
		seen[t.Name] = true
		if t.Host == "" {
			return ConfigError{Field: "target.host", Value: t.Name, Message: "target host is required"}
		}
		if t.Workdir == "" {
			return ConfigError{Field: "target.workdir", Value: t.Name, Message: "target workdir is required"}
		}
	}
	byName := map[string]Service{}
	for _, s := range c.Services {
		if s.Name == "" {
			return ConfigError{Field: "service.name", Message: "service name is required"}
		}
		if _, dup := byName[s.Name]; dup {
			return ConfigError{Field: "service.name", Value: s.Name, Message: "duplicate service name"}
		}
		if s.Image == "" && s.Build == "" {
			return ConfigError{Field: "service.image", Value: s.Name, Message: "service needs an image or a build context"}
		}
		byName[s.Name] = s
	}
	for _, s := range c.Services {
		for _, dep := range s.DependsOn {
			if _, ok := byName[dep]; !ok {
				return ConfigError{Field: "service.depends_on", Value: dep, Message: fmt.Sprintf("service %s depends on unknown service", s.Name)}
			}
		}
	}
	if err := checkCycles(byName); err != nil {
		return err
	}
	return nil
}

// checkCycles walks the depends_on graph; a cycle would deadlock the health
// wait during the up step.
func checkCycles(services map[string]Service) error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case grey:
			return ConfigError{Field: "service.depends_on", Value: name, Message: "dependency cycle"}
		case black:
			return nil
		}
		color[name] = grey
		for _, dep := range services[name].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}
	for name := range services {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// Target looks up a target by name.
func (c Config) Target(name string) (Target, error) {
	for _, t := range c.Targets {
		if t.Name == name {
			return t, nil
		}
	}
	return Target{}, ConfigError{Field: "target", Value: name, Message: "target not configured"}
}

func configDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "skiff")
}
