package cli

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type upConfig struct {
	Version int              `yaml:"version"`
	Server  string           `yaml:"server,omitempty"`
	APIKey  string           `yaml:"api_key,omitempty"`
	Access  upAccessConfig   `yaml:"protect,omitempty"`
	Tunnels []upTunnelConfig `yaml:"tunnels"`
}

// upConfigAlias mirrors upConfig but also accepts the legacy `access:` section
// name as an alias for `protect:`.
type upConfigAlias struct {
	Version int              `yaml:"version"`
	Server  string           `yaml:"server"`
	APIKey  string           `yaml:"api_key"`
	Protect *upAccessConfig  `yaml:"protect"`
	Access  *upAccessConfig  `yaml:"access"`
	Tunnels []upTunnelConfig `yaml:"tunnels"`
}

func (c *upConfig) UnmarshalYAML(value *yaml.Node) error {
	var aux upConfigAlias
	if err := value.Decode(&aux); err != nil {
		return err
	}
	c.Version = aux.Version
	c.Server = aux.Server
	c.APIKey = aux.APIKey
	c.Tunnels = aux.Tunnels
	switch {
	case aux.Protect != nil:
		c.Access = *aux.Protect
	case aux.Access != nil:
		c.Access = *aux.Access
	}
	return nil
}

type upAccessConfig struct {
	Protect bool   `yaml:"protect,omitempty"`
	User    string `yaml:"user,omitempty"`
	// Password holds a literal password or, if PasswordEnv was set, the
	// name of the env var it was aliased from.
	Password string `yaml:"password,omitempty"`
	// PasswordEnv is a deprecated alias for Password; accepted for
	// compatibility and folded into Password during normalization.
	PasswordEnv string `yaml:"password_env,omitempty"`
}

type upTunnelConfig struct {
	Name        string `yaml:"name"`
	Subdomain   string `yaml:"subdomain"`
	Port        int    `yaml:"port"`
	PathPrefix  string `yaml:"path_prefix"`
	StripPrefix bool   `yaml:"strip_prefix,omitempty"`
}

func loadUpConfigFile(path string) (upConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return upConfig{}, err
	}
	cfg, err := parseUpYAML(string(b))
	if err != nil {
		return upConfig{}, err
	}
	if err := cfg.normalizeAndValidate(); err != nil {
		return upConfig{}, err
	}
	return cfg, nil
}

func writeUpConfigFile(path string, cfg upConfig) error {
	if err := cfg.normalizeAndValidate(); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(renderUpYAML(cfg)), 0o644)
}

func (c *upConfig) normalizeAndValidate() error {
	if c == nil {
		return errors.New("missing config")
	}
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version %d (expected 1)", c.Version)
	}

	c.Server = strings.TrimSpace(c.Server)
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.Access.User = strings.TrimSpace(c.Access.User)
	c.Access.Password = strings.TrimSpace(c.Access.Password)
	c.Access.PasswordEnv = strings.TrimSpace(c.Access.PasswordEnv)
	if c.Access.Password == "" && c.Access.PasswordEnv != "" {
		c.Access.Password = c.Access.PasswordEnv
		c.Access.PasswordEnv = ""
	}
	if c.Access.User == "" {
		c.Access.User = "admin"
	}
	if c.Access.Password != "" && c.Access.PasswordEnv != "" {
		return errors.New("protect.password and protect.password_env are mutually exclusive")
	}
	if c.Access.Password != "" {
		c.Access.Protect = true
	}

	if len(c.Tunnels) == 0 {
		return errors.New("config must define at least one tunnel")
	}

	seenNames := map[string]struct{}{}
	seenRoutes := map[string]struct{}{}
	for i := range c.Tunnels {
		t := &c.Tunnels[i]
		t.Name = strings.TrimSpace(t.Name)
		t.Subdomain = normalizeUpSubdomain(t.Subdomain)
		if t.Name == "" {
			t.Name = t.Subdomain
			if t.Name == "" {
				t.Name = fmt.Sprintf("route-%d", i+1)
			}
		}
		if _, dup := seenNames[t.Name]; dup {
			return fmt.Errorf("duplicate tunnel name %q", t.Name)
		}
		seenNames[t.Name] = struct{}{}

		if t.Subdomain == "" {
			return fmt.Errorf("tunnels[%d].subdomain is required", i)
		}
		if strings.Contains(t.Subdomain, "/") || strings.Contains(t.Subdomain, "://") {
			return fmt.Errorf("tunnels[%d].subdomain must be a hostname label, not a URL", i)
		}
		if t.Port <= 0 || t.Port > 65535 {
			return fmt.Errorf("tunnels[%d].port must be between 1 and 65535", i)
		}
		prefix, err := normalizeUpPathPrefix(t.PathPrefix)
		if err != nil {
			return fmt.Errorf("tunnels[%d].path_prefix: %w", i, err)
		}
		t.PathPrefix = prefix

		key := t.Subdomain + "|" + t.PathPrefix
		if _, dup := seenRoutes[key]; dup {
			return fmt.Errorf("duplicate route for subdomain %q path_prefix %q", t.Subdomain, t.PathPrefix)
		}
		seenRoutes[key] = struct{}{}
	}

	return nil
}

func normalizeUpSubdomain(raw string) string {
	raw = strings.TrimSpace(strings.ToLower(raw))
	raw = strings.TrimPrefix(raw, "https://")
	raw = strings.TrimPrefix(raw, "http://")
	raw = strings.TrimSuffix(raw, "/")
	if idx := strings.Index(raw, "/"); idx >= 0 {
		raw = raw[:idx]
	}
	return raw
}

func normalizeUpPathPrefix(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "/", nil
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	if strings.Contains(raw, "//") {
		for strings.Contains(raw, "//") {
			raw = strings.ReplaceAll(raw, "//", "/")
		}
	}
	if raw != "/" {
		raw = strings.TrimSuffix(raw, "/")
	}
	if strings.ContainsAny(raw, "?#") {
		return "", errors.New("must not include query or fragment")
	}
	return raw, nil
}

func renderUpYAML(cfg upConfig) string {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return ""
	}
	return string(b)
}

func parseUpYAML(raw string) (upConfig, error) {
	var cfg upConfig
	if err := yaml.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, fmt.Errorf("invalid yaml: %w", err)
	}
	return cfg, nil
}
