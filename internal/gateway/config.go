// Package gateway wires the route matcher (C1), load balancer/circuit
// breaker (C2/C3), health monitor (C4), middleware pipeline (C5), and proxy
// engine (C6) into a standalone HTTP handler for direct-upstream routes —
// the half of the system that never touches the tunnel registry.
package gateway

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/koltyakov/expose/internal/domain"
)

// Config is the top-level shape of a gateway YAML file.
type Config struct {
	Version int          `yaml:"version"`
	Listen  string       `yaml:"listen"`
	Routes  []RouteEntry `yaml:"routes"`
}

// RouteEntry is one route's wire representation. Durations are plain
// strings here (yaml.v3 has no time.Duration codec) and parsed during
// normalization into the domain.RouteConfig the gateway actually runs on.
type RouteEntry struct {
	Pattern        string           `yaml:"pattern"`
	Targets        []TargetEntry    `yaml:"targets,omitempty"`
	Strategy       string           `yaml:"strategy,omitempty"`
	Timeout        string           `yaml:"timeout,omitempty"`
	StickySessions bool             `yaml:"sticky_sessions,omitempty"`
	StaticRoot     string           `yaml:"static_root,omitempty"`
	HealthCheck    *HealthCheckYAML `yaml:"health_check,omitempty"`
	CircuitBreaker *CircuitYAML     `yaml:"circuit_breaker,omitempty"`
	Middleware     []MiddlewareYAML `yaml:"middleware,omitempty"`
}

type TargetEntry struct {
	URL    string `yaml:"url"`
	Weight int    `yaml:"weight,omitempty"`
}

type HealthCheckYAML struct {
	Mode        string `yaml:"mode"`
	Interval    string `yaml:"interval"`
	Timeout     string `yaml:"timeout"`
	Path        string `yaml:"path,omitempty"`
	PingMessage string `yaml:"ping_message,omitempty"`
}

type CircuitYAML struct {
	Enabled          bool   `yaml:"enabled"`
	FailureThreshold int    `yaml:"failure_threshold,omitempty"`
	FailureWindow    string `yaml:"failure_window,omitempty"`
	OpenTimeout      string `yaml:"open_timeout,omitempty"`
	TestRequests     int    `yaml:"test_requests,omitempty"`
	MinRequests      int    `yaml:"min_requests,omitempty"`
}

type MiddlewareYAML struct {
	Kind        string           `yaml:"kind"`
	HeaderOp    *HeaderOpYAML    `yaml:"header_op,omitempty"`
	Auth        *AuthYAML        `yaml:"auth,omitempty"`
	BodyOp      *BodyOpYAML      `yaml:"body_op,omitempty"`
	RateLimit   *RateLimitYAML   `yaml:"rate_limit,omitempty"`
	Compression *CompressionYAML `yaml:"compression,omitempty"`
}

type HeaderOpYAML struct {
	Add          map[string]string `yaml:"add,omitempty"`
	Set          map[string]string `yaml:"set,omitempty"`
	Remove       []string          `yaml:"remove,omitempty"`
	HostOverride string            `yaml:"host_override,omitempty"`
}

type AuthYAML struct {
	Kind       string `yaml:"kind"`
	Value      string `yaml:"value,omitempty"`
	HeaderName string `yaml:"header_name,omitempty"`
	BasicUser  string `yaml:"basic_user,omitempty"`
	BasicPass  string `yaml:"basic_pass,omitempty"`
}

type BodyOpYAML struct {
	Kind        string `yaml:"kind"`
	Find        string `yaml:"find,omitempty"`
	Replace     string `yaml:"replace,omitempty"`
	JSONPath    string `yaml:"json_path,omitempty"`
	JSONValue   any    `yaml:"json_value,omitempty"`
	MaxBodySize int64  `yaml:"max_body_size,omitempty"`
}

type RateLimitYAML struct {
	RequestsPerWindow int    `yaml:"requests_per_window"`
	Window            string `yaml:"window"`
	MaxConcurrent     int    `yaml:"max_concurrent,omitempty"`
}

type CompressionYAML struct {
	MinSize int64 `yaml:"min_size,omitempty"`
}

// LoadConfigFile reads and normalizes a gateway YAML file from path.
func LoadConfigFile(path string) (*Config, []*domain.RouteConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid yaml: %w", err)
	}
	routes, err := cfg.normalize()
	if err != nil {
		return nil, nil, err
	}
	return &cfg, routes, nil
}

func (c *Config) normalize() ([]*domain.RouteConfig, error) {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Version != 1 {
		return nil, fmt.Errorf("unsupported config version %d (expected 1)", c.Version)
	}
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if len(c.Routes) == 0 {
		return nil, errors.New("config must define at least one route")
	}

	out := make([]*domain.RouteConfig, 0, len(c.Routes))
	seen := map[string]struct{}{}
	for i, re := range c.Routes {
		pattern := strings.TrimSpace(re.Pattern)
		if pattern == "" {
			return nil, fmt.Errorf("routes[%d].pattern is required", i)
		}
		if _, dup := seen[pattern]; dup {
			return nil, fmt.Errorf("duplicate route pattern %q", pattern)
		}
		seen[pattern] = struct{}{}

		route := &domain.RouteConfig{
			Pattern:        pattern,
			Strategy:       re.Strategy,
			StickySessions: re.StickySessions,
			StaticRoot:     strings.TrimSpace(re.StaticRoot),
		}
		if route.Strategy == "" {
			route.Strategy = domain.StrategyRoundRobin
		}

		if route.StaticRoot == "" {
			if len(re.Targets) == 0 {
				return nil, fmt.Errorf("routes[%d]: must set targets or static_root", i)
			}
			for _, te := range re.Targets {
				url := strings.TrimSpace(te.URL)
				if url == "" {
					return nil, fmt.Errorf("routes[%d]: target url is required", i)
				}
				weight := te.Weight
				if weight <= 0 {
					weight = 1
				}
				route.Targets = append(route.Targets, domain.Target{URL: url, Weight: weight, StaticHealthy: true})
			}
		}

		timeout, err := parseDurationOr(re.Timeout, 30*time.Second)
		if err != nil {
			return nil, fmt.Errorf("routes[%d].timeout: %w", i, err)
		}
		route.Timeout = timeout

		if re.HealthCheck != nil {
			hc, err := normalizeHealthCheck(re.HealthCheck)
			if err != nil {
				return nil, fmt.Errorf("routes[%d].health_check: %w", i, err)
			}
			route.HealthCheck = hc
		}

		if re.CircuitBreaker != nil {
			cb, err := normalizeCircuitBreaker(re.CircuitBreaker)
			if err != nil {
				return nil, fmt.Errorf("routes[%d].circuit_breaker: %w", i, err)
			}
			route.CircuitBreaker = cb
		}

		for j, mw := range re.Middleware {
			stage, err := normalizeMiddleware(mw)
			if err != nil {
				return nil, fmt.Errorf("routes[%d].middleware[%d]: %w", i, j, err)
			}
			route.Middleware = append(route.Middleware, stage)
		}

		out = append(out, route)
	}
	return out, nil
}

func normalizeHealthCheck(hc *HealthCheckYAML) (*domain.HealthCheckConfig, error) {
	mode := strings.TrimSpace(hc.Mode)
	if mode == "" {
		mode = "http"
	}
	interval, err := parseDurationOr(hc.Interval, 10*time.Second)
	if err != nil {
		return nil, err
	}
	timeout, err := parseDurationOr(hc.Timeout, 3*time.Second)
	if err != nil {
		return nil, err
	}
	return &domain.HealthCheckConfig{
		Mode:        mode,
		Interval:    interval,
		Timeout:     timeout,
		Path:        hc.Path,
		PingMessage: hc.PingMessage,
	}, nil
}

func normalizeCircuitBreaker(cb *CircuitYAML) (*domain.CircuitBreakerConfig, error) {
	failureWindow, err := parseDurationOr(cb.FailureWindow, 30*time.Second)
	if err != nil {
		return nil, err
	}
	openTimeout, err := parseDurationOr(cb.OpenTimeout, 15*time.Second)
	if err != nil {
		return nil, err
	}
	threshold := cb.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	testRequests := cb.TestRequests
	if testRequests <= 0 {
		testRequests = 1
	}
	return &domain.CircuitBreakerConfig{
		Enabled:          cb.Enabled,
		FailureThreshold: threshold,
		FailureWindow:    failureWindow,
		OpenTimeout:      openTimeout,
		TestRequests:     testRequests,
		MinRequests:      cb.MinRequests,
	}, nil
}

func normalizeMiddleware(mw MiddlewareYAML) (domain.MiddlewareStage, error) {
	kind := strings.TrimSpace(mw.Kind)
	stage := domain.MiddlewareStage{Kind: kind}
	switch kind {
	case "request_headers", "response_headers":
		if mw.HeaderOp == nil {
			return stage, errors.New("header_op is required")
		}
		stage.HeaderOp = &domain.HeaderOp{
			Add:          mw.HeaderOp.Add,
			Set:          mw.HeaderOp.Set,
			Remove:       mw.HeaderOp.Remove,
			HostOverride: mw.HeaderOp.HostOverride,
		}
	case "request_auth":
		if mw.Auth == nil {
			return stage, errors.New("auth is required")
		}
		stage.Auth = &domain.AuthInjection{
			Kind:       mw.Auth.Kind,
			Value:      mw.Auth.Value,
			HeaderName: mw.Auth.HeaderName,
			BasicUser:  mw.Auth.BasicUser,
			BasicPass:  mw.Auth.BasicPass,
		}
	case "body_transform":
		if mw.BodyOp == nil {
			return stage, errors.New("body_op is required")
		}
		stage.BodyOp = &domain.BodyTransform{
			Kind:        mw.BodyOp.Kind,
			Find:        mw.BodyOp.Find,
			Replace:     mw.BodyOp.Replace,
			JSONPath:    mw.BodyOp.JSONPath,
			JSONValue:   mw.BodyOp.JSONValue,
			MaxBodySize: mw.BodyOp.MaxBodySize,
		}
	case "rate_limit":
		if mw.RateLimit == nil {
			return stage, errors.New("rate_limit is required")
		}
		window, err := parseDurationOr(mw.RateLimit.Window, time.Minute)
		if err != nil {
			return stage, err
		}
		stage.RateLimit = &domain.RateLimitConfig{
			RequestsPerWindow: mw.RateLimit.RequestsPerWindow,
			Window:            window,
			MaxConcurrent:     mw.RateLimit.MaxConcurrent,
		}
	case "response_compression":
		minSize := int64(0)
		if mw.Compression != nil {
			minSize = mw.Compression.MinSize
		}
		stage.Compression = &domain.CompressionConfig{MinSize: minSize}
	default:
		return stage, fmt.Errorf("unknown middleware kind %q", kind)
	}
	return stage, nil
}

func parseDurationOr(raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	return d, nil
}
