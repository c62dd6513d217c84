// Package config loads the server configuration.
//
// Settings come from, in increasing precedence: built-in defaults,
// config.yaml in the data directory, the .env file in the data directory and
// command line flags. Flags are applied by the caller.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	HTTP     string `json:"http" yaml:"http" jsonschema:"description=Address to listen on"`
	LogLevel string `json:"log_level" yaml:"log_level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`

	Store      StoreConfig   `json:"store" yaml:"store"`
	Queue      QueueConfig   `json:"queue" yaml:"queue"`
	Crypto     CryptoConfig  `json:"crypto" yaml:"crypto"`
	Captcha    CaptchaConfig `json:"captcha" yaml:"captcha"`
	CORS       CORSConfig    `json:"cors" yaml:"cors"`
	RateLimits RateLimits    `json:"rate_limits" yaml:"rate_limits"`
	Geo        GeoConfig     `json:"geo" yaml:"geo"`
	Limits     RequestLimits `json:"limits" yaml:"limits"`
}

// StoreConfig selects the table store.
type StoreConfig struct {
	Backend string `json:"backend" yaml:"backend" jsonschema:"enum=jsonl,enum=bolt,description=jsonl keeps one file per table; bolt keeps everything in tables.db"`
	// NoSync skips fsync on the bolt backend. Only for tests and benchmarks.
	NoSync bool `json:"no_sync,omitempty" yaml:"no_sync,omitempty"`
}

// QueueConfig configures the ingest queue and its workers.
type QueueConfig struct {
	Backend     string   `json:"backend" yaml:"backend" jsonschema:"enum=memory,enum=sqlite"`
	Workers     int      `json:"workers" yaml:"workers" jsonschema:"minimum=1"`
	BatchSize   int      `json:"batch_size" yaml:"batch_size" jsonschema:"minimum=1"`
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts" jsonschema:"minimum=1"`
	Lease       Duration `json:"lease" yaml:"lease" jsonschema:"description=Visibility timeout of a received item (e.g. 1m)"`
}

// CryptoConfig configures table key handling.
type CryptoConfig struct {
	// Concurrency bounds per-request encryption and decryption; 0 means one
	// per CPU.
	Concurrency int    `json:"concurrency" yaml:"concurrency" jsonschema:"minimum=0"`
	EmailDomain string `json:"email_domain" yaml:"email_domain" jsonschema:"description=Domain of the e-mail in generated key user ids"`
}

// CaptchaConfig configures human verification on create and retrieve.
type CaptchaConfig struct {
	Secret   string `json:"secret,omitempty" yaml:"secret,omitempty"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Disabled bool   `json:"disabled,omitempty" yaml:"disabled,omitempty" jsonschema:"description=Accept every token. Development only."`
}

// CORSConfig configures the Access-Control-Allow-Origin response header.
type CORSConfig struct {
	AllowOrigin string `json:"allow_origin" yaml:"allow_origin"`
}

// RateLimits defines request budgets per minute. 0 means unlimited.
type RateLimits struct {
	CreatePerMin   int `json:"create_per_min" yaml:"create_per_min" jsonschema:"minimum=0"`
	RetrievePerMin int `json:"retrieve_per_min" yaml:"retrieve_per_min" jsonschema:"minimum=0"`
	IngestPerMin   int `json:"ingest_per_min" yaml:"ingest_per_min" jsonschema:"minimum=0,description=Per table id"`
}

// GeoConfig configures optional IP geolocation.
type GeoConfig struct {
	DB               string   `json:"db,omitempty" yaml:"db,omitempty" jsonschema:"description=Path to a MaxMind country MMDB file"`
	BlockedCountries []string `json:"blocked_countries,omitempty" yaml:"blocked_countries,omitempty" jsonschema:"description=ISO 3166-1 alpha-2 codes refused with 403"`
}

// RequestLimits bounds incoming requests.
type RequestLimits struct {
	MaxRequestBodyBytes int64 `json:"max_request_body_bytes" yaml:"max_request_body_bytes" jsonschema:"minimum=1"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTP:     "localhost:8080",
		LogLevel: "info",
		Store:    StoreConfig{Backend: "jsonl"},
		Queue: QueueConfig{
			Backend:     "sqlite",
			Workers:     2,
			BatchSize:   10,
			MaxAttempts: 5,
			Lease:       Duration(time.Minute),
		},
		Crypto: CryptoConfig{EmailDomain: "hooktable.invalid"},
		CORS:   CORSConfig{AllowOrigin: "*"},
		RateLimits: RateLimits{
			CreatePerMin:   5,
			RetrievePerMin: 30,
			IngestPerMin:   600,
		},
		Limits: RequestLimits{MaxRequestBodyBytes: 1 << 20},
	}
}

// Load returns the defaults overlaid with dataDir/config.yaml and
// dataDir/.env. Missing files are ignored.
func Load(dataDir string) (*Config, error) {
	cfg := Default()
	f, err := os.Open(filepath.Join(dataDir, "config.yaml")) //nolint:gosec // G304: path is built from the data-dir flag
	switch {
	case err == nil:
		err = cfg.ReadYAML(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("config.yaml: %w", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}
	env, err := LoadDotEnv(dataDir)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(env); err != nil {
		return nil, fmt.Errorf(".env: %w", err)
	}
	return cfg, nil
}

// ReadYAML overlays the YAML document in r. Unknown keys are an error.
func (c *Config) ReadYAML(r io.Reader) error {
	d := yaml.NewDecoder(r)
	d.KnownFields(true)
	if err := d.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overlays the recognized keys of a .env file.
func (c *Config) ApplyEnv(env map[string]string) error {
	str := map[string]*string{
		"HTTP":             &c.HTTP,
		"LOG_LEVEL":        &c.LogLevel,
		"STORE":            &c.Store.Backend,
		"QUEUE":            &c.Queue.Backend,
		"HCAPTCHA_SECRET":  &c.Captcha.Secret,
		"CORS_ORIGIN":      &c.CORS.AllowOrigin,
		"GEO_DB":           &c.Geo.DB,
		"KEY_EMAIL_DOMAIN": &c.Crypto.EmailDomain,
	}
	for k, p := range str {
		if v := env[k]; v != "" {
			*p = v
		}
	}
	ints := map[string]*int{
		"WORKERS":     &c.Queue.Workers,
		"BATCH_SIZE":  &c.Queue.BatchSize,
		"CONCURRENCY": &c.Crypto.Concurrency,
	}
	for k, p := range ints {
		if v := env[k]; v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			*p = i
		}
	}
	if v := env["HCAPTCHA_DISABLED"]; v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("HCAPTCHA_DISABLED: %w", err)
		}
		c.Captcha.Disabled = b
	}
	if v := env["BLOCKED_COUNTRIES"]; v != "" {
		c.Geo.BlockedCountries = nil
		for cc := range strings.SplitSeq(v, ",") {
			if cc = strings.TrimSpace(cc); cc != "" {
				c.Geo.BlockedCountries = append(c.Geo.BlockedCountries, cc)
			}
		}
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.HTTP == "" {
		return errors.New("http is required")
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.LogLevel) {
		return fmt.Errorf("unknown log level: %q", c.LogLevel)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if c.Crypto.Concurrency < 0 {
		return errors.New("crypto: concurrency must be non-negative")
	}
	if c.Crypto.EmailDomain == "" {
		return errors.New("crypto: email_domain is required")
	}
	if c.Captcha.Secret == "" && !c.Captcha.Disabled {
		return errors.New("captcha: secret is required unless captcha is disabled")
	}
	if err := c.RateLimits.Validate(); err != nil {
		return fmt.Errorf("rate_limits: %w", err)
	}
	for _, cc := range c.Geo.BlockedCountries {
		if len(cc) != 2 {
			return fmt.Errorf("geo: invalid country code %q", cc)
		}
	}
	if len(c.Geo.BlockedCountries) != 0 && c.Geo.DB == "" {
		return errors.New("geo: blocked_countries requires db")
	}
	if c.Limits.MaxRequestBodyBytes <= 0 {
		return errors.New("limits: max_request_body_bytes must be positive")
	}
	return nil
}

// Validate checks the store backend.
func (s *StoreConfig) Validate() error {
	if s.Backend != "jsonl" && s.Backend != "bolt" {
		return fmt.Errorf("unknown backend %q", s.Backend)
	}
	return nil
}

// Validate checks the queue settings.
func (q *QueueConfig) Validate() error {
	if q.Backend != "memory" && q.Backend != "sqlite" {
		return fmt.Errorf("unknown backend %q", q.Backend)
	}
	if q.Workers < 1 {
		return errors.New("workers must be at least 1")
	}
	if q.BatchSize < 1 {
		return errors.New("batch_size must be at least 1")
	}
	if q.MaxAttempts < 1 {
		return errors.New("max_attempts must be at least 1")
	}
	if q.Lease <= 0 {
		return errors.New("lease must be positive")
	}
	return nil
}

// Validate checks that rate limit values are non-negative.
func (r *RateLimits) Validate() error {
	if r.CreatePerMin < 0 {
		return errors.New("create_per_min must be non-negative")
	}
	if r.RetrievePerMin < 0 {
		return errors.New("retrieve_per_min must be non-negative")
	}
	if r.IngestPerMin < 0 {
		return errors.New("ingest_per_min must be non-negative")
	}
	return nil
}

// Schema returns the JSON schema of config.yaml.
func Schema() ([]byte, error) {
	r := jsonschema.Reflector{DoNotReference: true, AllowAdditionalProperties: false}
	s := r.Reflect(&Config{})
	s.Title = "hooktable configuration"
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Duration is a time.Duration written as a string such as "90s".
type Duration time.Duration

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// JSONSchema implements jsonschema.Reflector's custom type hook.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Pattern: `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`}
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
