// Package config loads the YAML configuration of a sync session.
//
// A document is decoded twice: once into a generic tree that is unified
// with the embedded CUE schema, and once into Config. Schema violations
// are reported with CUE's messages; the Go pass only adds the checks CUE
// cannot express on duration strings.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/usersync/internal/auth"
	"github.com/roach88/usersync/internal/engine"
	"github.com/roach88/usersync/internal/executor"
	"github.com/roach88/usersync/internal/transport"
)

//go:embed schema.cue
var schemaSource string

// Error codes.
const (
	ErrCodeRead    = "C001" // file could not be read
	ErrCodeParse   = "C002" // not valid YAML
	ErrCodeSchema  = "C003" // rejected by the schema
	ErrCodeInvalid = "C004" // semantically invalid value
)

// Error is returned by Load and Parse.
type Error struct {
	Code    string
	Path    string // dotted field path, empty for document-level errors
	Message string
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsSchemaError reports whether err was produced by schema validation.
func IsSchemaError(err error) bool {
	var cerr *Error
	return errors.As(err, &cerr) && cerr.Code == ErrCodeSchema
}

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Breaker tunes the circuit breaker in front of the HTTP client.
type Breaker struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
}

// Config is the effective configuration of a session.
type Config struct {
	AppID                    string   `yaml:"app_id"`
	APIBaseURL               string   `yaml:"api_base_url"`
	Database                 string   `yaml:"database"`
	IdentityVerification     string   `yaml:"identity_verification"`
	CoolOff                  Duration `yaml:"cool_off"`
	FlushInterval            Duration `yaml:"flush_interval"`
	LiveActivityPollInterval Duration `yaml:"live_activity_poll_interval"`
	RequestTimeout           Duration `yaml:"request_timeout"`
	Breaker                  Breaker  `yaml:"breaker"`
	LogLevel                 string   `yaml:"log_level"`
}

// Default returns the configuration used for every field a document
// leaves out. AppID has no default.
func Default() Config {
	b := transport.DefaultBreakerConfig()
	return Config{
		APIBaseURL:               transport.DefaultBaseURL,
		Database:                 ":memory:",
		IdentityVerification:     "off",
		CoolOff:                  Duration(engine.DefaultCoolOff),
		FlushInterval:            Duration(engine.DefaultFlushInterval),
		LiveActivityPollInterval: Duration(executor.DefaultPollInterval),
		RequestTimeout:           Duration(30 * time.Second),
		Breaker: Breaker{
			MaxRequests:         b.MaxRequests,
			Interval:            Duration(b.Interval),
			Timeout:             Duration(b.Timeout),
			ConsecutiveFailures: b.ConsecutiveFailures,
		},
		LogLevel: "info",
	}
}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Code: ErrCodeRead, Message: err.Error()}
	}
	return Parse(data)
}

// Parse validates a YAML document and returns it merged over Default.
func Parse(data []byte) (*Config, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &Error{Code: ErrCodeParse, Message: err.Error()}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := checkSchema(doc); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &Error{Code: ErrCodeParse, Message: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func checkSchema(doc any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config: compiling schema: %w", err)
	}

	value := ctx.Encode(doc)
	if err := value.Err(); err != nil {
		return &Error{Code: ErrCodeParse, Message: err.Error()}
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		errs := cueerrors.Errors(err)
		if len(errs) == 0 {
			return &Error{Code: ErrCodeSchema, Message: err.Error()}
		}
		first := errs[0]
		format, args := first.Msg()
		return &Error{
			Code:    ErrCodeSchema,
			Path:    strings.Join(first.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		}
	}
	return nil
}

// Validate checks the constraints the schema leaves to Go.
func (c *Config) Validate() error {
	positive := []struct {
		name string
		d    Duration
	}{
		{"flush_interval", c.FlushInterval},
		{"live_activity_poll_interval", c.LiveActivityPollInterval},
		{"request_timeout", c.RequestTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return &Error{Code: ErrCodeInvalid, Path: p.name, Message: "must be greater than zero"}
		}
	}
	if c.CoolOff < 0 {
		return &Error{Code: ErrCodeInvalid, Path: "cool_off", Message: "must not be negative"}
	}
	if _, ok := auth.ParseRequirement(c.IdentityVerification); !ok {
		return &Error{Code: ErrCodeInvalid, Path: "identity_verification", Message: fmt.Sprintf("unknown value %q", c.IdentityVerification)}
	}
	return nil
}

// Requirement returns the identity verification requirement.
func (c *Config) Requirement() auth.Requirement {
	req, _ := auth.ParseRequirement(c.IdentityVerification)
	return req
}

// BreakerConfig converts the breaker section for the HTTP client.
func (c *Config) BreakerConfig() transport.BreakerConfig {
	return transport.BreakerConfig{
		MaxRequests:         c.Breaker.MaxRequests,
		Interval:            c.Breaker.Interval.Std(),
		Timeout:             c.Breaker.Timeout.Std(),
		ConsecutiveFailures: c.Breaker.ConsecutiveFailures,
	}
}

// Level returns the slog level named by LogLevel.
func (c *Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Encode renders c as YAML.
func (c *Config) Encode() ([]byte, error) {
	return yaml.Marshal(c)
}
