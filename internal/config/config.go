package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"

	"meridian/internal/domain"
)

const envPrefix = "MERIDIAN_"

// LoadDotEnv loads a .env file into the process environment. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Decode parses a JSON or YAML document. Unknown fields are rejected.
func Decode(path string, data []byte) (*Config, error) {
	j, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}
	var c Config
	dec := json.NewDecoder(bytes.NewReader(j))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &c, nil
}

// ApplyEnv overrides selected fields from MERIDIAN_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(envPrefix + name)); v != "" {
			*dst = v
		}
	}
	set("NODE_ID", &c.NodeID)
	set("LOG_LEVEL", &c.Log.Level)
	set("LOG_FORMAT", &c.Log.Format)
	set("STORE_DRIVER", &c.Store.Driver)
	set("STORE_DSN", &c.Store.DSN)
	set("API_ADDR", &c.API.Addr)
	if v := strings.TrimSpace(getenv(envPrefix + "REGIONS")); v != "" {
		c.Regions = nil
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				c.Regions = append(c.Regions, r)
			}
		}
	}
}

// Resolve applies defaults and validates the configuration. All problems are reported together.
func (c *Config) Resolve() (*Settings, error) {
	var (
		s    Settings
		errs *multierror.Error
	)
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		return d
	}

	s.NodeID = c.NodeID
	if s.NodeID == "" {
		host, _ := os.Hostname()
		s.NodeID = host
	}
	if s.NodeID == "" {
		s.NodeID = "meridian"
	}

	s.Log = c.Log
	if s.Log.Level == "" {
		s.Log.Level = "info"
	}
	switch s.Log.Format {
	case "":
		s.Log.Format = "console"
	case "console", "json":
	default:
		errs = multierror.Append(errs, fmt.Errorf("log.format: unknown format %q", s.Log.Format))
	}

	s.Store.Driver = strings.ToLower(c.Store.Driver)
	if s.Store.Driver == "" {
		s.Store.Driver = "sqlite"
	}
	s.Store.DSN = c.Store.DSN
	switch s.Store.Driver {
	case "sqlite":
		if s.Store.DSN == "" {
			path := c.Store.Path
			if path == "" {
				path = "meridian.db"
			}
			s.Store.DSN = path
		}
	case "postgres":
		if s.Store.DSN == "" {
			errs = multierror.Append(errs, errors.New("store.dsn: required for postgres"))
		}
	default:
		errs = multierror.Append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	s.Store.Timeout = dur("store.timeout", c.Store.Timeout, 5*time.Second)

	s.Regions = c.Regions
	if len(s.Regions) == 0 {
		s.Regions = []string{"default"}
	}
	known := make(map[string]bool, len(s.Regions))
	for _, r := range s.Regions {
		if known[r] {
			errs = multierror.Append(errs, fmt.Errorf("regions: duplicate region %q", r))
		}
		known[r] = true
	}
	s.Failover = c.Failover
	for from, to := range s.Failover {
		if !known[from] || !known[to] {
			errs = multierror.Append(errs, fmt.Errorf("failover: %s -> %s names an unknown region", from, to))
		}
		if from == to {
			errs = multierror.Append(errs, fmt.Errorf("failover: %s fails over to itself", from))
		}
	}

	s.Queue = c.Queue
	switch s.Queue.Backend {
	case "":
		s.Queue.Backend = "sql"
	case "sql", "memory":
	default:
		errs = multierror.Append(errs, fmt.Errorf("queue.backend: unknown backend %q", s.Queue.Backend))
	}

	s.Scheduler.Interval = dur("scheduler.interval", c.Scheduler.Interval, time.Second)
	s.Scheduler.Lease = dur("scheduler.lease", c.Scheduler.Lease, 30*time.Second)
	s.Scheduler.BatchSize = orInt(c.Scheduler.BatchSize, 50)
	s.Scheduler.ClaimRate = c.Scheduler.ClaimRate
	if s.Scheduler.ClaimRate < 0 {
		errs = multierror.Append(errs, errors.New("scheduler.claim_rate: must be >= 0"))
	}

	s.Cron.Interval = dur("cron.interval", c.Cron.Interval, time.Minute)
	s.Cron.MaxCatchUp = c.Cron.MaxCatchUp
	if s.Cron.MaxCatchUp < 0 {
		errs = multierror.Append(errs, errors.New("cron.max_catch_up: must be >= 0"))
	}

	w := c.Worker
	s.Worker.Size = orInt(w.Size, 4)
	s.Worker.ReserveShare = w.ReserveShare
	if s.Worker.ReserveShare < 0 || s.Worker.ReserveShare >= 1 {
		errs = multierror.Append(errs, fmt.Errorf("worker.reserve_share: %v not in [0,1)", w.ReserveShare))
	}
	s.Worker.PollInterval = dur("worker.poll_interval", w.PollInterval, time.Second)
	s.Worker.Lease = dur("worker.lease", w.Lease, 30*time.Second)
	s.Worker.Heartbeat = dur("worker.heartbeat", w.Heartbeat, s.Worker.Lease/3)
	if s.Worker.Heartbeat >= s.Worker.Lease {
		errs = multierror.Append(errs, errors.New("worker.heartbeat: must be shorter than worker.lease"))
	}
	s.Worker.HandlerTimeout = dur("worker.handler_timeout", w.HandlerTimeout, 0)
	s.Worker.RetryBase = dur("worker.retry_base", w.RetryBase, time.Second)
	s.Worker.RetryMax = dur("worker.retry_max", w.RetryMax, 5*time.Minute)
	s.Worker.RetryJitter = w.RetryJitter
	if s.Worker.RetryJitter < 0 || s.Worker.RetryJitter > 1 {
		errs = multierror.Append(errs, errors.New("worker.retry_jitter: must be in [0,1]"))
	}

	s.Sweeper.Interval = dur("sweeper.interval", c.Sweeper.Interval, 10*time.Second)
	s.Sweeper.BatchSize = orInt(c.Sweeper.BatchSize, 100)

	s.API = c.API
	if s.API.Addr == "" {
		s.API.Addr = ":8080"
	}

	seen := make(map[string]bool, len(c.Definitions))
	for i, dc := range c.Definitions {
		if dc.Region == "" {
			dc.Region = s.Regions[0]
		}
		d, err := dc.Definition()
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("definitions[%d]: %w", i, err))
			continue
		}
		if seen[d.ID] {
			errs = multierror.Append(errs, fmt.Errorf("definitions[%d]: duplicate id %q", i, d.ID))
		}
		seen[d.ID] = true
		if !known[d.Region] {
			errs = multierror.Append(errs, fmt.Errorf("definitions[%d]: unknown region %q", i, d.Region))
		}
		s.Definitions = append(s.Definitions, d)
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Definition converts the seed entry into a domain definition.
func (d DefinitionConfig) Definition() (domain.Definition, error) {
	def := domain.Definition{
		ID:          d.ID,
		Kind:        d.Kind,
		Payload:     d.Payload,
		Region:      d.Region,
		MaxAttempts: d.MaxAttempts,
		Recurrence:  d.Recurrence,
		CatchUp:     true,
		DependsOn:   d.DependsOn,
	}
	if d.CatchUp != nil {
		def.CatchUp = *d.CatchUp
	}
	if def.MaxAttempts == 0 {
		def.MaxAttempts = 3
	}
	if len(def.Payload) == 0 {
		def.Payload = json.RawMessage(`{}`)
	}
	p, err := domain.ParsePriority(d.Priority)
	if err != nil {
		return def, fmt.Errorf("%w: %v", domain.ErrInvalidDefinition, err)
	}
	def.Priority = p
	if def.Recurring() {
		if _, err := domain.ParseRecurrence(def.Recurrence); err != nil {
			return def, err
		}
	}
	return def, def.Validate()
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
