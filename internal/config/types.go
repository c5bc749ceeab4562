package config

import (
	"encoding/json"
	"time"

	"meridian/internal/domain"
)

// Config is the on-disk configuration. Durations are strings ("30s") resolved by Resolve.
type Config struct {
	NodeID      string             `json:"node_id"`
	Log         LogConfig          `json:"log"`
	Store       StoreConfig        `json:"store"`
	Regions     []string           `json:"regions"`
	Failover    map[string]string  `json:"failover"`
	Queue       QueueConfig        `json:"queue"`
	Scheduler   SchedulerConfig    `json:"scheduler"`
	Cron        CronConfig         `json:"cron"`
	Worker      WorkerConfig       `json:"worker"`
	Sweeper     SweeperConfig      `json:"sweeper"`
	API         APIConfig          `json:"api"`
	Definitions []DefinitionConfig `json:"definitions"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // console or json
}

type StoreConfig struct {
	Driver  string `json:"driver"` // sqlite or postgres
	DSN     string `json:"dsn"`
	Path    string `json:"path"` // sqlite file when dsn is empty
	Timeout string `json:"timeout"`
}

type QueueConfig struct {
	Backend string `json:"backend"` // memory or sql
}

type SchedulerConfig struct {
	Interval  string  `json:"interval"`
	BatchSize int     `json:"batch_size"`
	Lease     string  `json:"lease"`
	ClaimRate float64 `json:"claim_rate"`
}

type CronConfig struct {
	Interval   string `json:"interval"`
	MaxCatchUp int    `json:"max_catch_up"`
}

type WorkerConfig struct {
	Size           int     `json:"size"`
	ReserveShare   float64 `json:"reserve_share"`
	PollInterval   string  `json:"poll_interval"`
	Lease          string  `json:"lease"`
	Heartbeat      string  `json:"heartbeat"`
	HandlerTimeout string  `json:"handler_timeout"`
	RetryBase      string  `json:"retry_base"`
	RetryMax       string  `json:"retry_max"`
	RetryJitter    float64 `json:"retry_jitter"`
}

type SweeperConfig struct {
	Interval  string `json:"interval"`
	BatchSize int    `json:"batch_size"`
}

type APIConfig struct {
	Addr  string `json:"addr"`
	Pprof bool   `json:"pprof"`
}

// DefinitionConfig seeds a task definition at startup.
type DefinitionConfig struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Region      string          `json:"region"`
	Priority    string          `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
	Recurrence  string          `json:"recurrence"`
	// CatchUp defaults to true.
	CatchUp   *bool    `json:"catch_up"`
	DependsOn []string `json:"depends_on"`
}

// Settings is a validated Config with defaults applied and durations parsed.
type Settings struct {
	NodeID   string
	Log      LogConfig
	Store    StoreSettings
	Regions  []string
	Failover map[string]string
	Queue    QueueConfig

	Scheduler struct {
		Interval  time.Duration
		BatchSize int
		Lease     time.Duration
		ClaimRate float64
	}
	Cron struct {
		Interval   time.Duration
		MaxCatchUp int
	}
	Worker struct {
		Size           int
		ReserveShare   float64
		PollInterval   time.Duration
		Lease          time.Duration
		Heartbeat      time.Duration
		HandlerTimeout time.Duration
		RetryBase      time.Duration
		RetryMax       time.Duration
		RetryJitter    float64
	}
	Sweeper struct {
		Interval  time.Duration
		BatchSize int
	}
	API         APIConfig
	Definitions []domain.Definition
}

type StoreSettings struct {
	Driver  string
	DSN     string
	Timeout time.Duration
}
