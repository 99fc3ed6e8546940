// Package config loads runner configuration from the environment and an
// optional layered YAML file, validating it per the startup rules before
// the runner does anything else.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// CrashStatus selects what server-side status a non-completed terminal
// outcome (timeout, crash) maps to. Left as an explicit choice rather than
// a guess — see DESIGN.md.
type CrashStatus string

const (
	CrashStatusBlocked CrashStatus = "blocked"
	CrashStatusFailed  CrashStatus = "failed"
)

// Config is the runner's full, validated configuration.
type Config struct {
	TaskService TaskServiceConfig
	Runner      RunnerConfig
	Admin       AdminConfig
	EventBus    EventBusConfig
	LogLevel    string
}

type TaskServiceConfig struct {
	BaseURL    string
	APITimeout time.Duration
}

type RunnerConfig struct {
	PollInterval       time.Duration
	TaskPollInterval   time.Duration
	MaxParallel        int
	MaxTotalProcesses  int
	MemoryThresholdPct int
	IdleThreshold      time.Duration
	TaskTimeout        time.Duration
	GracefulTimeout    time.Duration
	ForceKillTimeout   time.Duration
	StateDir           string
	LogDir             string
	WorkDir            string
	CrashStatus        CrashStatus
	StartPaused        bool
	Debug              bool
}

type AdminConfig struct {
	Enabled      bool
	Host         string
	Port         int
	AuthEnabled  bool
	JWTSecret    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type EventBusConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Load reads environment variables layered over an optional YAML config
// file, applies defaults, and validates the result. A key is overridden by
// RUNNER_ followed by the upper-cased key with "." replaced by "_" (so
// runner.maxparallel is read from RUNNER_RUNNER_MAXPARALLEL); durations are
// Go duration strings such as "30s", and a bare number is read as
// nanoseconds. BRAIN_API_URL, RUNNER_CRASH_STATUS, RUNNER_EVENTS_REDIS_ADDR
// and RUNNER_ADMIN_AUTH_ENABLED are also bound by name. Other short names
// such as RUNNER_MAX_PARALLEL or RUNNER_POLL_INTERVAL are not read.
// Configuration failure is fatal and must fail loudly, listing every rule
// violated.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/taskrunner")

	setDefaults(v)

	v.SetEnvPrefix("RUNNER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	// BRAIN_API_URL names an external service and deliberately carries no
	// RUNNER_ prefix.
	_ = v.BindEnv("taskservice.baseurl", "BRAIN_API_URL")
	_ = v.BindEnv("runner.crashstatus", "RUNNER_CRASH_STATUS")
	_ = v.BindEnv("events.redisaddr", "RUNNER_EVENTS_REDIS_ADDR")
	_ = v.BindEnv("admin.authenabled", "RUNNER_ADMIN_AUTH_ENABLED")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		TaskService: TaskServiceConfig{
			BaseURL:    v.GetString("taskservice.baseurl"),
			APITimeout: v.GetDuration("taskservice.apitimeout"),
		},
		Runner: RunnerConfig{
			PollInterval:       v.GetDuration("runner.pollinterval"),
			TaskPollInterval:   v.GetDuration("runner.taskpollinterval"),
			MaxParallel:        v.GetInt("runner.maxparallel"),
			MaxTotalProcesses:  v.GetInt("runner.maxtotalprocesses"),
			MemoryThresholdPct: v.GetInt("runner.memorythresholdpercent"),
			IdleThreshold:      v.GetDuration("runner.idlethreshold"),
			TaskTimeout:        v.GetDuration("runner.tasktimeout"),
			GracefulTimeout:    v.GetDuration("runner.gracefultimeout"),
			ForceKillTimeout:   v.GetDuration("runner.forcekilltimeout"),
			StateDir:           v.GetString("runner.statedir"),
			LogDir:             v.GetString("runner.logdir"),
			WorkDir:            v.GetString("runner.workdir"),
			CrashStatus:        CrashStatus(v.GetString("runner.crashstatus")),
			StartPaused:        v.GetBool("runner.startpaused"),
			Debug:              v.GetBool("debug"),
		},
		Admin: AdminConfig{
			Enabled:      v.GetBool("admin.enabled"),
			Host:         v.GetString("admin.host"),
			Port:         v.GetInt("admin.port"),
			AuthEnabled:  v.GetBool("admin.authenabled"),
			JWTSecret:    v.GetString("admin.jwtsecret"),
			ReadTimeout:  v.GetDuration("admin.readtimeout"),
			WriteTimeout: v.GetDuration("admin.writetimeout"),
		},
		EventBus: EventBusConfig{
			RedisAddr:     v.GetString("events.redisaddr"),
			RedisPassword: v.GetString("events.redispassword"),
			RedisDB:       v.GetInt("events.redisdb"),
		},
		LogLevel: v.GetString("loglevel"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("taskservice.baseurl", "http://localhost:3333")
	v.SetDefault("taskservice.apitimeout", 5*time.Second)

	v.SetDefault("runner.pollinterval", 30*time.Second)
	v.SetDefault("runner.taskpollinterval", 5*time.Second)
	v.SetDefault("runner.maxparallel", 2)
	v.SetDefault("runner.maxtotalprocesses", 10)
	v.SetDefault("runner.memorythresholdpercent", 10)
	v.SetDefault("runner.idlethreshold", 60*time.Second)
	v.SetDefault("runner.tasktimeout", 30*time.Minute)
	v.SetDefault("runner.gracefultimeout", 30*time.Second)
	v.SetDefault("runner.forcekilltimeout", 5*time.Second)
	v.SetDefault("runner.statedir", "./.runner/state")
	v.SetDefault("runner.logdir", "./.runner/logs")
	v.SetDefault("runner.workdir", ".")
	v.SetDefault("runner.crashstatus", string(CrashStatusBlocked))
	v.SetDefault("runner.startpaused", false)
	v.SetDefault("debug", false)

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.host", "0.0.0.0")
	v.SetDefault("admin.port", 8088)
	v.SetDefault("admin.authenabled", false)
	v.SetDefault("admin.jwtsecret", "")
	v.SetDefault("admin.readtimeout", 15*time.Second)
	v.SetDefault("admin.writetimeout", 15*time.Second)

	v.SetDefault("events.redisaddr", "")
	v.SetDefault("events.redispassword", "")
	v.SetDefault("events.redisdb", 0)

	v.SetDefault("loglevel", "info")
}

// validate applies the startup rules of spec.md §6 and returns every
// violation in a single error.
func (c *Config) validate() error {
	var problems []string

	r := c.Runner
	if r.MaxParallel < 1 || r.MaxParallel > 100 {
		problems = append(problems, fmt.Sprintf("maxParallel must be in [1,100], got %d", r.MaxParallel))
	}
	if r.MaxTotalProcesses < 1 || r.MaxTotalProcesses > 100 {
		problems = append(problems, fmt.Sprintf("maxTotalProcesses must be in [1,100], got %d", r.MaxTotalProcesses))
	}
	if r.MemoryThresholdPct < 0 || r.MemoryThresholdPct > 100 {
		problems = append(problems, fmt.Sprintf("memoryThresholdPercent must be in [0,100], got %d", r.MemoryThresholdPct))
	}
	if r.MaxTotalProcesses < r.MaxParallel {
		problems = append(problems, fmt.Sprintf("maxTotalProcesses (%d) must be >= maxParallel (%d)", r.MaxTotalProcesses, r.MaxParallel))
	}
	if r.PollInterval < time.Second {
		problems = append(problems, fmt.Sprintf("pollInterval must be >= 1s, got %s", r.PollInterval))
	}
	if r.TaskPollInterval < time.Second {
		problems = append(problems, fmt.Sprintf("taskPollInterval must be >= 1s, got %s", r.TaskPollInterval))
	}
	for name, d := range map[string]time.Duration{
		"idleThreshold":    r.IdleThreshold,
		"taskTimeout":      r.TaskTimeout,
		"gracefulTimeout":  r.GracefulTimeout,
		"forceKillTimeout": r.ForceKillTimeout,
		"apiTimeout":       c.TaskService.APITimeout,
	} {
		if d < 0 {
			problems = append(problems, fmt.Sprintf("%s must be non-negative, got %s", name, d))
		}
	}
	if r.CrashStatus != CrashStatusBlocked && r.CrashStatus != CrashStatusFailed {
		problems = append(problems, fmt.Sprintf("crashStatus must be %q or %q, got %q", CrashStatusBlocked, CrashStatusFailed, r.CrashStatus))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
