package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/spotify/comet-core/internal/duration"
)

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	GracefulShutdown time.Duration `mapstructure:"graceful-shutdown"`
	ReadTimeout      time.Duration `mapstructure:"read-timeout"`
	WriteTimeout     time.Duration `mapstructure:"write-timeout"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	Development bool   `mapstructure:"development"`
}

type DBConfig struct {
	// DataSource is a connection URI. A postgres:// URI selects the
	// networked database, anything else is opened as an embedded
	// sqlite database (":memory:" for a file-less instance).
	DataSource  string `mapstructure:"data-source" validate:"required"`
	LogLevel    string `mapstructure:"log-level"`
	PrepareStmt bool   `mapstructure:"prepare-stmt"`
	Pool        struct {
		Enable             bool          `mapstructure:"enable"`
		MaxOpenConnections int           `mapstructure:"max-open-connections"`
		MaxIdleConnections int           `mapstructure:"max-idle-connections"`
		MaxLifetime        time.Duration `mapstructure:"max-lifetime"`
	} `mapstructure:"pool"`
}

type CacheConfig struct {
	MaxSize   int    `mapstructure:"max-size"`
	RedisAddr string `mapstructure:"redis-addr"`
	RedisPass string `mapstructure:"redis-pass"`
}

type APIConfig struct {
	// HMACSecret authenticates fingerprint action links (accept-risk,
	// snooze etc) embedded in notification emails.
	HMACSecret string `mapstructure:"hmac-secret" validate:"required"`
	JWTSecret  string `mapstructure:"jwt-secret"`
	// MetadataHeaders are request headers recorded on ignore records.
	MetadataHeaders []string      `mapstructure:"metadata-headers"`
	SnoozeDuration  time.Duration `mapstructure:"snooze-duration"`
	IngestRate      int           `mapstructure:"ingest-rate"`
	IngestBurst     int           `mapstructure:"ingest-burst"`
}

// BatchConfig holds the processing window parameters for one source type.
type BatchConfig struct {
	// DigestMode groups every live event of an owner into one
	// notification. When off, only new or reminder-due events are routed.
	DigestMode                bool          `mapstructure:"digest-mode"`
	EscalationReminderCadence time.Duration `mapstructure:"escalation-reminder-cadence"`
	EscalationTime            time.Duration `mapstructure:"escalation-time"`
	MaxWait                   time.Duration `mapstructure:"max-wait"`
	NewThreshold              time.Duration `mapstructure:"new-threshold"`
	OwnerReminderCadence      time.Duration `mapstructure:"owner-reminder-cadence"`
	WaitForMore               time.Duration `mapstructure:"wait-for-more"`
}

// BatchOverrides is a partial BatchConfig, applied on top of the defaults
// for a specific source type. Nil fields keep the default.
type BatchOverrides struct {
	DigestMode                *bool          `mapstructure:"digest-mode"`
	EscalationReminderCadence *time.Duration `mapstructure:"escalation-reminder-cadence"`
	EscalationTime            *time.Duration `mapstructure:"escalation-time"`
	MaxWait                   *time.Duration `mapstructure:"max-wait"`
	NewThreshold              *time.Duration `mapstructure:"new-threshold"`
	OwnerReminderCadence      *time.Duration `mapstructure:"owner-reminder-cadence"`
	WaitForMore               *time.Duration `mapstructure:"wait-for-more"`
}

// Apply returns a fresh copy of base with the overrides applied. The
// receiver and base are never mutated, each pass works on its own copy.
func (o *BatchOverrides) Apply(base BatchConfig) BatchConfig {
	if o == nil {
		return base
	}
	if o.DigestMode != nil {
		base.DigestMode = *o.DigestMode
	}
	if o.EscalationReminderCadence != nil {
		base.EscalationReminderCadence = *o.EscalationReminderCadence
	}
	if o.EscalationTime != nil {
		base.EscalationTime = *o.EscalationTime
	}
	if o.MaxWait != nil {
		base.MaxWait = *o.MaxWait
	}
	if o.NewThreshold != nil {
		base.NewThreshold = *o.NewThreshold
	}
	if o.OwnerReminderCadence != nil {
		base.OwnerReminderCadence = *o.OwnerReminderCadence
	}
	if o.WaitForMore != nil {
		base.WaitForMore = *o.WaitForMore
	}
	return base
}

// DefaultBatchConfig mirrors the historical processing defaults.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		DigestMode:                true,
		EscalationReminderCadence: 7 * 24 * time.Hour,
		EscalationTime:            10 * time.Second,
		MaxWait:                   4 * time.Second,
		NewThreshold:              7 * 24 * time.Hour,
		OwnerReminderCadence:      7 * 24 * time.Hour,
		WaitForMore:               3 * time.Second,
	}
}

type SchedulerConfig struct {
	PollInterval time.Duration             `mapstructure:"poll-interval"`
	Batch        BatchConfig               `mapstructure:"batch"`
	Sources      map[string]BatchOverrides `mapstructure:"sources"`
}

type AlertsConfig struct {
	ConfDir  string        `mapstructure:"conf-dir"`
	CacheTTL time.Duration `mapstructure:"cache-ttl"`
}

type CronJobConfig struct {
	Enable                 bool          `mapstructure:"enable"`
	BacklogReportInterval  time.Duration `mapstructure:"backlog-report-interval"`
	ExpiredIgnoresInterval time.Duration `mapstructure:"expired-ignores-interval"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LoggingConfig   `mapstructure:"log"`
	DB        DBConfig        `mapstructure:"db"`
	Cache     CacheConfig     `mapstructure:"cache"`
	API       APIConfig       `mapstructure:"api"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	CronJobs  CronJobConfig   `mapstructure:"cronjobs"`
}

type Loader struct {
	v *viper.Viper
}

func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

func StringToDurationHook() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		str, ok := data.(string)
		if !ok {
			return data, nil
		}
		return duration.ParseDuration(str)
	}
}

func (l *Loader) Initialize(cmd *cobra.Command) error {
	l.v.SetConfigType("toml")

	cfgFile := cmd.Flags().Lookup("config").Value.String()
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("error getting home directory: %w", err)
		}
		l.v.AddConfigPath(filepath.Join(home, ".comet"))
		l.v.AddConfigPath(".")
		l.v.SetConfigName("config")
	}

	l.v.SetEnvPrefix("comet")
	l.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

func (l *Loader) Load(cfg *Config) error {
	dc := &mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			StringToDurationHook(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           cfg,
	}

	decoder, err := mapstructure.NewDecoder(dc)
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(l.v.AllSettings()); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}

	return nil
}

func (l *Loader) Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// AddCommonFlags registers the flags shared by the run and check commands.
func AddCommonFlags(flags *pflag.FlagSet, cfg *Config) {
	flags.StringP("config", "c", "", "Config file path (default $HOME/.comet/config.toml)")

	flags.StringVar(&cfg.Log.Level, "log-level", zapcore.InfoLevel.String(), "Logging level")
	flags.StringVar(&cfg.Log.File, "log-file", "", "Logging file path")
	flags.BoolVar(&cfg.Log.Development, "log-development", false, "Colorized development logging")

	flags.IntVar(&cfg.Server.Port, "server-port", 5000, "API server port")
	duration.DurationVar(flags, &cfg.Server.GracefulShutdown, "server-graceful-shutdown", 10*time.Second, "Server graceful shutdown timeout")
	duration.DurationVar(flags, &cfg.Server.ReadTimeout, "server-read-timeout", 30*time.Second, "Server read timeout")
	duration.DurationVar(flags, &cfg.Server.WriteTimeout, "server-write-timeout", 30*time.Second, "Server write timeout")

	flags.StringVar(&cfg.DB.DataSource, "db-data-source", "file::memory:?cache=shared", "Database connection string")
	flags.StringVar(&cfg.DB.LogLevel, "db-log-level", zapcore.WarnLevel.String(), "Database log level")
	flags.BoolVar(&cfg.DB.PrepareStmt, "db-prepare-stmt", true, "Enable prepared statements")
	flags.BoolVar(&cfg.DB.Pool.Enable, "db-pool-enable", true, "Enable database pool")
	flags.IntVar(&cfg.DB.Pool.MaxOpenConnections, "db-pool-max-open-connections", 25, "Database max open connections")
	flags.IntVar(&cfg.DB.Pool.MaxIdleConnections, "db-pool-max-idle-connections", 25, "Database max idle connections")
	duration.DurationVar(flags, &cfg.DB.Pool.MaxLifetime, "db-pool-max-lifetime", 10*time.Minute, "Database max connection lifetime")

	flags.IntVar(&cfg.Cache.MaxSize, "cache-max-size", 8*1024*1024, "Max cache size in bytes for in-memory cache")
	flags.StringVar(&cfg.Cache.RedisAddr, "cache-redis-addr", "", "Redis address, in-memory cache is used when empty")
	flags.StringVar(&cfg.Cache.RedisPass, "cache-redis-pass", "", "Redis password")

	flags.StringVar(&cfg.API.HMACSecret, "api-hmac-secret", "", "Secret for fingerprint action link tokens")
	flags.StringVar(&cfg.API.JWTSecret, "api-jwt-secret", "", "Secret for JWT bearer auth on POST endpoints")
	flags.StringSliceVar(&cfg.API.MetadataHeaders, "api-metadata-headers", []string{"User-Agent", "X-Forwarded-For"}, "Request headers recorded on interactions")
	duration.DurationVar(flags, &cfg.API.SnoozeDuration, "api-snooze-duration", 30*24*time.Hour, "How long a snooze suppresses a fingerprint")
	flags.IntVar(&cfg.API.IngestRate, "api-ingest-rate", 100, "Ingest endpoint rate limit per second")
	flags.IntVar(&cfg.API.IngestBurst, "api-ingest-burst", 200, "Ingest endpoint rate limit burst")

	duration.DurationVar(flags, &cfg.Scheduler.PollInterval, "scheduler-poll-interval", 100*time.Millisecond, "Sleep between scheduler passes")
	batch := DefaultBatchConfig()
	flags.BoolVar(&cfg.Scheduler.Batch.DigestMode, "scheduler-batch-digest-mode", batch.DigestMode, "Group all live events of an owner into one notification")
	duration.DurationVar(flags, &cfg.Scheduler.Batch.EscalationReminderCadence, "scheduler-batch-escalation-reminder-cadence", batch.EscalationReminderCadence, "Minimum time between escalations per source type")
	duration.DurationVar(flags, &cfg.Scheduler.Batch.EscalationTime, "scheduler-batch-escalation-time", batch.EscalationTime, "Age of an issue before it escalates")
	duration.DurationVar(flags, &cfg.Scheduler.Batch.MaxWait, "scheduler-batch-max-wait", batch.MaxWait, "Max time to hold a batch since its earliest event")
	duration.DurationVar(flags, &cfg.Scheduler.Batch.NewThreshold, "scheduler-batch-new-threshold", batch.NewThreshold, "Silence after which a recurring issue counts as new again")
	duration.DurationVar(flags, &cfg.Scheduler.Batch.OwnerReminderCadence, "scheduler-batch-owner-reminder-cadence", batch.OwnerReminderCadence, "How often owners are reminded of open issues")
	duration.DurationVar(flags, &cfg.Scheduler.Batch.WaitForMore, "scheduler-batch-wait-for-more", batch.WaitForMore, "Quiet period before a batch is considered settled")

	flags.StringVar(&cfg.Alerts.ConfDir, "alerts-conf-dir", "", "Directory with per source type alert configuration files")
	duration.DurationVar(flags, &cfg.Alerts.CacheTTL, "alerts-cache-ttl", 5*time.Minute, "How long alert configurations are cached")

	flags.BoolVar(&cfg.CronJobs.Enable, "cronjobs-enable", true, "Enable periodic reporting jobs")
	duration.DurationVar(flags, &cfg.CronJobs.BacklogReportInterval, "cronjobs-backlog-report-interval", time.Hour, "How often the unprocessed backlog is reported")
	duration.DurationVar(flags, &cfg.CronJobs.ExpiredIgnoresInterval, "cronjobs-expired-ignores-interval", 24*time.Hour, "How often expired ignores are reported")
}
