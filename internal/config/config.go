// Package config loads and validates the engine's single configuration
// record. All options recognized by the engine live on Config or one of
// its nested sections; loading goes through Viper so the same option can
// be set by environment variable, config file, or an explicit default, in
// that order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default values for options that aren't provided by the environment or a
// config file.
const (
	DefaultMQTTPort               = 1883
	DefaultDBPort                 = 5432
	DefaultGeofenceRadiusM        = 100.0
	DefaultMaxMonitoredGeofences  = 20
	DefaultLocationUpdateInterval = 5 * time.Second
	DefaultHeartbeatInterval      = 0 * time.Second // 0 disables heartbeat
	DefaultStopTimeout            = 1 * time.Minute
	DefaultStationaryRadiusM      = 25.0
	DefaultSpeedJumpFilterMps     = 50.0
	DefaultDesiredAccuracy        = "high"
	DefaultMaxBatchSize           = 50
	DefaultMaxRetry               = 5
	DefaultRetryDelay             = 10 * time.Second
	DefaultRetryBackoff           = 2.0
	DefaultMaxRetryDelay          = 5 * time.Minute
	DefaultAdminListenAddr        = ":8090"
	DefaultAdminRateLimit         = "100/minute"
	DefaultRedisOccupancyTTL      = 10 * time.Minute
	DefaultCircuitBreakerMaxReqs  = 3
	DefaultCircuitBreakerInterval = 60 * time.Second
	DefaultCircuitBreakerTimeout  = 30 * time.Second
)

// MQTTConfig carries the outward event-stream broker connection parameters.
type MQTTConfig struct {
	BrokerURL    string
	ClientID     string
	Username     string
	Password     string
	TopicPrefix  string
	QoS          int
	TLSEnabled   bool
	RetryCount   int
	RetryBackoff time.Duration
}

// DatabaseConfig carries the TimescaleDB/pgx connection parameters shared by
// every store.
type DatabaseConfig struct {
	Host               string
	Port               int
	Database           string
	Username           string
	Password           string
	SSLMode            string
	MaxConnections     int
	ConnectionTimeout  time.Duration
	ChunkInterval      time.Duration
	CompressionEnabled bool
	RetentionEnabled   bool
	RetentionPeriod    time.Duration
}

// RedisConfig carries the connection parameters for the occupancy mirror and
// sync idempotency dedup cache.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	OccupancyTTL time.Duration
}

// MotionConfig governs the tracking state machine and filter chain.
type MotionConfig struct {
	DesiredAccuracy            string
	DistanceFilterM            float64
	LocationUpdateInterval     time.Duration
	StopTimeout                time.Duration
	StationaryRadiusM          float64
	SpeedJumpFilterMps         float64
	DisableStopDetection       bool
	DisableMotionActivity      bool
	TriggerActivities          []string
	MinActivityConfidence      int
	MotionTriggerDelay         time.Duration
	StopDetectionDelay         time.Duration
	HeartbeatInterval          time.Duration
	DesiredOdometerAccuracyM   float64
	SuppressMockLocations      bool
}

// PersistConfig governs which accepted fixes are written to LocationStore
// and the pruning caps applied to every store.
type PersistConfig struct {
	Mode               string // none / location / geofence / all
	MaxDaysToPersist   int
	MaxRecordsToPersist int
	QueueMaxDays       int
	QueueMaxRecords    int
}

// SyncConfig governs the outbound HTTP sync pipeline.
type SyncConfig struct {
	URL                        string
	Headers                    map[string]string
	HTTPRootProperty           string
	Extras                     map[string]string
	AutoSync                   bool
	BatchSync                  bool
	MaxBatchSize               int
	AutoSyncThreshold          int
	MaxRetry                   int
	RetryDelay                 time.Duration
	RetryBackoff               float64
	MaxRetryDelay              time.Duration
	IdempotencyHeader          string
	DisableAutoSyncOnCellular  bool
	CircuitBreakerMaxRequests  uint32
	CircuitBreakerInterval     time.Duration
	CircuitBreakerTimeout      time.Duration
}

// SpeedTier names a band of the AdaptiveController's speed-tier lookup.
type SpeedTier struct {
	Name            string
	MaxSpeedMps     float64
	DesiredAccuracy string
	UpdateInterval  time.Duration
	HeartbeatInterval time.Duration
}

// AdaptiveConfig governs the AdaptiveController's decision precedence.
type AdaptiveConfig struct {
	CriticalBatteryThreshold float64
	LowBatteryThreshold      float64
	StationaryDelay          time.Duration
	StationaryGPSOff         bool
	GeofenceOptimization     bool
	SpeedTiers               []SpeedTier
}

// RecoveryConfig governs ErrorRecovery's retry policy.
type RecoveryConfig struct {
	MaxRetries    int
	RetryDelay    time.Duration
	RetryBackoff  float64
	MaxRetryDelay time.Duration
	AutoRetryKinds []string
	IgnoreKinds    []string
}

// GeofenceConfig governs GeofenceEngine capacity and restart semantics.
type GeofenceConfig struct {
	MaxMonitoredGeofences int
	InitialTrigger        bool
	BboxPrefilterAbove    int
}

// TripConfig governs TripEngine defaults.
type TripConfig struct {
	StartOnMoving                bool
	StartDistanceM               float64
	StartSpeedKph                float64
	StationarySpeedKph           float64
	UpdateIntervalSeconds        int
	DwellMinutes                 float64
	RouteDeviationThresholdM     float64
	RouteDeviationCooldownSeconds int
	StopOnStationary             bool
	StopTimeoutMinutes           float64
}

// ScheduleWindow is a single HH:MM-HH:MM time-of-day window during which
// tracking is enabled.
type ScheduleWindow struct {
	Start string
	End   string
}

// AdminConfig governs the administrative/status HTTP+WebSocket surface.
type AdminConfig struct {
	ListenAddr string
	RateLimit  string
}

// LoggingConfig governs the logging backend's verbosity and retention.
type LoggingConfig struct {
	Level      string
	MaxDays    int
}

// Config is the engine's single configuration record. It is loaded once via
// Load, then mutated only through SetConfig's merge-and-revalidate path; the
// zero value is not valid (Validate rejects it).
type Config struct {
	MQTT      MQTTConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Motion    MotionConfig
	Persist   PersistConfig
	Sync      SyncConfig
	Adaptive  AdaptiveConfig
	Recovery  RecoveryConfig
	Geofence  GeofenceConfig
	Trip      TripConfig
	Schedule  []ScheduleWindow
	Admin     AdminConfig
	Logging   LoggingConfig
}

// Load reads configuration from environment variables (prefixed GEOENGINE_)
// and, if present, an optional config file, applying defaults for anything
// unset, then validates the result.
func Load(configFileName string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GEOENGINE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if configFileName != "" {
		v.SetConfigFile(configFileName)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: reading config file: %w", err)
			}
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "geoengine")
	v.SetDefault("mqtt.topic_prefix", "geoengine")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.retry_count", 3)
	v.SetDefault("mqtt.retry_backoff", 5*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", DefaultDBPort)
	v.SetDefault("database.database", "geoengine")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_connections", 20)
	v.SetDefault("database.connection_timeout", 10*time.Second)
	v.SetDefault("database.chunk_interval", 24*time.Hour)
	v.SetDefault("database.compression_enabled", true)
	v.SetDefault("database.retention_enabled", true)
	v.SetDefault("database.retention_period", 90*24*time.Hour)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.occupancy_ttl", DefaultRedisOccupancyTTL)

	v.SetDefault("motion.desired_accuracy", DefaultDesiredAccuracy)
	v.SetDefault("motion.distance_filter_m", 10.0)
	v.SetDefault("motion.location_update_interval", DefaultLocationUpdateInterval)
	v.SetDefault("motion.stop_timeout", DefaultStopTimeout)
	v.SetDefault("motion.stationary_radius_m", DefaultStationaryRadiusM)
	v.SetDefault("motion.speed_jump_filter_mps", DefaultSpeedJumpFilterMps)
	v.SetDefault("motion.min_activity_confidence", 70)
	v.SetDefault("motion.heartbeat_interval", DefaultHeartbeatInterval)
	v.SetDefault("motion.desired_odometer_accuracy_m", 30.0)
	v.SetDefault("motion.suppress_mock_locations", false)

	v.SetDefault("persist.mode", "all")
	v.SetDefault("persist.max_days_to_persist", 30)
	v.SetDefault("persist.max_records_to_persist", 100000)
	v.SetDefault("persist.queue_max_days", 7)
	v.SetDefault("persist.queue_max_records", 10000)

	v.SetDefault("sync.max_batch_size", DefaultMaxBatchSize)
	v.SetDefault("sync.auto_sync_threshold", 10)
	v.SetDefault("sync.max_retry", DefaultMaxRetry)
	v.SetDefault("sync.retry_delay", DefaultRetryDelay)
	v.SetDefault("sync.retry_backoff", DefaultRetryBackoff)
	v.SetDefault("sync.max_retry_delay", DefaultMaxRetryDelay)
	v.SetDefault("sync.circuit_breaker_max_requests", DefaultCircuitBreakerMaxReqs)
	v.SetDefault("sync.circuit_breaker_interval", DefaultCircuitBreakerInterval)
	v.SetDefault("sync.circuit_breaker_timeout", DefaultCircuitBreakerTimeout)

	v.SetDefault("adaptive.critical_battery_threshold", 5.0)
	v.SetDefault("adaptive.low_battery_threshold", 20.0)
	v.SetDefault("adaptive.stationary_delay", 5*time.Minute)
	v.SetDefault("adaptive.stationary_gps_off", true)
	v.SetDefault("adaptive.geofence_optimization", true)

	v.SetDefault("recovery.max_retries", 5)
	v.SetDefault("recovery.retry_delay", 5*time.Second)
	v.SetDefault("recovery.retry_backoff", 2.0)
	v.SetDefault("recovery.max_retry_delay", 5*time.Minute)

	v.SetDefault("geofence.max_monitored_geofences", DefaultMaxMonitoredGeofences)
	v.SetDefault("geofence.initial_trigger", false)
	v.SetDefault("geofence.bbox_prefilter_above", 50)

	v.SetDefault("trip.start_on_moving", true)
	v.SetDefault("trip.start_distance_m", 20.0)
	v.SetDefault("trip.start_speed_kph", 3.0)
	v.SetDefault("trip.stationary_speed_kph", 1.0)
	v.SetDefault("trip.update_interval_seconds", 30)
	v.SetDefault("trip.dwell_minutes", 5.0)
	v.SetDefault("trip.route_deviation_threshold_m", 50.0)
	v.SetDefault("trip.route_deviation_cooldown_seconds", 60)
	v.SetDefault("trip.stop_on_stationary", true)
	v.SetDefault("trip.stop_timeout_minutes", 10.0)

	v.SetDefault("admin.listen_addr", DefaultAdminListenAddr)
	v.SetDefault("admin.rate_limit", DefaultAdminRateLimit)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_days", 14)
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		MQTT: MQTTConfig{
			BrokerURL:    v.GetString("mqtt.broker_url"),
			ClientID:     v.GetString("mqtt.client_id"),
			Username:     v.GetString("mqtt.username"),
			Password:     v.GetString("mqtt.password"),
			TopicPrefix:  v.GetString("mqtt.topic_prefix"),
			QoS:          v.GetInt("mqtt.qos"),
			TLSEnabled:   v.GetBool("mqtt.tls_enabled"),
			RetryCount:   v.GetInt("mqtt.retry_count"),
			RetryBackoff: v.GetDuration("mqtt.retry_backoff"),
		},
		Database: DatabaseConfig{
			Host:               v.GetString("database.host"),
			Port:               v.GetInt("database.port"),
			Database:           v.GetString("database.database"),
			Username:           v.GetString("database.username"),
			Password:           v.GetString("database.password"),
			SSLMode:            v.GetString("database.sslmode"),
			MaxConnections:     v.GetInt("database.max_connections"),
			ConnectionTimeout:  v.GetDuration("database.connection_timeout"),
			ChunkInterval:      v.GetDuration("database.chunk_interval"),
			CompressionEnabled: v.GetBool("database.compression_enabled"),
			RetentionEnabled:   v.GetBool("database.retention_enabled"),
			RetentionPeriod:    v.GetDuration("database.retention_period"),
		},
		Redis: RedisConfig{
			Addr:         v.GetString("redis.addr"),
			Password:     v.GetString("redis.password"),
			DB:           v.GetInt("redis.db"),
			OccupancyTTL: v.GetDuration("redis.occupancy_ttl"),
		},
		Motion: MotionConfig{
			DesiredAccuracy:          v.GetString("motion.desired_accuracy"),
			DistanceFilterM:          v.GetFloat64("motion.distance_filter_m"),
			LocationUpdateInterval:   v.GetDuration("motion.location_update_interval"),
			StopTimeout:              v.GetDuration("motion.stop_timeout"),
			StationaryRadiusM:        v.GetFloat64("motion.stationary_radius_m"),
			SpeedJumpFilterMps:       v.GetFloat64("motion.speed_jump_filter_mps"),
			DisableStopDetection:     v.GetBool("motion.disable_stop_detection"),
			DisableMotionActivity:    v.GetBool("motion.disable_motion_activity"),
			TriggerActivities:        v.GetStringSlice("motion.trigger_activities"),
			MinActivityConfidence:    v.GetInt("motion.min_activity_confidence"),
			MotionTriggerDelay:       v.GetDuration("motion.motion_trigger_delay"),
			StopDetectionDelay:       v.GetDuration("motion.stop_detection_delay"),
			HeartbeatInterval:        v.GetDuration("motion.heartbeat_interval"),
			DesiredOdometerAccuracyM: v.GetFloat64("motion.desired_odometer_accuracy_m"),
			SuppressMockLocations:    v.GetBool("motion.suppress_mock_locations"),
		},
		Persist: PersistConfig{
			Mode:                v.GetString("persist.mode"),
			MaxDaysToPersist:    v.GetInt("persist.max_days_to_persist"),
			MaxRecordsToPersist: v.GetInt("persist.max_records_to_persist"),
			QueueMaxDays:        v.GetInt("persist.queue_max_days"),
			QueueMaxRecords:     v.GetInt("persist.queue_max_records"),
		},
		Sync: SyncConfig{
			URL:                       v.GetString("sync.url"),
			Headers:                   v.GetStringMapString("sync.headers"),
			HTTPRootProperty:          v.GetString("sync.http_root_property"),
			Extras:                    v.GetStringMapString("sync.extras"),
			AutoSync:                  v.GetBool("sync.auto_sync"),
			BatchSync:                 v.GetBool("sync.batch_sync"),
			MaxBatchSize:              v.GetInt("sync.max_batch_size"),
			AutoSyncThreshold:         v.GetInt("sync.auto_sync_threshold"),
			MaxRetry:                  v.GetInt("sync.max_retry"),
			RetryDelay:                v.GetDuration("sync.retry_delay"),
			RetryBackoff:              v.GetFloat64("sync.retry_backoff"),
			MaxRetryDelay:             v.GetDuration("sync.max_retry_delay"),
			IdempotencyHeader:         v.GetString("sync.idempotency_header"),
			DisableAutoSyncOnCellular: v.GetBool("sync.disable_auto_sync_on_cellular"),
			CircuitBreakerMaxRequests: uint32(v.GetUint("sync.circuit_breaker_max_requests")),
			CircuitBreakerInterval:    v.GetDuration("sync.circuit_breaker_interval"),
			CircuitBreakerTimeout:     v.GetDuration("sync.circuit_breaker_timeout"),
		},
		Adaptive: AdaptiveConfig{
			CriticalBatteryThreshold: v.GetFloat64("adaptive.critical_battery_threshold"),
			LowBatteryThreshold:      v.GetFloat64("adaptive.low_battery_threshold"),
			StationaryDelay:          v.GetDuration("adaptive.stationary_delay"),
			StationaryGPSOff:         v.GetBool("adaptive.stationary_gps_off"),
			GeofenceOptimization:     v.GetBool("adaptive.geofence_optimization"),
			SpeedTiers:               defaultSpeedTiers(),
		},
		Recovery: RecoveryConfig{
			MaxRetries:    v.GetInt("recovery.max_retries"),
			RetryDelay:    v.GetDuration("recovery.retry_delay"),
			RetryBackoff:  v.GetFloat64("recovery.retry_backoff"),
			MaxRetryDelay: v.GetDuration("recovery.max_retry_delay"),
			AutoRetryKinds: v.GetStringSlice("recovery.auto_retry_kinds"),
			IgnoreKinds:    v.GetStringSlice("recovery.ignore_kinds"),
		},
		Geofence: GeofenceConfig{
			MaxMonitoredGeofences: v.GetInt("geofence.max_monitored_geofences"),
			InitialTrigger:        v.GetBool("geofence.initial_trigger"),
			BboxPrefilterAbove:    v.GetInt("geofence.bbox_prefilter_above"),
		},
		Trip: TripConfig{
			StartOnMoving:                 v.GetBool("trip.start_on_moving"),
			StartDistanceM:                v.GetFloat64("trip.start_distance_m"),
			StartSpeedKph:                 v.GetFloat64("trip.start_speed_kph"),
			StationarySpeedKph:            v.GetFloat64("trip.stationary_speed_kph"),
			UpdateIntervalSeconds:         v.GetInt("trip.update_interval_seconds"),
			DwellMinutes:                  v.GetFloat64("trip.dwell_minutes"),
			RouteDeviationThresholdM:      v.GetFloat64("trip.route_deviation_threshold_m"),
			RouteDeviationCooldownSeconds: v.GetInt("trip.route_deviation_cooldown_seconds"),
			StopOnStationary:              v.GetBool("trip.stop_on_stationary"),
			StopTimeoutMinutes:            v.GetFloat64("trip.stop_timeout_minutes"),
		},
		Admin: AdminConfig{
			ListenAddr: v.GetString("admin.listen_addr"),
			RateLimit:  v.GetString("admin.rate_limit"),
		},
		Logging: LoggingConfig{
			Level:   v.GetString("logging.level"),
			MaxDays: v.GetInt("logging.max_days"),
		},
	}
}

func defaultSpeedTiers() []SpeedTier {
	return []SpeedTier{
		{Name: "stationary", MaxSpeedMps: 0.5, DesiredAccuracy: "low", UpdateInterval: 5 * time.Minute, HeartbeatInterval: 10 * time.Minute},
		{Name: "walking", MaxSpeedMps: 2.5, DesiredAccuracy: "medium", UpdateInterval: 30 * time.Second, HeartbeatInterval: 2 * time.Minute},
		{Name: "city", MaxSpeedMps: 14.0, DesiredAccuracy: "high", UpdateInterval: 10 * time.Second, HeartbeatInterval: time.Minute},
		{Name: "suburban", MaxSpeedMps: 25.0, DesiredAccuracy: "high", UpdateInterval: 5 * time.Second, HeartbeatInterval: time.Minute},
		{Name: "highway", MaxSpeedMps: 1000.0, DesiredAccuracy: "navigation", UpdateInterval: 3 * time.Second, HeartbeatInterval: 30 * time.Second},
	}
}

// Validate aggregates every validation failure across the config's sections
// into a single joined error, matching the all-at-once reporting the
// engine's other validators use.
func (c *Config) Validate() error {
	var problems []string

	if c.Database.Host == "" {
		problems = append(problems, "database.host cannot be empty")
	}
	if c.Database.Port <= 0 {
		problems = append(problems, "database.port must be positive")
	}
	if c.Geofence.MaxMonitoredGeofences <= 0 {
		problems = append(problems, "geofence.max_monitored_geofences must be positive")
	}
	if c.Sync.MaxRetry < 0 {
		problems = append(problems, "sync.max_retry cannot be negative")
	}
	if c.Sync.RetryBackoff <= 0 {
		problems = append(problems, "sync.retry_backoff must be positive")
	}
	if c.Sync.MaxBatchSize <= 0 {
		problems = append(problems, "sync.max_batch_size must be positive")
	}
	if c.Motion.StationaryRadiusM < 0 {
		problems = append(problems, "motion.stationary_radius_m cannot be negative")
	}
	switch c.Persist.Mode {
	case "none", "location", "geofence", "all":
	default:
		problems = append(problems, "persist.mode must be one of none/location/geofence/all")
	}
	for _, w := range c.Schedule {
		if _, err := time.Parse("15:04", w.Start); err != nil {
			problems = append(problems, fmt.Sprintf("schedule window start %q is not HH:MM", w.Start))
		}
		if _, err := time.Parse("15:04", w.End); err != nil {
			problems = append(problems, fmt.Sprintf("schedule window end %q is not HH:MM", w.End))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Merge applies a partial patch to a copy of the receiver (any section may
// be patched) and revalidates the copy. It returns the new *Config; fields
// the patch assigns leave the receiver untouched so callers can compare
// before/after. The copy is shallow: maps and slices are shared with the
// receiver, so a patch that mutates them in place also changes the receiver.
func (c *Config) Merge(patch func(*Config)) (*Config, error) {
	clone := *c
	patch(&clone)
	if err := clone.Validate(); err != nil {
		return nil, err
	}
	return &clone, nil
}
