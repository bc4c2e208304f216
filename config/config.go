package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ============================================================================
// Configuration Constants
// ============================================================================

const (
	// Environment variable prefix
	EnvPrefix = "METER_ENGINE"

	// Default server settings
	DefaultServerPort        = 8765
	DefaultServerHost        = "127.0.0.1"
	DefaultMaxConnections    = 1000
	DefaultReadTimeout       = 30
	DefaultWebSocketMsgSize  = 10 * 1024 * 1024 // 10 MiB
	DefaultWebSocketBufSize  = 1024
	DefaultEnableCompression = true

	// Default session settings
	DefaultSendQueueSize    = 500
	DefaultMaxSendErrors    = 10
	DefaultIdleTimeoutSecs  = 300
	DefaultCleanupInterval  = 30 * time.Second
	DefaultReactionGraceSec = 2

	// Default meter/device settings
	DefaultDeviceVID                = "0x1fc9"
	DefaultDevicePID                = "0x0003"
	DefaultMeterMode                = "auto"
	DefaultDeviceSampleRateHz       = 62.0
	DefaultSimulatorSampleRateHz    = 100.0
	DefaultReconnectCooldownMS      = 750
	DefaultQueueCapacity            = 1000
	DefaultStallThresholdSeconds    = 3.0
	DefaultReconnectIntervalSeconds = 4.0
	DefaultBiquadCutoffHz           = 3.0
	DefaultBiquadQ                  = 0.707
	DefaultSMDMass                  = 1.0
	DefaultSMDDamping               = 14.1
	DefaultSMDSpring                = 50.0
	DefaultBaselineWindowSeconds    = 30.0
	DefaultBaselineMinSamples       = 120
	DefaultNeedleScale              = 2000.0
	DefaultAdcScaleNumerator        = 1_650_000.0
	DefaultAdcScaleBits             = 23

	// Default classifier settings
	DefaultClassifierWindowSize = 200
	DefaultClassifierSampleRate = 100.0

	// Default tone-arm tracker settings
	DefaultTAMaxHistory          = 30000
	DefaultTANoiseThreshold      = 0.001
	DefaultTATrendWindowSeconds  = 60.0
	DefaultTATrendMinReadings    = 10
	DefaultTATrendMinSpanSeconds = 1.0
	DefaultTARisingSlope         = 0.005
	DefaultTAFallingSlope        = -0.005
	DefaultTASessionMinTA        = 1.5
	DefaultTASessionMaxTA        = 4.0
	DefaultTAMovingStdThreshold  = 0.05

	// Default charge tracker settings
	DefaultChargeBufferSize       = 1000
	DefaultChargeBaselineWindowS  = 1.0
	DefaultChargeReactionWindowMS = 3000
	DefaultBodyMovementThreshold  = 0.15
	DefaultBodyMovementDecayMS    = 200
	DefaultChargeMinSamples       = 20
	DefaultChargeHistorySize      = 10

	// Default AI auditor settings
	DefaultAIModelName        = "collaborator-default"
	DefaultAIRequestTimeoutS  = 20
	DefaultAIHistoryLimit     = 80
	DefaultAIAPIKeyEnvVar     = "ANTHROPIC_API_KEY"
	DefaultSTTAPIKeyEnvVar    = "OPENAI_API_KEY"
	DefaultCaseStoreBackend  = "memory"

	// Default rate limit settings
	DefaultRateLimitEnabled = false
	DefaultRequestsPerSec   = 100
	DefaultBurstSize        = 200

	// Default response settings
	DefaultSendMode = "queue"
	DefaultTimeout  = 30

	// Default logging settings
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultLogOutput     = "console"
	DefaultLogMaxSize    = 100
	DefaultLogMaxBackups = 5
	DefaultLogMaxAge     = 30
	DefaultLogCompress   = true

	// Port constraints
	MinPort = 1
	MaxPort = 65535

	// Hot reload settings
	DefaultDebounceDuration = 2 * time.Second
)

// Valid value sets for validation
var (
	ValidLogLevels   = []string{"debug", "info", "warn", "error"}
	ValidLogFormats  = []string{"text", "json"}
	ValidLogOutputs  = []string{"console", "file", "both"}
	ValidMeterModes  = []string{"auto", "demo", "sim", "simulator", "mock"}
	ValidSendModes   = []string{"queue", "direct"}
	ValidSessionMode = []string{"structured", "conversational"}
)

// ============================================================================
// Configuration Errors
// ============================================================================

var (
	ErrInvalidPort            = errors.New("server port must be between 1 and 65535")
	ErrInvalidLogLevel        = errors.New("invalid log level")
	ErrInvalidLogFormat       = errors.New("invalid log format")
	ErrInvalidLogOutput       = errors.New("invalid log output")
	ErrInvalidMeterMode       = errors.New("invalid meter mode")
	ErrInvalidSendMode        = errors.New("invalid send mode")
	ErrNegativeValue          = errors.New("value must be non-negative")
	ErrInvalidThreshold       = errors.New("threshold must be between 0 and 1")
	ErrInvalidSampleRate      = errors.New("sample rate must be positive")
)

// ============================================================================
// Configuration Structures
// ============================================================================

// Config represents the application configuration.
// This is an immutable value type - create new instances for changes.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Session    SessionConfig    `mapstructure:"session"`
	Meter      MeterConfig      `mapstructure:"meter"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	TATracker  TATrackerConfig  `mapstructure:"ta_tracker"`
	Charge     ChargeConfig     `mapstructure:"charge"`
	R3R        R3RConfig        `mapstructure:"r3r"`
	AI         AIConfig         `mapstructure:"ai"`
	Speech     SpeechConfig     `mapstructure:"speech"`
	CaseStore  CaseStoreConfig  `mapstructure:"case_store"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Response   ResponseConfig   `mapstructure:"response"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port           int             `mapstructure:"port"`
	Host           string          `mapstructure:"host"`
	MaxConnections int             `mapstructure:"max_connections"`
	ReadTimeout    int             `mapstructure:"read_timeout"`
	WebSocket      WebSocketConfig `mapstructure:"websocket"`
}

// WebSocketConfig holds WebSocket-specific settings
type WebSocketConfig struct {
	ReadTimeout       int      `mapstructure:"read_timeout"`
	MaxMessageSize    int      `mapstructure:"max_message_size"`
	ReadBufferSize    int      `mapstructure:"read_buffer_size"`
	WriteBufferSize   int      `mapstructure:"write_buffer_size"`
	EnableCompression bool     `mapstructure:"enable_compression"`
	AllowAllOrigins   bool     `mapstructure:"allow_all_origins"`
	AllowedOrigins    []string `mapstructure:"allowed_origins"`
}

// SessionConfig holds session-manager configuration (component I).
type SessionConfig struct {
	SendQueueSize     int      `mapstructure:"send_queue_size"`
	MaxSendErrors     int      `mapstructure:"max_send_errors"`
	IdleTimeoutSecs   int      `mapstructure:"idle_timeout_seconds"`
	DefaultMode       string   `mapstructure:"default_mode"` // structured | conversational
	StartRudiments    []string `mapstructure:"start_rudiments"`
	EndRudiments      []string `mapstructure:"end_rudiments"`
}

// MeterConfig holds device/simulator/signal-pipeline configuration (components A/B/C).
type MeterConfig struct {
	DeviceVID                string  `mapstructure:"device_vid"`
	DevicePID                string  `mapstructure:"device_pid"`
	Mode                     string  `mapstructure:"mode"` // auto forces hardware-then-simulator fallback
	DeviceSampleRateHz       float64 `mapstructure:"device_sample_rate_hz"`
	SimulatorSampleRateHz    float64 `mapstructure:"simulator_sample_rate_hz"`
	ReconnectCooldownMS      int     `mapstructure:"reconnect_cooldown_ms"`
	QueueCapacity            int     `mapstructure:"queue_capacity"`
	StallThresholdSeconds    float64 `mapstructure:"stall_threshold_seconds"`
	ReconnectIntervalSeconds float64 `mapstructure:"reconnect_interval_seconds"`
	BiquadCutoffHz           float64 `mapstructure:"biquad_cutoff_hz"`
	BiquadQ                  float64 `mapstructure:"biquad_q"`
	SMDMass                  float64 `mapstructure:"smd_mass"`
	SMDDamping               float64 `mapstructure:"smd_damping"`
	SMDSpring                float64 `mapstructure:"smd_spring"`
	BaselineWindowSeconds    float64 `mapstructure:"baseline_window_seconds"`
	BaselineMinSamples       int     `mapstructure:"baseline_min_samples"`
	NeedleScale              float64 `mapstructure:"needle_scale"`
	AdcScaleNumerator        float64 `mapstructure:"adc_scale_numerator"`
	AdcScaleBits             int     `mapstructure:"adc_scale_bits"`
}

// ClassifierConfig holds the needle-classifier threshold vector (component D).
// Surfaced as a single record so tests can
// perturb one threshold in isolation.
type ClassifierConfig struct {
	WindowSize                   int     `mapstructure:"window_size"`
	SampleRateHz                 float64 `mapstructure:"sample_rate_hz"`
	StuckVarianceThreshold       float64 `mapstructure:"stuck_variance_threshold"`
	FallSlopeThreshold           float64 `mapstructure:"fall_slope_threshold"`
	RiseSlopeThreshold           float64 `mapstructure:"rise_slope_threshold"`
	SpeededFallSlopeThreshold    float64 `mapstructure:"speeded_fall_slope_threshold"`
	LongFallDurationSeconds      float64 `mapstructure:"long_fall_duration_seconds"`
	BlowdownDurationSeconds      float64 `mapstructure:"blowdown_duration_seconds"`
	RockSlamAmplitudeThreshold   float64 `mapstructure:"rock_slam_amplitude_threshold"`
	RockSlamZeroCrossings        int     `mapstructure:"rock_slam_zero_crossings"`
	FloatingAmplitudeThreshold   float64 `mapstructure:"floating_amplitude_threshold"`
	FloatingBandLowHz            float64 `mapstructure:"floating_band_low_hz"`
	FloatingBandHighHz           float64 `mapstructure:"floating_band_high_hz"`
	FloatingBandPowerRatio       float64 `mapstructure:"floating_band_power_ratio"`
	FloatingZeroCrossings        int     `mapstructure:"floating_zero_crossings"`
	FloatingPeakToMeanOutside    float64 `mapstructure:"floating_peak_to_mean_outside"`
	FloatingConfidence           float64 `mapstructure:"floating_confidence"`
	ThetaAmplitudeThreshold      float64 `mapstructure:"theta_amplitude_threshold"`
	ThetaBandLowHz               float64 `mapstructure:"theta_band_low_hz"`
	ThetaBandHighHz              float64 `mapstructure:"theta_band_high_hz"`
	ThetaPeriodicityThreshold    float64 `mapstructure:"theta_periodicity_threshold"`
	ThetaBandPowerRatio          float64 `mapstructure:"theta_band_power_ratio"`
	StageFourAmplitudeThreshold  float64 `mapstructure:"stage_four_amplitude_threshold"`
	StageFourBandLowHz           float64 `mapstructure:"stage_four_band_low_hz"`
	StageFourBandHighHz          float64 `mapstructure:"stage_four_band_high_hz"`
	StageFourPeriodicityThresh   float64 `mapstructure:"stage_four_periodicity_threshold"`
	StageFourBandPowerRatio      float64 `mapstructure:"stage_four_band_power_ratio"`
	DirtyVarianceThreshold       float64 `mapstructure:"dirty_variance_threshold"`
	DirtyPeriodicityThreshold    float64 `mapstructure:"dirty_periodicity_threshold"`
	FreeNeedleConfidence         float64 `mapstructure:"free_needle_confidence"`
}

// TATrackerConfig holds tone-arm tracker configuration (component E).
type TATrackerConfig struct {
	MaxHistory          int     `mapstructure:"max_history"`
	NoiseThreshold       float64 `mapstructure:"noise_threshold"`
	TrendWindowSeconds   float64 `mapstructure:"trend_window_seconds"`
	TrendMinReadings     int     `mapstructure:"trend_min_readings"`
	TrendMinSpanSeconds  float64 `mapstructure:"trend_min_span_seconds"`
	RisingSlope          float64 `mapstructure:"rising_slope"`
	FallingSlope         float64 `mapstructure:"falling_slope"`
	SessionMinTA         float64 `mapstructure:"session_min_ta"`
	SessionMaxTA         float64 `mapstructure:"session_max_ta"`
	MovingStdThreshold   float64 `mapstructure:"moving_std_threshold"`
}

// ChargeConfig holds charge tracker configuration (component F).
type ChargeConfig struct {
	BufferSize            int     `mapstructure:"buffer_size"`
	BaselineWindowSeconds float64 `mapstructure:"baseline_window_seconds"`
	ReactionWindowMS      int     `mapstructure:"reaction_window_ms"`
	BodyMovementThreshold float64 `mapstructure:"body_movement_threshold"`
	BodyMovementDecayMS   int     `mapstructure:"body_movement_decay_ms"`
	MinSamplesForAnalysis int     `mapstructure:"min_samples_for_analysis"`
	HistorySize           int     `mapstructure:"history_size"`
}

// R3RConfig holds the command-text templates for the R3R state machine
// (component H), overridable so wording can be tuned without a rebuild.
type R3RConfig struct {
	FlowLabels map[string]string `mapstructure:"flow_labels"`
	Commands   map[string]string `mapstructure:"commands"`
}

// AIConfig holds AI-auditor collaborator configuration.
type AIConfig struct {
	Enabled              bool   `mapstructure:"enabled"`
	APIKeyEnvVar         string `mapstructure:"api_key_env_var"`
	ModelName            string `mapstructure:"model_name"`
	RequestTimeoutSecs   int    `mapstructure:"request_timeout_seconds"`
	HistoryLimit         int    `mapstructure:"history_limit"`
	SystemPromptOverride string `mapstructure:"system_prompt_override"`
}

// SpeechConfig holds the speech-to-text collaborator configuration.
type SpeechConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	APIKeyEnvVar string `mapstructure:"api_key_env_var"`
}

// CaseStoreConfig selects the persistence backend for the case store.
type CaseStoreConfig struct {
	Backend string `mapstructure:"backend"` // currently only "memory"
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerSecond int  `mapstructure:"requests_per_second"`
	BurstSize         int  `mapstructure:"burst_size"`
	MaxConnections    int  `mapstructure:"max_connections"`
}

// ResponseConfig holds response handling configuration
type ResponseConfig struct {
	SendMode string `mapstructure:"send_mode"`
	Timeout  int    `mapstructure:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// ============================================================================
// Configuration Loading
// ============================================================================

// Load reads configuration from file and environment, returning an immutable Config.
// This is the primary entry point for configuration loading.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/meterengine/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			fmt.Println("[WARN] Config file not found, using defaults")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		fmt.Printf("[INFO] Using config file: %s\n", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration and panics on error.
// Use this only in main() or test setup.
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// setDefaults registers all default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.host", DefaultServerHost)
	v.SetDefault("server.max_connections", DefaultMaxConnections)
	v.SetDefault("server.read_timeout", DefaultReadTimeout)
	v.SetDefault("server.websocket.read_timeout", DefaultReadTimeout)
	v.SetDefault("server.websocket.max_message_size", DefaultWebSocketMsgSize)
	v.SetDefault("server.websocket.read_buffer_size", DefaultWebSocketBufSize)
	v.SetDefault("server.websocket.write_buffer_size", DefaultWebSocketBufSize)
	v.SetDefault("server.websocket.enable_compression", DefaultEnableCompression)
	v.SetDefault("server.websocket.allow_all_origins", true)
	v.SetDefault("server.websocket.allowed_origins", []string{})

	v.SetDefault("session.send_queue_size", DefaultSendQueueSize)
	v.SetDefault("session.max_send_errors", DefaultMaxSendErrors)
	v.SetDefault("session.idle_timeout_seconds", DefaultIdleTimeoutSecs)
	v.SetDefault("session.default_mode", "structured")
	v.SetDefault("session.start_rudiments", []string{
		"Is it all right with you if I ask you some questions?",
		"Are you feeling rested today?",
		"Is there anything you would like to mention before we begin?",
		"Do you have any physical discomfort right now?",
	})
	v.SetDefault("session.end_rudiments", []string{
		"Is there anything you want to tell me before we end?",
		"Has this session been of value to you?",
		"Is there anything you regret not saying?",
		"Is it all right with you if we end this session?",
		"Thank you. This session is over.",
	})

	v.SetDefault("meter.device_vid", DefaultDeviceVID)
	v.SetDefault("meter.device_pid", DefaultDevicePID)
	v.SetDefault("meter.mode", DefaultMeterMode)
	v.SetDefault("meter.device_sample_rate_hz", DefaultDeviceSampleRateHz)
	v.SetDefault("meter.simulator_sample_rate_hz", DefaultSimulatorSampleRateHz)
	v.SetDefault("meter.reconnect_cooldown_ms", DefaultReconnectCooldownMS)
	v.SetDefault("meter.queue_capacity", DefaultQueueCapacity)
	v.SetDefault("meter.stall_threshold_seconds", DefaultStallThresholdSeconds)
	v.SetDefault("meter.reconnect_interval_seconds", DefaultReconnectIntervalSeconds)
	v.SetDefault("meter.biquad_cutoff_hz", DefaultBiquadCutoffHz)
	v.SetDefault("meter.biquad_q", DefaultBiquadQ)
	v.SetDefault("meter.smd_mass", DefaultSMDMass)
	v.SetDefault("meter.smd_damping", DefaultSMDDamping)
	v.SetDefault("meter.smd_spring", DefaultSMDSpring)
	v.SetDefault("meter.baseline_window_seconds", DefaultBaselineWindowSeconds)
	v.SetDefault("meter.baseline_min_samples", DefaultBaselineMinSamples)
	v.SetDefault("meter.needle_scale", DefaultNeedleScale)
	v.SetDefault("meter.adc_scale_numerator", DefaultAdcScaleNumerator)
	v.SetDefault("meter.adc_scale_bits", DefaultAdcScaleBits)

	v.SetDefault("classifier.window_size", DefaultClassifierWindowSize)
	v.SetDefault("classifier.sample_rate_hz", DefaultClassifierSampleRate)
	v.SetDefault("classifier.stuck_variance_threshold", 5e-4)
	v.SetDefault("classifier.fall_slope_threshold", -1e-3)
	v.SetDefault("classifier.rise_slope_threshold", 1e-3)
	v.SetDefault("classifier.speeded_fall_slope_threshold", -5e-3)
	v.SetDefault("classifier.long_fall_duration_seconds", 0.5)
	v.SetDefault("classifier.blowdown_duration_seconds", 2.0)
	v.SetDefault("classifier.rock_slam_amplitude_threshold", 0.3)
	v.SetDefault("classifier.rock_slam_zero_crossings", 6)
	v.SetDefault("classifier.floating_amplitude_threshold", 0.05)
	v.SetDefault("classifier.floating_band_low_hz", 0.15)
	v.SetDefault("classifier.floating_band_high_hz", 0.6)
	v.SetDefault("classifier.floating_band_power_ratio", 0.25)
	v.SetDefault("classifier.floating_zero_crossings", 2)
	v.SetDefault("classifier.floating_peak_to_mean_outside", 3.0)
	v.SetDefault("classifier.floating_confidence", 0.85)
	v.SetDefault("classifier.theta_amplitude_threshold", 0.03)
	v.SetDefault("classifier.theta_band_low_hz", 4.5)
	v.SetDefault("classifier.theta_band_high_hz", 11.0)
	v.SetDefault("classifier.theta_periodicity_threshold", 3.0)
	v.SetDefault("classifier.theta_band_power_ratio", 0.2)
	v.SetDefault("classifier.stage_four_amplitude_threshold", 0.05)
	v.SetDefault("classifier.stage_four_band_low_hz", 0.8)
	v.SetDefault("classifier.stage_four_band_high_hz", 1.5)
	v.SetDefault("classifier.stage_four_periodicity_threshold", 3.0)
	v.SetDefault("classifier.stage_four_band_power_ratio", 0.2)
	v.SetDefault("classifier.dirty_variance_threshold", 0.01)
	v.SetDefault("classifier.dirty_periodicity_threshold", 2.0)
	v.SetDefault("classifier.free_needle_confidence", 0.5)

	v.SetDefault("ta_tracker.max_history", DefaultTAMaxHistory)
	v.SetDefault("ta_tracker.noise_threshold", DefaultTANoiseThreshold)
	v.SetDefault("ta_tracker.trend_window_seconds", DefaultTATrendWindowSeconds)
	v.SetDefault("ta_tracker.trend_min_readings", DefaultTATrendMinReadings)
	v.SetDefault("ta_tracker.trend_min_span_seconds", DefaultTATrendMinSpanSeconds)
	v.SetDefault("ta_tracker.rising_slope", DefaultTARisingSlope)
	v.SetDefault("ta_tracker.falling_slope", DefaultTAFallingSlope)
	v.SetDefault("ta_tracker.session_min_ta", DefaultTASessionMinTA)
	v.SetDefault("ta_tracker.session_max_ta", DefaultTASessionMaxTA)
	v.SetDefault("ta_tracker.moving_std_threshold", DefaultTAMovingStdThreshold)

	v.SetDefault("charge.buffer_size", DefaultChargeBufferSize)
	v.SetDefault("charge.baseline_window_seconds", DefaultChargeBaselineWindowS)
	v.SetDefault("charge.reaction_window_ms", DefaultChargeReactionWindowMS)
	v.SetDefault("charge.body_movement_threshold", DefaultBodyMovementThreshold)
	v.SetDefault("charge.body_movement_decay_ms", DefaultBodyMovementDecayMS)
	v.SetDefault("charge.min_samples_for_analysis", DefaultChargeMinSamples)
	v.SetDefault("charge.history_size", DefaultChargeHistorySize)

	v.SetDefault("ai.enabled", true)
	v.SetDefault("ai.api_key_env_var", DefaultAIAPIKeyEnvVar)
	v.SetDefault("ai.model_name", DefaultAIModelName)
	v.SetDefault("ai.request_timeout_seconds", DefaultAIRequestTimeoutS)
	v.SetDefault("ai.history_limit", DefaultAIHistoryLimit)

	v.SetDefault("speech.enabled", false)
	v.SetDefault("speech.api_key_env_var", DefaultSTTAPIKeyEnvVar)

	v.SetDefault("case_store.backend", DefaultCaseStoreBackend)

	v.SetDefault("rate_limit.enabled", DefaultRateLimitEnabled)
	v.SetDefault("rate_limit.requests_per_second", DefaultRequestsPerSec)
	v.SetDefault("rate_limit.burst_size", DefaultBurstSize)
	v.SetDefault("rate_limit.max_connections", DefaultMaxConnections)

	v.SetDefault("response.send_mode", DefaultSendMode)
	v.SetDefault("response.timeout", DefaultTimeout)

	v.SetDefault("logging.level", DefaultLogLevel)
	v.SetDefault("logging.format", DefaultLogFormat)
	v.SetDefault("logging.output", DefaultLogOutput)
	v.SetDefault("logging.max_size", DefaultLogMaxSize)
	v.SetDefault("logging.max_backups", DefaultLogMaxBackups)
	v.SetDefault("logging.max_age", DefaultLogMaxAge)
	v.SetDefault("logging.compress", DefaultLogCompress)
}

// applyEnvOverrides applies the handful of environment variables
// names explicitly, which take precedence over file/viper-prefixed values.
func applyEnvOverrides(cfg *Config) {
	if vid := lookupEnv("THETA_METER_VID"); vid != "" {
		cfg.Meter.DeviceVID = vid
	}
	if pid := lookupEnv("THETA_METER_PID"); pid != "" {
		cfg.Meter.DevicePID = pid
	}
	if mode := lookupEnv("MINDSCOPE_METER_MODE"); mode != "" {
		cfg.Meter.Mode = mode
	}
}

// ============================================================================
// Validation Functions
// ============================================================================

// Validate validates the entire configuration
func Validate(cfg *Config) error {
	if err := validateServerConfig(&cfg.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := validateMeterConfig(&cfg.Meter); err != nil {
		return fmt.Errorf("meter config: %w", err)
	}
	if err := validateLoggingConfig(&cfg.Logging); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if err := validateResponseConfig(&cfg.Response); err != nil {
		return fmt.Errorf("response config: %w", err)
	}
	if err := validateSessionConfig(&cfg.Session); err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	return nil
}

func validateServerConfig(cfg *ServerConfig) error {
	if cfg.Port < MinPort || cfg.Port > MaxPort {
		return fmt.Errorf("%w: got %d", ErrInvalidPort, cfg.Port)
	}
	if cfg.ReadTimeout < 0 {
		return fmt.Errorf("read_timeout: %w", ErrNegativeValue)
	}
	if cfg.MaxConnections < 0 {
		return fmt.Errorf("max_connections: %w", ErrNegativeValue)
	}
	return nil
}

func validateMeterConfig(cfg *MeterConfig) error {
	if !containsString(ValidMeterModes, cfg.Mode) {
		return fmt.Errorf("%w: got %q, expected one of %v", ErrInvalidMeterMode, cfg.Mode, ValidMeterModes)
	}
	if cfg.DeviceSampleRateHz <= 0 || cfg.SimulatorSampleRateHz <= 0 {
		return fmt.Errorf("%w", ErrInvalidSampleRate)
	}
	if cfg.QueueCapacity < 0 {
		return fmt.Errorf("queue_capacity: %w", ErrNegativeValue)
	}
	return nil
}

func validateLoggingConfig(cfg *LoggingConfig) error {
	if !containsString(ValidLogLevels, cfg.Level) {
		return fmt.Errorf("%w: got %q, expected one of %v", ErrInvalidLogLevel, cfg.Level, ValidLogLevels)
	}
	if !containsString(ValidLogFormats, cfg.Format) {
		return fmt.Errorf("%w: got %q, expected one of %v", ErrInvalidLogFormat, cfg.Format, ValidLogFormats)
	}
	if !containsString(ValidLogOutputs, cfg.Output) {
		return fmt.Errorf("%w: got %q, expected one of %v", ErrInvalidLogOutput, cfg.Output, ValidLogOutputs)
	}
	return nil
}

func validateResponseConfig(cfg *ResponseConfig) error {
	if !containsString(ValidSendModes, cfg.SendMode) {
		return fmt.Errorf("%w: got %q, expected one of %v", ErrInvalidSendMode, cfg.SendMode, ValidSendModes)
	}
	if cfg.Timeout < 0 {
		return fmt.Errorf("timeout: %w", ErrNegativeValue)
	}
	return nil
}

func validateSessionConfig(cfg *SessionConfig) error {
	if cfg.DefaultMode != "" && !containsString(ValidSessionMode, cfg.DefaultMode) {
		return fmt.Errorf("default_mode: got %q, expected one of %v", cfg.DefaultMode, ValidSessionMode)
	}
	if cfg.SendQueueSize < 0 || cfg.MaxSendErrors < 0 {
		return fmt.Errorf("session sizes: %w", ErrNegativeValue)
	}
	return nil
}

// containsString checks if a string is in a slice
func containsString(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// ============================================================================
// Sensitive Data Handling
// ============================================================================

// SensitiveKeywords contains keywords that indicate a field contains sensitive data.
var SensitiveKeywords = []string{
	"password", "passwd", "pwd",
	"secret", "private",
	"key", "apikey", "api_key",
	"token", "auth",
	"credential", "cred",
	"certificate", "cert",
}

// Mask masks a sensitive string, showing only first and last 2 characters.
func Mask(s string) string {
	if len(s) == 0 {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

// MaskWithLength masks a string but preserves length information.
func MaskWithLength(s string) string {
	if len(s) == 0 {
		return ""
	}
	return fmt.Sprintf("[MASKED:%d]", len(s))
}

// IsSensitiveKey checks if a key name indicates sensitive data.
func IsSensitiveKey(key string) bool {
	keyLower := strings.ToLower(key)
	for _, keyword := range SensitiveKeywords {
		if strings.Contains(keyLower, keyword) {
			return true
		}
	}
	return false
}

// ============================================================================
// Debug Utilities
// ============================================================================

// Print outputs the configuration to stdout with sensitive data masked.
func (c *Config) Print() {
	fmt.Println("[CONFIG] Current Configuration:")
	fmt.Printf("  Server: %s:%d\n", c.Server.Host, c.Server.Port)
	fmt.Printf("  Max Connections: %d\n", c.Server.MaxConnections)
	fmt.Println()
	fmt.Printf("  Meter Mode: %s\n", c.Meter.Mode)
	fmt.Printf("  Device VID/PID: %s/%s\n", c.Meter.DeviceVID, c.Meter.DevicePID)
	fmt.Println()
	fmt.Printf("  AI Auditor Enabled: %v (model=%s)\n", c.AI.Enabled, c.AI.ModelName)
	fmt.Println()
	fmt.Printf("  Log Level: %s\n", c.Logging.Level)
	fmt.Printf("  Log Format: %s\n", c.Logging.Format)
	fmt.Printf("  Log Output: %s\n", c.Logging.Output)
}

// PrintCompact outputs a single-line summary for log messages.
func (c *Config) PrintCompact() string {
	return fmt.Sprintf("server=%s:%d meter_mode=%s ai_enabled=%v log=%s",
		c.Server.Host, c.Server.Port,
		c.Meter.Mode,
		c.AI.Enabled,
		c.Logging.Level)
}

// ToSafeMap returns a map representation with sensitive values masked.
func (c *Config) ToSafeMap() map[string]interface{} {
	return map[string]interface{}{
		"server": map[string]interface{}{
			"host":            c.Server.Host,
			"port":            c.Server.Port,
			"max_connections": c.Server.MaxConnections,
			"read_timeout":    c.Server.ReadTimeout,
		},
		"meter": map[string]interface{}{
			"mode":        c.Meter.Mode,
			"device_vid":  c.Meter.DeviceVID,
			"device_pid":  c.Meter.DevicePID,
		},
		"ai": map[string]interface{}{
			"enabled":    c.AI.Enabled,
			"model_name": c.AI.ModelName,
		},
		"logging": map[string]interface{}{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	}
}

// Reload re-reads the configuration from the file and updates the current instance.
func (c *Config) Reload(configPath string) error {
	newCfg, err := Load(configPath)
	if err != nil {
		return err
	}
	*c = *newCfg
	return nil
}

// Addr returns the server address in "host:port" format
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ============================================================================
// Hot Reload Manager
// ============================================================================

// ConfigChangeCallback is the function type for configuration change callbacks.
type ConfigChangeCallback func(cfg *Config)

// HotReloadManager handles configuration hot reloading using Viper's built-in
// file watching capability.
type HotReloadManager struct {
	mu               sync.RWMutex
	v                *viper.Viper
	cfg              *Config
	configPath       string
	callbacks        []ConfigChangeCallback
	debounceDuration time.Duration
	debounceTimer    *time.Timer
	stopChan         chan struct{}
}

// NewHotReloadManager creates a new hot reload manager for the given config.
func NewHotReloadManager(cfg *Config, configPath string) *HotReloadManager {
	return &HotReloadManager{
		cfg:              cfg,
		configPath:       configPath,
		callbacks:        make([]ConfigChangeCallback, 0),
		debounceDuration: DefaultDebounceDuration,
		stopChan:         make(chan struct{}),
	}
}

// SetDebounceDuration sets the debounce duration for config changes.
func (m *HotReloadManager) SetDebounceDuration(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debounceDuration = d
}

// OnChange registers a callback to be called when configuration changes.
func (m *HotReloadManager) OnChange(callback ConfigChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// StartWatching begins monitoring the configuration file for changes.
func (m *HotReloadManager) StartWatching() error {
	v := viper.New()
	m.v = v

	v.SetConfigFile(m.configPath)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config for watching: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		m.handleConfigChange()
	})
	v.WatchConfig()

	fmt.Printf("[INFO] Started watching config file: %s\n", m.configPath)
	return nil
}

// handleConfigChange handles file change events with debouncing.
func (m *HotReloadManager) handleConfigChange() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
	}

	m.debounceTimer = time.AfterFunc(m.debounceDuration, func() {
		m.reloadAndNotify()
	})
}

// reloadAndNotify reloads the configuration and notifies all callbacks.
func (m *HotReloadManager) reloadAndNotify() {
	fmt.Println("[INFO] Configuration file changed, reloading...")

	if err := m.cfg.Reload(m.configPath); err != nil {
		fmt.Printf("[ERROR] Failed to reload configuration: %v\n", err)
		return
	}

	fmt.Println("[INFO] Configuration reloaded successfully")

	m.mu.RLock()
	callbacks := make([]ConfigChangeCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.RUnlock()

	for _, callback := range callbacks {
		go func(cb ConfigChangeCallback) {
			defer func() {
				if r := recover(); r != nil {
					fmt.Printf("[ERROR] Config callback panicked: %v\n", r)
				}
			}()
			cb(m.cfg)
		}(callback)
	}
}

// Stop gracefully stops the hot reload manager.
func (m *HotReloadManager) Stop() {
	close(m.stopChan)

	m.mu.Lock()
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
	}
	m.mu.Unlock()
}

// GetConfigPath returns the path of the watched config file.
func (m *HotReloadManager) GetConfigPath() string {
	return m.configPath
}

func lookupEnv(key string) string {
	v, _ := os.LookupEnv(key)
	return v
}
