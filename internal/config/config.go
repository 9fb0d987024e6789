package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

// Config is the full engine configuration, loaded from YAML with
// PROCTOR_* environment overrides.
type Config struct {
	ListenAddr            string `mapstructure:"listen_addr"`
	MaxConnections        int    `mapstructure:"max_connections"`
	StorePath             string `mapstructure:"store_path"`
	SessionTimeoutSeconds int    `mapstructure:"session_timeout_seconds"`

	LogFormat     string `mapstructure:"log_format"`
	LogLevel      string `mapstructure:"log_level"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	TelemetryIntervalSeconds int `mapstructure:"telemetry_interval_seconds"`

	Detection Detection `mapstructure:"detection"`
	Archive   Archive   `mapstructure:"archive"`
}

// Detection holds every detection tunable. Defaults are calibrated for
// 10 fps substreams; the windows are sample-counted, so other frame rates
// change latency but not semantics.
type Detection struct {
	SmoothWindow    int     `mapstructure:"smooth_w"`
	SmoothRatio     float64 `mapstructure:"smooth_rho"`
	HistoryCapacity int     `mapstructure:"hist_h"`

	EvalIntervalSeconds  float64 `mapstructure:"t_eval_seconds"`
	GhostCooldownSeconds float64 `mapstructure:"ghost_cooldown_seconds"`
	FaceCooldownSeconds  float64 `mapstructure:"face_cooldown_seconds"`
	FaceRateLimit        int     `mapstructure:"face_rate_limit"`

	// Scenario 1 (hands absent): screen/absent counts over the primary
	// 20-sample window and the 30-sample confirmation window.
	S1ScreenPrimary int `mapstructure:"s1_screen_primary"`
	S1AbsentPrimary int `mapstructure:"s1_absent_primary"`
	S1ScreenConfirm int `mapstructure:"s1_screen_confirm"`
	S1AbsentConfirm int `mapstructure:"s1_absent_confirm"`

	// Scenario 2 (hands idle): screen/typing-max/idle counts over the
	// primary window; screen/typing-max over the confirmation window.
	S2ScreenPrimary    int `mapstructure:"s2_screen_primary"`
	S2TypingMaxPrimary int `mapstructure:"s2_typing_max_primary"`
	S2IdlePrimary      int `mapstructure:"s2_idle_primary"`
	S2ScreenConfirm    int `mapstructure:"s2_screen_confirm"`
	S2TypingMaxConfirm int `mapstructure:"s2_typing_max_confirm"`

	// TypingConfidence gates handsTyping; TypingPosition is the looser
	// "in typing position" cut. Close but intentionally distinct tunables.
	TypingConfidenceThreshold float64 `mapstructure:"typing_confidence_threshold"`
	TypingPositionThreshold   float64 `mapstructure:"typing_position_threshold"`

	StatusEvery int `mapstructure:"status_every"`

	// Editor sub-rectangle of the screen substream as fractions of the
	// frame: top, bottom, left, right.
	EditorTop    float64 `mapstructure:"editor_top"`
	EditorBottom float64 `mapstructure:"editor_bottom"`
	EditorLeft   float64 `mapstructure:"editor_left"`
	EditorRight  float64 `mapstructure:"editor_right"`
}

// Archive configures optional report archiving after persistence.
type Archive struct {
	Provider        string `mapstructure:"provider"` // "", "local" or "s3"
	Dir             string `mapstructure:"dir"`
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Prefix          string `mapstructure:"prefix"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
}

func Default() *Config {
	return &Config{
		ListenAddr:               ":5001",
		MaxConnections:           256,
		StorePath:                filepath.Join(dataDir(), "proctor.db"),
		SessionTimeoutSeconds:    600,
		LogFormat:                "text",
		LogLevel:                 "info",
		LogMaxSizeMB:             50,
		LogMaxBackups:            3,
		TelemetryIntervalSeconds: 60,
		Detection: Detection{
			SmoothWindow:              20,
			SmoothRatio:               0.40,
			HistoryCapacity:           40,
			EvalIntervalSeconds:       2.0,
			GhostCooldownSeconds:      8.0,
			FaceCooldownSeconds:       5.0,
			FaceRateLimit:             100,
			S1ScreenPrimary:           12,
			S1AbsentPrimary:           14,
			S1ScreenConfirm:           18,
			S1AbsentConfirm:           21,
			S2ScreenPrimary:           12,
			S2TypingMaxPrimary:        4,
			S2IdlePrimary:             14,
			S2ScreenConfirm:           18,
			S2TypingMaxConfirm:        6,
			TypingConfidenceThreshold: 0.40,
			TypingPositionThreshold:   0.30,
			StatusEvery:               50,
			EditorTop:                 0.25,
			EditorBottom:              0.80,
			EditorLeft:                0.15,
			EditorRight:               0.85,
		},
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("engine")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PROCTOR")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Proctorly")
	case "darwin":
		return "/Library/Application Support/Proctorly"
	default:
		return "/etc/proctorly"
	}
}

func dataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Proctorly", "data")
	case "darwin":
		return "/Library/Application Support/Proctorly/data"
	default:
		return "/var/lib/proctorly"
	}
}
