package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
	Pass string `mapstructure:"pass"`
	DB   int    `mapstructure:"db"`
}

// GateConfig holds the audio gate tunables. These are heuristics, not
// contracts; deployments are expected to adjust them against real echo
// conditions.
type GateConfig struct {
	ListenThresholdDB  float64       `mapstructure:"listen_threshold_db"`   // above noise floor, LISTENING/PROCESSING
	BargeInThresholdDB float64       `mapstructure:"barge_in_threshold_db"` // above noise floor, SPEAKING
	BargeInSustain     time.Duration `mapstructure:"barge_in_sustain"`      // how long energy must stay up
	EndpointSilence    time.Duration `mapstructure:"endpoint_silence"`      // silence run that finalizes an utterance
	NoiseFloorAlpha    float64       `mapstructure:"noise_floor_alpha"`     // EMA weight for low-energy frames
}

type RecognitionConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SynthesisConfig struct {
	URL     string        `mapstructure:"url"`
	Voice   string        `mapstructure:"voice"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type GenerationConfig struct {
	Provider     string `mapstructure:"provider"` // "openai" | "ollama" | "gemini"
	Model        string `mapstructure:"model"`
	OpenAIApiKey string `mapstructure:"open_ai_api_key"`
	GeminiApiKey string `mapstructure:"gemini_api_key"`
	OllamaURL    string `mapstructure:"ollama_url"`
}

type SessionConfig struct {
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	StoreTTL     time.Duration `mapstructure:"store_ttl"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"` // transport backpressure bound
	GracePeriod  time.Duration `mapstructure:"grace_period"`  // cancellation unblock bound
}

type Settings struct {
	Server      ServerConfig      `mapstructure:"server"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Gate        GateConfig        `mapstructure:"gate"`
	Recognition RecognitionConfig `mapstructure:"recognition"`
	Synthesis   SynthesisConfig   `mapstructure:"synthesis"`
	Generation  GenerationConfig  `mapstructure:"generation"`
	Session     SessionConfig     `mapstructure:"session"`
	Env         string            `mapstructure:"env"`
	Debug       bool              `mapstructure:"debug" default:"false"`
}

func Load() (*Settings, error) {
	viper.SetConfigName("config_" + genEnv())
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var settings Settings
	if err := viper.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	settings.ApplyDefaults()

	return &settings, nil
}

// ApplyDefaults fills zero values with workable defaults so a minimal
// config file still boots.
func (s *Settings) ApplyDefaults() {
	if s.Server.Addr == "" {
		s.Server.Addr = ":8080"
	}
	if s.Gate.ListenThresholdDB == 0 {
		s.Gate.ListenThresholdDB = 10
	}
	if s.Gate.BargeInThresholdDB == 0 {
		s.Gate.BargeInThresholdDB = 15
	}
	if s.Gate.BargeInSustain == 0 {
		s.Gate.BargeInSustain = 200 * time.Millisecond
	}
	if s.Gate.EndpointSilence == 0 {
		s.Gate.EndpointSilence = 1500 * time.Millisecond
	}
	if s.Gate.NoiseFloorAlpha == 0 {
		s.Gate.NoiseFloorAlpha = 0.05
	}
	if s.Session.IdleTimeout == 0 {
		s.Session.IdleTimeout = 5 * time.Minute
	}
	if s.Session.StoreTTL == 0 {
		s.Session.StoreTTL = 30 * time.Minute
	}
	if s.Session.WriteTimeout == 0 {
		s.Session.WriteTimeout = 10 * time.Second
	}
	if s.Session.GracePeriod == 0 {
		s.Session.GracePeriod = 200 * time.Millisecond
	}
	if s.Recognition.Timeout == 0 {
		s.Recognition.Timeout = 10 * time.Second
	}
	if s.Synthesis.Timeout == 0 {
		s.Synthesis.Timeout = 15 * time.Second
	}
}

func genEnv() string {
	env := viper.GetString("ENV")
	if env == "" {
		return "dev"
	}
	return env
}
