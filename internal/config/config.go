package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Audio       AudioConfig      `yaml:"audio"`
	Hotkey      HotkeyConfig     `yaml:"hotkey"`
	Control     ControlConfig    `yaml:"control"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Backend     BackendConfig    `yaml:"backend"`
	Lifecycle   LifecycleConfig  `yaml:"lifecycle"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig selects the capture device. Zero SampleRate or Channels
// means "use the device default".
type AudioConfig struct {
	Device      int      `yaml:"device"`
	DeviceNames []string `yaml:"device_names"`
	SampleRate  int      `yaml:"sample_rate"`
	Channels    int      `yaml:"channels"`
	FrameMS     int      `yaml:"frame_ms"`
	QueueSize   int      `yaml:"queue_size"`
}

type HotkeyConfig struct {
	Key     string `yaml:"key"`
	Mode    string `yaml:"mode"` // process, inline, external
	Command string `yaml:"command"`
	// StartTimeoutMS bounds how long the listener may take to report in.
	StartTimeoutMS int `yaml:"start_timeout_ms"`
}

type ControlConfig struct {
	Network string `yaml:"network"`
	Address string `yaml:"address"`
}

type PipelineConfig struct {
	MaxUtteranceMS      int    `yaml:"max_utterance_ms"`
	ForcedFlush         string `yaml:"forced_flush"` // continue, stop
	ReleaseOnDisconnect bool   `yaml:"release_on_disconnect"`
	DiscardUntilReady   bool   `yaml:"discard_until_ready"`
}

type BackendConfig struct {
	Mode                string             `yaml:"mode"` // http, openai, exec, mock
	Endpoint            string             `yaml:"endpoint"`
	OpenAIBaseURL       string             `yaml:"openai_base_url"`
	TargetSampleRate    int                `yaml:"target_sample_rate"`
	SystemPrompt        string             `yaml:"system_prompt"`
	HistorySize         int                `yaml:"history_size"`
	TimeoutMS           int                `yaml:"timeout_ms"`
	ReadinessIntervalMS int                `yaml:"readiness_interval_ms"`
	APIKey              string             `yaml:"api_key"`
	Model               string             `yaml:"model"`
	Language            string             `yaml:"language"`
	Command             string             `yaml:"command"`
	Local               LocalBackendConfig `yaml:"local"`
}

type LocalBackendConfig struct {
	Enabled bool   `yaml:"enabled"`
	Command string `yaml:"command"`
	Dir     string `yaml:"dir"`
}

type LifecycleConfig struct {
	StopTimeoutMS int `yaml:"stop_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-dictate",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/dictate-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRuns:       1000,
		},
		Audio: AudioConfig{
			Device:    -1,
			FrameMS:   32,
			QueueSize: 256,
		},
		Hotkey: HotkeyConfig{
			Key:            "f12",
			Mode:           "process",
			Command:        "loqa-hotkey",
			StartTimeoutMS: 5000,
		},
		Control: ControlConfig{
			Network: "unix",
			Address: "./data/dictate-control.sock",
		},
		Pipeline: PipelineConfig{
			MaxUtteranceMS:      60000,
			ForcedFlush:         "continue",
			ReleaseOnDisconnect: true,
			DiscardUntilReady:   true,
		},
		Backend: BackendConfig{
			Mode:                "http",
			Endpoint:            "http://localhost:8000",
			TargetSampleRate:    16000,
			HistorySize:         0,
			TimeoutMS:           45000,
			ReadinessIntervalMS: 1000,
			Model:               "whisper-1",
		},
		Lifecycle: LifecycleConfig{
			StopTimeoutMS: 5000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRuns, "LOQA_EVENT_STORE_MAX_RUNS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Audio.Device, "LOQA_AUDIO_DEVICE")
	overrideStringSlice(&cfg.Audio.DeviceNames, "LOQA_AUDIO_DEVICE_NAMES")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "LOQA_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FrameMS, "LOQA_AUDIO_FRAME_MS")
	overrideInt(&cfg.Audio.QueueSize, "LOQA_AUDIO_QUEUE_SIZE")
	overrideString(&cfg.Hotkey.Key, "LOQA_HOTKEY_KEY")
	overrideString(&cfg.Hotkey.Mode, "LOQA_HOTKEY_MODE")
	overrideString(&cfg.Hotkey.Command, "LOQA_HOTKEY_COMMAND")
	overrideInt(&cfg.Hotkey.StartTimeoutMS, "LOQA_HOTKEY_START_TIMEOUT_MS")
	overrideString(&cfg.Control.Network, "LOQA_CONTROL_NETWORK")
	overrideString(&cfg.Control.Address, "LOQA_CONTROL_ADDRESS")
	overrideInt(&cfg.Pipeline.MaxUtteranceMS, "LOQA_PIPELINE_MAX_UTTERANCE_MS")
	overrideString(&cfg.Pipeline.ForcedFlush, "LOQA_PIPELINE_FORCED_FLUSH")
	overrideBool(&cfg.Pipeline.ReleaseOnDisconnect, "LOQA_PIPELINE_RELEASE_ON_DISCONNECT")
	overrideBool(&cfg.Pipeline.DiscardUntilReady, "LOQA_PIPELINE_DISCARD_UNTIL_READY")
	overrideString(&cfg.Backend.Mode, "LOQA_BACKEND_MODE")
	overrideString(&cfg.Backend.Endpoint, "LOQA_BACKEND_ENDPOINT")
	overrideString(&cfg.Backend.OpenAIBaseURL, "LOQA_BACKEND_OPENAI_BASE_URL")
	overrideInt(&cfg.Backend.TargetSampleRate, "LOQA_BACKEND_TARGET_SAMPLE_RATE")
	overrideString(&cfg.Backend.SystemPrompt, "LOQA_BACKEND_SYSTEM_PROMPT")
	overrideInt(&cfg.Backend.HistorySize, "LOQA_BACKEND_HISTORY_SIZE")
	overrideInt(&cfg.Backend.TimeoutMS, "LOQA_BACKEND_TIMEOUT_MS")
	overrideInt(&cfg.Backend.ReadinessIntervalMS, "LOQA_BACKEND_READINESS_INTERVAL_MS")
	overrideString(&cfg.Backend.APIKey, "LOQA_BACKEND_API_KEY")
	overrideString(&cfg.Backend.Model, "LOQA_BACKEND_MODEL")
	overrideString(&cfg.Backend.Language, "LOQA_BACKEND_LANGUAGE")
	overrideString(&cfg.Backend.Command, "LOQA_BACKEND_COMMAND")
	overrideBool(&cfg.Backend.Local.Enabled, "LOQA_BACKEND_LOCAL_ENABLED")
	overrideString(&cfg.Backend.Local.Command, "LOQA_BACKEND_LOCAL_COMMAND")
	overrideString(&cfg.Backend.Local.Dir, "LOQA_BACKEND_LOCAL_DIR")
	overrideInt(&cfg.Lifecycle.StopTimeoutMS, "LOQA_LIFECYCLE_STOP_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Audio.SampleRate < 0 {
		return errors.New("audio.sample_rate must be >= 0")
	}
	if cfg.Audio.Channels < 0 {
		return errors.New("audio.channels must be >= 0")
	}
	if cfg.Audio.FrameMS <= 0 {
		return errors.New("audio.frame_ms must be positive")
	}
	if cfg.Audio.QueueSize <= 0 {
		return errors.New("audio.queue_size must be positive")
	}
	if cfg.Hotkey.Key == "" {
		return errors.New("hotkey.key must not be empty")
	}
	switch cfg.Hotkey.Mode {
	case "process", "inline", "external":
	default:
		return errors.New("hotkey.mode must be one of process|inline|external")
	}
	if cfg.Hotkey.Mode == "process" && cfg.Hotkey.Command == "" {
		return errors.New("hotkey.command must be set when mode=process")
	}
	switch cfg.Control.Network {
	case "unix", "tcp":
	default:
		return errors.New("control.network must be one of unix|tcp")
	}
	if cfg.Control.Address == "" {
		return errors.New("control.address must not be empty")
	}
	if cfg.Pipeline.MaxUtteranceMS <= 0 {
		return errors.New("pipeline.max_utterance_ms must be positive")
	}
	switch cfg.Pipeline.ForcedFlush {
	case "continue", "stop":
	default:
		return errors.New("pipeline.forced_flush must be one of continue|stop")
	}
	switch cfg.Backend.Mode {
	case "http", "openai", "exec", "mock":
	default:
		return errors.New("backend.mode must be one of http|openai|exec|mock")
	}
	if cfg.Backend.Mode == "http" && cfg.Backend.Endpoint == "" {
		return errors.New("backend.endpoint must be set when mode=http")
	}
	if cfg.Backend.Mode == "exec" && cfg.Backend.Command == "" {
		return errors.New("backend.command must be set when mode=exec")
	}
	if cfg.Backend.Mode == "openai" && cfg.Backend.Model == "" {
		return errors.New("backend.model must be set when mode=openai")
	}
	if cfg.Backend.TargetSampleRate <= 0 {
		return errors.New("backend.target_sample_rate must be positive")
	}
	if cfg.Backend.HistorySize < 0 {
		return errors.New("backend.history_size must be >= 0")
	}
	if cfg.Backend.TimeoutMS <= 0 {
		return errors.New("backend.timeout_ms must be positive")
	}
	if cfg.Backend.ReadinessIntervalMS <= 0 {
		return errors.New("backend.readiness_interval_ms must be positive")
	}
	if cfg.Backend.Local.Enabled && cfg.Backend.Local.Command == "" {
		return errors.New("backend.local.command must be set when local backend is enabled")
	}
	if cfg.Lifecycle.StopTimeoutMS <= 0 {
		return errors.New("lifecycle.stop_timeout_ms must be positive")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
