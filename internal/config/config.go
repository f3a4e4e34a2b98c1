package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config is the top-level service configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Model   ModelConfig   `mapstructure:"model"`
	DB      DBConfig      `mapstructure:"db"`
	Cleanup CleanupConfig `mapstructure:"cleanup"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	Train   TrainConfig   `mapstructure:"train"`
}

type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	UploadDir   string `mapstructure:"upload_dir"`
	MaxUploadMB int    `mapstructure:"max_upload_mb"`
	Version     string `mapstructure:"version"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// ModelConfig points at the backbone graph, its metadata and the trained head.
type ModelConfig struct {
	BackbonePath   string `mapstructure:"backbone_path"`
	MetadataPath   string `mapstructure:"metadata_path"`
	HeadPath       string `mapstructure:"head_path"`
	OnnxRuntimeLib string `mapstructure:"onnxruntime_lib"`
	Seed           int64  `mapstructure:"seed"`
	Interpolation  string `mapstructure:"interpolation"`
}

// DBConfig holds the analysis history database. An empty File disables history.
type DBConfig struct {
	File string `mapstructure:"file"`
}

type CleanupConfig struct {
	RetentionDays int           `mapstructure:"retention_days"`
	Interval      time.Duration `mapstructure:"interval"`
}

type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	Port     int    `mapstructure:"port"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Topic    string `mapstructure:"topic"`
}

// TrainConfig drives cmd/train.
type TrainConfig struct {
	DataDir      string  `mapstructure:"data_dir"`
	Epochs       int     `mapstructure:"epochs"`
	BatchSize    int     `mapstructure:"batch_size"`
	LearningRate float64 `mapstructure:"learning_rate"`
	Output       string  `mapstructure:"output"`
	Seed         int64   `mapstructure:"seed"`
	Augment      bool    `mapstructure:"augment"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Load reads configuration from an optional file, the environment and defaults.
func Load(configPath string) (*Config, error) {
	return LoadWith(viper.New(), configPath)
}

// LoadWith is Load on a caller-supplied viper instance, so commands can bind
// their own flags before unmarshalling.
func LoadWith(v *viper.Viper, configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("Failed to load .env file: %v", err)
	}

	setDefaults(v)

	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			log.Warnf("Config file %s does not exist, using defaults", configPath)
		} else {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			log.Infof("Config loaded from %s", configPath)
		}
	}

	v.SetEnvPrefix("MEDVISION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server.port", "PORT", "MEDVISION_SERVER_PORT"); err != nil {
		return nil, fmt.Errorf("failed to bind port variable: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)

	if err := ensureDirectories(&cfg); err != nil {
		return nil, fmt.Errorf("failed to create required directories: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5001)
	v.SetDefault("server.upload_dir", filepath.Join(os.TempDir(), "medvision-uploads"))
	v.SetDefault("server.max_upload_mb", 10)
	v.SetDefault("server.version", "1.0.0")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("model.backbone_path", "models/mobilenet_v2_features.onnx")
	v.SetDefault("model.metadata_path", "models/model_metadata.json")
	v.SetDefault("model.head_path", "models/pneumonia_head.json")
	v.SetDefault("model.onnxruntime_lib", "")
	v.SetDefault("model.seed", 0)
	v.SetDefault("model.interpolation", "nearest")

	v.SetDefault("db.file", "")

	v.SetDefault("cleanup.retention_days", 30)
	v.SetDefault("cleanup.interval", 24*time.Hour)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "medvision-api")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic", "medvision/analyses")

	v.SetDefault("train.data_dir", "dataset")
	v.SetDefault("train.epochs", 4)
	v.SetDefault("train.batch_size", 16)
	v.SetDefault("train.learning_rate", 0.0001)
	v.SetDefault("train.output", "models/pneumonia_head.json")
	v.SetDefault("train.seed", 42)
	v.SetDefault("train.augment", true)
}

func ensureDirectories(cfg *Config) error {
	if cfg.Server.UploadDir != "" {
		if err := os.MkdirAll(cfg.Server.UploadDir, 0755); err != nil {
			return fmt.Errorf("failed to create upload directory: %w", err)
		}
	}
	if cfg.DB.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DB.File), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return nil
}
