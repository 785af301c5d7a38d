package config

import (
	"log"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration values, loaded from the environment
// (with optional .env support) and bound through viper so an optional
// config.yaml can override defaults without code changes.
type Config struct {
	Port string
	Host string

	DataDir      string
	UploadDir    string
	DatabasePath string

	WhisperModel     string
	WhisperDevice    string
	WhisperModelPath string
	WhisperModelURL  string

	OllamaBaseURL string
	OllamaModel   string

	MaxFileSizeBytes  int64
	WorkerCount       int
	FileRetentionDays int
}

// Load loads configuration from, in increasing order of precedence, the
// built-in defaults, an optional config.yaml in the working directory or
// /etc/transcribeengine, and the environment. A .env file, if present,
// is loaded into the environment first; it never overrides a variable
// the process environment already sets.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using system environment variables")
	}

	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("DATA_DIR", "data")
	v.SetDefault("UPLOAD_DIR", "uploads")
	v.SetDefault("WHISPER_MODEL", "large-v3-turbo")
	v.SetDefault("WHISPER_DEVICE", "cpu")
	v.SetDefault("WHISPER_MODEL_URL", "")
	v.SetDefault("OLLAMA_BASE_URL", "http://127.0.0.1:11434")
	v.SetDefault("OLLAMA_MODEL", "gemma-2-2b-jpn-it")
	v.SetDefault("MAX_FILE_SIZE_BYTES", 52_428_800)
	v.SetDefault("WORKER_COUNT", 1)
	v.SetDefault("FILE_RETENTION_DAYS", 7)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/transcribeengine")
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			log.Printf("config.yaml present but unreadable, ignoring: %v", err)
		}
	}

	dataDir := v.GetString("DATA_DIR")
	uploadDir := v.GetString("UPLOAD_DIR")
	if !filepath.IsAbs(uploadDir) {
		uploadDir = filepath.Join(dataDir, uploadDir)
	}

	return &Config{
		Port: v.GetString("PORT"),
		Host: v.GetString("HOST"),

		DataDir:      dataDir,
		UploadDir:    uploadDir,
		DatabasePath: filepath.Join(dataDir, "transcribeengine.db"),

		WhisperModel:     v.GetString("WHISPER_MODEL"),
		WhisperDevice:    v.GetString("WHISPER_DEVICE"),
		WhisperModelPath: filepath.Join(dataDir, "models", v.GetString("WHISPER_MODEL")+".bin"),
		WhisperModelURL:  v.GetString("WHISPER_MODEL_URL"),

		OllamaBaseURL: v.GetString("OLLAMA_BASE_URL"),
		OllamaModel:   v.GetString("OLLAMA_MODEL"),

		MaxFileSizeBytes:  v.GetInt64("MAX_FILE_SIZE_BYTES"),
		WorkerCount:       v.GetInt("WORKER_COUNT"),
		FileRetentionDays: v.GetInt("FILE_RETENTION_DAYS"),
	}
}
