package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// DefaultMaxUploadSize is the upload ceiling used when MAX_UPLOAD_SIZE is unset.
const DefaultMaxUploadSize int64 = 5 * 1024 * 1024

// Config is read once at process start from the environment.
type Config struct {
	HTTPAddr    string
	LogLevel    string
	ProjectRoot string

	ModelAdapter string
	ModelWeights string
	ModelLabels  string
	OnnxLibPath  string
	DetectorAddr string

	UploadDir     string
	MaxUploadSize int64

	DatabaseDSN string
	RedisAddr   string

	JWTSecret   string
	JWTAudience string

	ServerURL string
}

// Load reads an optional .env file from the project root and then the
// process environment. Values already present in the environment win.
func Load() *Config {
	root := getEnv("PROJECT_ROOT", "")
	if root == "" {
		if wd, err := os.Getwd(); err == nil {
			root = wd
		} else {
			root = "."
		}
	}
	_ = godotenv.Load(filepath.Join(root, ".env"))

	return &Config{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8000"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		ProjectRoot:   root,
		ModelAdapter:  getEnv("MODEL_ADAPTER", "stub"),
		ModelWeights:  os.Getenv("MODEL_WEIGHTS"),
		ModelLabels:   os.Getenv("MODEL_LABELS"),
		OnnxLibPath:   os.Getenv("ONNXRUNTIME_LIB"),
		DetectorAddr:  getEnv("DETECTOR_ADDR", "127.0.0.1:50051"),
		UploadDir:     getEnv("UPLOAD_DIR", "uploads"),
		MaxUploadSize: getEnvInt64("MAX_UPLOAD_SIZE", DefaultMaxUploadSize),
		DatabaseDSN:   os.Getenv("DATABASE_DSN"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		JWTAudience:   os.Getenv("JWT_AUDIENCE"),
		ServerURL:     getEnv("YOLO_SERVER_URL", "http://127.0.0.1:8000"),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
