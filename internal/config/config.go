package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the API server and its providers.
type Config struct {
	DBDriver   string
	MySQLDSN   string
	SQLitePath string

	HTTPListenAddr string
	JWTSecret      string
	JWTTTL         time.Duration
	AdminUsername  string
	AdminPassword  string
	LogLevel       string

	ResetPeriod        time.Duration
	ResetSweepInterval time.Duration
	ResetSweepBatch    int

	QueueMaxAttempts    int
	QueueBaseBackoff    time.Duration
	QueueMaxBackoff     time.Duration
	QueueAttemptTimeout time.Duration
	QueueDelayGoogle    time.Duration
	QueueDelayAPIFrame  time.Duration
	QueueDelayIdeogram  time.Duration

	RequestTimeout    time.Duration
	GoogleProjectID   string
	GoogleLocation    string
	GoogleAccessToken string
	APIFrameAPIKey    string
	APIFrameBaseURL   string
	IdeogramAPIKey    string
	IdeogramBaseURL   string
	OpenAIAPIKey      string
	OpenAIBaseURL     string

	GeminiAPIKey string
	GeminiModel  string

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string

	TelegramBotToken    string
	TelegramAlertChatID int64
}

// defaultAdminPassword is a placeholder that Validate refuses; the admin group can mint tokens.
const defaultAdminPassword = "change-me"

// ArchiveEnabled reports whether generated images should be copied into object storage.
func (c Config) ArchiveEnabled() bool {
	return c.S3Bucket != ""
}

// AlertsEnabled reports whether operator alerts should be sent to Telegram.
func (c Config) AlertsEnabled() bool {
	return c.TelegramBotToken != "" && c.TelegramAlertChatID != 0
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBDriver:       strings.ToLower(getEnv("DB_DRIVER", "mysql")),
		MySQLDSN:       os.Getenv("MYSQL_DSN"),
		SQLitePath:     getEnv("SQLITE_PATH", filepath.Join("data", "deckforge.db")),
		HTTPListenAddr: getEnv("HTTP_LISTEN_ADDR", ":8080"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		JWTTTL:         getDuration("JWT_TTL", 72*time.Hour),
		AdminUsername:  getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:  getEnv("ADMIN_PASSWORD", defaultAdminPassword),
		LogLevel:       getEnv("LOG_LEVEL", "info"),

		ResetPeriod:        24 * time.Hour * time.Duration(getInt("RESET_PERIOD_DAYS", 30)),
		ResetSweepInterval: getDuration("RESET_SWEEP_INTERVAL", time.Hour),
		ResetSweepBatch:    getInt("RESET_SWEEP_BATCH", 200),

		QueueMaxAttempts:    getInt("QUEUE_MAX_ATTEMPTS", 3),
		QueueBaseBackoff:    getDuration("QUEUE_BASE_BACKOFF", time.Second),
		QueueMaxBackoff:     getDuration("QUEUE_MAX_BACKOFF", 10*time.Second),
		QueueAttemptTimeout: getDuration("QUEUE_ATTEMPT_TIMEOUT", 90*time.Second),
		QueueDelayGoogle:    getDuration("QUEUE_DELAY_GOOGLE", time.Second),
		QueueDelayAPIFrame:  getDuration("QUEUE_DELAY_APIFRAME", 2*time.Second),
		QueueDelayIdeogram:  getDuration("QUEUE_DELAY_IDEOGRAM", 500*time.Millisecond),

		RequestTimeout:    time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 60)),
		GoogleProjectID:   os.Getenv("GOOGLE_PROJECT_ID"),
		GoogleLocation:    getEnv("GOOGLE_LOCATION", "us-central1"),
		GoogleAccessToken: os.Getenv("GOOGLE_ACCESS_TOKEN"),
		APIFrameAPIKey:    os.Getenv("APIFRAME_API_KEY"),
		APIFrameBaseURL:   normalizeBaseURL(getEnv("APIFRAME_BASE_URL", "https://api.apiframe.pro"), "https://api.apiframe.pro"),
		IdeogramAPIKey:    os.Getenv("IDEOGRAM_API_KEY"),
		IdeogramBaseURL:   normalizeBaseURL(getEnv("IDEOGRAM_BASE_URL", "https://api.ideogram.ai"), "https://api.ideogram.ai"),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:     normalizeBaseURL(getEnv("OPENAI_BASE_URL", "https://api.openai.com"), "https://api.openai.com"),

		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-1.5-flash"),

		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3Region:        os.Getenv("S3_REGION"),
		S3AccessKey:     os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:     os.Getenv("S3_SECRET_KEY"),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3PublicBaseURL: os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:  getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:        getEnv("S3_PREFIX", "generated"),

		TelegramBotToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramAlertChatID: getInt64("TELEGRAM_ALERT_CHAT_ID", 0),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every missing or inconsistent setting at once.
func (c Config) Validate() error {
	var missing []string
	switch c.DBDriver {
	case "mysql":
		if c.MySQLDSN == "" {
			missing = append(missing, "MYSQL_DSN")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			missing = append(missing, "SQLITE_PATH")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER: %s", c.DBDriver)
	}
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if c.S3Bucket != "" {
		if c.S3Region == "" {
			missing = append(missing, "S3_REGION")
		}
		if c.S3AccessKey == "" {
			missing = append(missing, "S3_ACCESS_KEY")
		}
		if c.S3SecretKey == "" {
			missing = append(missing, "S3_SECRET_KEY")
		}
		if c.S3PublicBaseURL == "" {
			missing = append(missing, "S3_PUBLIC_BASE_URL")
		}
	}
	if c.GoogleAccessToken != "" && c.GoogleProjectID == "" {
		missing = append(missing, "GOOGLE_PROJECT_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	if c.AdminPassword == "" || c.AdminPassword == defaultAdminPassword {
		return fmt.Errorf("ADMIN_PASSWORD must be set to a non-default value")
	}
	if c.QueueMaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1")
	}
	if c.ResetPeriod <= 0 {
		return fmt.Errorf("RESET_PERIOD_DAYS must be positive")
	}
	return nil
}

// normalizeBaseURL trims trailing slashes and fills in a missing scheme.
func normalizeBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}

	return strings.TrimRight(parsed.String(), "/")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// getDuration accepts Go duration strings ("750ms", "2s") or a bare number of milliseconds.
func getDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// loadEnvFile loads the first env file found. A missing file is fine: the
// environment alone may carry the configuration.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
