package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config aggregates runtime configuration for the bot and supporting services.
type Config struct {
	AppEnv    string
	LogLevel  string
	LogFormat string

	BotToken     string
	MySQLDSN     string
	GeminiAPIKey string
	LumaAPIKey   string

	VeoModelName   string
	RequestTimeout time.Duration

	// Token economics. All amounts are decimal token counts.
	VeoCostFast      decimal.Decimal
	VeoCostQuality   decimal.Decimal
	LumaCost         decimal.Decimal
	FreeTokensOnJoin decimal.Decimal

	// Job limits and polling.
	MaxActiveJobsPerUser int
	DailyJobLimit        int
	JobPollInterval      time.Duration
	JobMaxWait           time.Duration

	AdminUserIDs  map[int64]struct{}
	PromoTTLHours int

	// Working directory for downloaded and normalized videos.
	WorkDir string

	// Post-processing.
	FFmpegPath   string
	FFprobePath  string
	VideoCRF     int
	FFmpegPreset string
	FFmpegLogCmd bool

	AdminListenAddr string
	AdminUsername   string
	AdminPassword   string

	// Reference image storage. Optional: uploads are disabled when the
	// bucket is not configured.
	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	loadEnvFile()

	cfg := Config{
		AppEnv:    getEnv("APP_ENV", "dev"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		VeoModelName:   getEnv("VEO_MODEL_NAME", "veo-3.0-generate-001"),
		RequestTimeout: time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 60)),

		VeoCostFast:      getDecimal("VEO_COST_FAST_TOKENS", "2"),
		VeoCostQuality:   getDecimal("VEO_COST_QUALITY_TOKENS", "10"),
		LumaCost:         getDecimal("LUMA_COST_TOKENS", "2"),
		FreeTokensOnJoin: getDecimal("FREE_TOKENS_ON_JOIN", "2"),

		MaxActiveJobsPerUser: getInt("MAX_ACTIVE_JOBS_PER_USER", 1),
		DailyJobLimit:        getInt("DAILY_JOB_LIMIT", 20),
		JobPollInterval:      time.Second * time.Duration(getInt("JOB_POLL_INTERVAL_SEC", 8)),
		JobMaxWait:           time.Minute * time.Duration(getInt("JOB_MAX_WAIT_MIN", 20)),

		AdminUserIDs:  parseAdminIDs(os.Getenv("ADMIN_USER_IDS")),
		PromoTTLHours: getInt("PROMO_TTL_HOURS", 3),

		WorkDir: getEnv("WORK_DIR", "var/videos"),

		FFmpegPath:   getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:  getEnv("FFPROBE_PATH", "ffprobe"),
		VideoCRF:     getInt("VIDEO_CRF", 18),
		FFmpegPreset: getEnv("FFMPEG_PRESET", "slow"),
		FFmpegLogCmd: getBool("FFMPEG_LOG_CMD", false),

		AdminListenAddr: getEnv("ADMIN_LISTEN_ADDR", ":8080"),
		AdminUsername:   getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:   getEnv("ADMIN_PASSWORD", "change-me"),

		S3Endpoint:      os.Getenv("S3_ENDPOINT"),
		S3Region:        os.Getenv("S3_REGION"),
		S3AccessKey:     os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:     os.Getenv("S3_SECRET_KEY"),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3PublicBaseURL: os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:  getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:        getEnv("S3_PREFIX", "references"),
	}

	// Older deployments used TG_BOT_TOKEN and VEO_API_KEY/GOOGLE_API_KEY.
	cfg.BotToken = coalesceEnv("BOT_TOKEN", "TG_BOT_TOKEN")
	cfg.GeminiAPIKey = coalesceEnv("GEMINI_API_KEY", "VEO_API_KEY", "GOOGLE_API_KEY")
	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.LumaAPIKey = os.Getenv("LUMA_API_KEY")

	var missing []string
	if cfg.BotToken == "" {
		missing = append(missing, "BOT_TOKEN")
	}
	if cfg.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if cfg.GeminiAPIKey == "" {
		missing = append(missing, "GEMINI_API_KEY")
	}
	if cfg.LumaAPIKey == "" {
		missing = append(missing, "LUMA_API_KEY")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	return cfg, nil
}

// IsAdmin reports whether the Telegram user id belongs to a configured admin.
func (c Config) IsAdmin(tgUserID int64) bool {
	_, ok := c.AdminUserIDs[tgUserID]
	return ok
}

// S3Enabled reports whether reference image uploads are configured.
func (c Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != "" && c.S3AccessKey != "" && c.S3SecretKey != "" && c.S3PublicBaseURL != ""
}

func coalesceEnv(names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(os.Getenv(n)); v != "" {
			return v
		}
	}
	return ""
}

// parseAdminIDs accepts comma, semicolon or whitespace separated id lists.
func parseAdminIDs(raw string) map[int64]struct{} {
	ids := make(map[int64]struct{})
	raw = strings.NewReplacer(";", ",", " ", ",", "\t", ",").Replace(raw)
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		id, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			continue
		}
		ids[id] = struct{}{}
	}
	return ids
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

func getDecimal(key, fallback string) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		v = fallback
	}
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		d, _ = decimal.NewFromString(fallback)
	}
	return d
}

func loadEnvFile() {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates, filepath.Join("configs", ".env"), ".env")

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			continue
		}
		if info.IsDir() {
			continue
		}
		_ = godotenv.Overload(path)
		return
	}
}
