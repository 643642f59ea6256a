package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// AppConfig holds environment driven configuration values.
// Sensitive data should never have defaults inside code and must be provided via env files or the environment.
type AppConfig struct {
	AppPort            string
	PublicBaseURL      string
	JWTSecret          string
	AdminUsername      string
	AdminPasswordHash  string
	RateLimitPerMinute int
	AllowedOrigins     []string
	// Gin framework configuration
	GinMode string
	GinPath string
	// Visit rules
	ReferenceTimezone   string
	DailyThrottle       bool
	MaxCompanions       int
	ChangeRetentionDays int
	LevelsPath          string
	// Push delivery
	PushWorkers    int
	PushTimeoutSec int
	// Database
	DBDriver    string
	DatabaseURI string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string
	// Redis for locks and pass cache
	RedisHost     string
	RedisPort     int
	RedisDB       int
	RedisPassword string
	// Logging configuration
	LogLevel      string
	LogPath       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	LogCompress   bool
	// Apple Wallet
	ApplePassTypeIdentifier string
	AppleTeamID             string
	AppleKeyID              string
	AppleOrganization       string
	AppleTemplatePath       string
	AppleAPNsProduction     bool
	// Google Wallet
	GoogleIssuerID        string
	GoogleClassSuffix     string
	GooglePostpend        string
	GoogleCredentialsJSON string
	// Blob storage
	StorageDriver string
	StorageDir    string
	GCSBucketName string
}

var cfg AppConfig
var loaded bool

// Load loads the application configuration. It should be called once during boot.
func Load() AppConfig {
	if loaded {
		return cfg
	}

	// Throttle is on unless something turns it off
	cfg.DailyThrottle = true

	// Precedence: config/config.json -> defaults -> .env -> environment variable overrides
	if err := loadJSONConfig(filepath.Join("config", "config.json"), &cfg); err != nil {
		log.Printf("config/config.json ignored: %v", err)
	}

	applyDefaults(&cfg)

	// .env only fills variables the process environment does not already carry
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	loaded = true
	return cfg
}

// Get returns the cached configuration, loading it if necessary.
func Get() AppConfig {
	if !loaded {
		return Load()
	}
	return cfg
}

// Validate reports configuration that must stop the boot.
func (c AppConfig) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET must be set in environment variables")
	}
	switch c.DBDriver {
	case "mysql", "postgres", "sqlite":
	default:
		return errors.New("DB_DRIVER must be one of mysql, postgres, sqlite")
	}
	switch c.StorageDriver {
	case "fs", "gcs":
	default:
		return errors.New("STORAGE_DRIVER must be fs or gcs")
	}
	if c.StorageDriver == "gcs" && c.GCSBucketName == "" {
		return errors.New("GCS_BUCKET_NAME is required when STORAGE_DRIVER=gcs")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// loadJSONConfig reads grouped JSON sections into out if the file is present.
// Returns error only for invalid JSON.
func loadJSONConfig(path string, out *AppConfig) error {
	f, err := os.Open(path)
	if err != nil {
		return nil // silently ignore missing file
	}
	defer f.Close()

	var raw map[string]any
	if err := json.NewDecoder(f).Decode(&raw); err != nil {
		return err
	}

	getString := func(m map[string]any, key string) string {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return ""
	}
	getInt := func(m map[string]any, key string) int {
		if v, ok := m[key]; ok {
			switch t := v.(type) {
			case float64:
				return int(t)
			case int:
				return t
			}
		}
		return 0
	}
	getBool := func(m map[string]any, key string) (bool, bool) {
		if v, ok := m[key]; ok {
			if b, ok := v.(bool); ok {
				return b, true
			}
		}
		return false, false
	}
	getStringSlice := func(m map[string]any, key string) []string {
		arr, ok := m[key].([]any)
		if !ok {
			return nil
		}
		res := make([]string, 0, len(arr))
		for _, it := range arr {
			if s, ok := it.(string); ok {
				res = append(res, s)
			}
		}
		return res
	}

	if app, ok := raw["app"].(map[string]any); ok {
		out.AppPort = getString(app, "AppPort")
		out.PublicBaseURL = getString(app, "PublicBaseURL")
		out.JWTSecret = getString(app, "JWTSecret")
		out.RateLimitPerMinute = getInt(app, "RateLimitPerMinute")
		if list := getStringSlice(app, "AllowedOrigins"); len(list) > 0 {
			out.AllowedOrigins = list
		}
	}

	if adm, ok := raw["admin"].(map[string]any); ok {
		out.AdminUsername = getString(adm, "Username")
		out.AdminPasswordHash = getString(adm, "PasswordHash")
	}

	if vs, ok := raw["visits"].(map[string]any); ok {
		out.ReferenceTimezone = getString(vs, "ReferenceTimezone")
		if b, ok := getBool(vs, "DailyThrottle"); ok {
			out.DailyThrottle = b
		}
		out.MaxCompanions = getInt(vs, "MaxCompanions")
		out.ChangeRetentionDays = getInt(vs, "ChangeRetentionDays")
		out.LevelsPath = getString(vs, "LevelsPath")
	}

	if ps, ok := raw["push"].(map[string]any); ok {
		out.PushWorkers = getInt(ps, "Workers")
		out.PushTimeoutSec = getInt(ps, "TimeoutSec")
	}

	if dbs, ok := raw["database"].(map[string]any); ok {
		out.DBDriver = getString(dbs, "Driver")
		out.DatabaseURI = getString(dbs, "DatabaseURI")
		out.DBHost = getString(dbs, "DBHost")
		out.DBPort = getString(dbs, "DBPort")
		out.DBUser = getString(dbs, "DBUser")
		out.DBPassword = getString(dbs, "DBPassword")
		out.DBName = getString(dbs, "DBName")
	}

	if rds, ok := raw["redis"].(map[string]any); ok {
		out.RedisHost = getString(rds, "RedisHost")
		out.RedisPort = getInt(rds, "RedisPort")
		out.RedisDB = getInt(rds, "RedisDB")
		out.RedisPassword = getString(rds, "RedisPassword")
	}

	if lg, ok := raw["log"].(map[string]any); ok {
		out.LogLevel = getString(lg, "Level")
		out.LogPath = getString(lg, "Path")
		out.GinMode = getString(lg, "GinMode")
		out.GinPath = getString(lg, "GinPath")
		out.LogMaxSizeMB = getInt(lg, "MaxSizeMB")
		out.LogMaxBackups = getInt(lg, "MaxBackups")
		out.LogMaxAgeDays = getInt(lg, "MaxAgeDays")
		out.LogCompress, _ = getBool(lg, "Compress")
	}

	if ap, ok := raw["apple"].(map[string]any); ok {
		out.ApplePassTypeIdentifier = getString(ap, "PassTypeIdentifier")
		out.AppleTeamID = getString(ap, "TeamID")
		out.AppleKeyID = getString(ap, "KeyID")
		out.AppleOrganization = getString(ap, "Organization")
		out.AppleTemplatePath = getString(ap, "TemplatePath")
		out.AppleAPNsProduction, _ = getBool(ap, "APNsProduction")
	}

	if gw, ok := raw["google"].(map[string]any); ok {
		out.GoogleIssuerID = getString(gw, "IssuerID")
		out.GoogleClassSuffix = getString(gw, "ClassSuffix")
		out.GooglePostpend = getString(gw, "Postpend")
		out.GoogleCredentialsJSON = getString(gw, "CredentialsJSON")
	}

	if st, ok := raw["storage"].(map[string]any); ok {
		out.StorageDriver = getString(st, "Driver")
		out.StorageDir = getString(st, "Dir")
		out.GCSBucketName = getString(st, "GCSBucketName")
	}

	return nil
}

// applyDefaults sets sane defaults for zero-value fields.
func applyDefaults(c *AppConfig) {
	if c.AppPort == "" {
		c.AppPort = "8080"
	}
	if c.PublicBaseURL == "" {
		c.PublicBaseURL = "http://localhost:" + c.AppPort
	}
	if c.AdminUsername == "" {
		c.AdminUsername = "admin"
	}
	if c.GinMode == "" {
		c.GinMode = "release"
	}
	if c.GinPath == "" {
		c.GinPath = "logs/go_gin.log"
	}
	if c.RateLimitPerMinute == 0 {
		c.RateLimitPerMinute = 60
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.ReferenceTimezone == "" {
		c.ReferenceTimezone = "America/Los_Angeles"
	}
	if c.MaxCompanions == 0 {
		c.MaxCompanions = 10
	}
	if c.ChangeRetentionDays == 0 {
		c.ChangeRetentionDays = 90
	}
	if c.PushWorkers == 0 {
		c.PushWorkers = 8
	}
	if c.PushTimeoutSec == 0 {
		c.PushTimeoutSec = 10
	}
	if c.DBDriver == "" {
		c.DBDriver = "mysql"
	}
	if c.DBHost == "" {
		c.DBHost = "127.0.0.1"
	}
	if c.DBPort == "" {
		if c.DBDriver == "postgres" {
			c.DBPort = "5432"
		} else {
			c.DBPort = "3306"
		}
	}
	if c.DBUser == "" {
		c.DBUser = "root"
	}
	if c.DBName == "" {
		c.DBName = "passbook"
	}
	if c.RedisPort == 0 {
		c.RedisPort = 6379
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogMaxSizeMB == 0 {
		c.LogMaxSizeMB = 100
	}
	if c.LogMaxBackups == 0 {
		c.LogMaxBackups = 3
	}
	if c.LogMaxAgeDays == 0 {
		c.LogMaxAgeDays = 7
	}
	if c.AppleOrganization == "" {
		c.AppleOrganization = "Nap Club"
	}
	if c.AppleTemplatePath == "" {
		c.AppleTemplatePath = "apple/template"
	}
	if c.GoogleClassSuffix == "" {
		c.GoogleClassSuffix = "csd"
	}
	if c.StorageDriver == "" {
		c.StorageDriver = "fs"
	}
	if c.StorageDir == "" {
		c.StorageDir = "data"
	}
}

// applyEnvOverrides maps known environment variables onto config values when present.
func applyEnvOverrides(c *AppConfig) {
	if v := getEnv("APP_PORT", ""); v != "" {
		c.AppPort = v
	}
	if v := getEnv("PUBLIC_BASE_URL", ""); v != "" {
		c.PublicBaseURL = strings.TrimRight(v, "/")
	}
	if v := getEnv("JWT_SECRET", ""); v != "" {
		c.JWTSecret = v
	}
	if v := getEnv("ADMIN_USERNAME", ""); v != "" {
		c.AdminUsername = v
	}
	if v := getEnv("ADMIN_PASSWORD_HASH", ""); v != "" {
		c.AdminPasswordHash = v
	}
	if v := getEnv("RATE_LIMIT_PER_MINUTE", ""); v != "" {
		c.RateLimitPerMinute = mustParseInt(v)
	}
	if v := getEnv("CORS_ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitAndTrim(v)
	}
	if v := getEnv("GIN_MODE", ""); v != "" {
		c.GinMode = v
	}
	if v := getEnv("GIN_PATH", ""); v != "" {
		c.GinPath = v
	}
	if v := getEnv("REFERENCE_TIMEZONE", ""); v != "" {
		c.ReferenceTimezone = v
	}
	if v := getEnv("DAILY_THROTTLE", ""); v != "" {
		c.DailyThrottle = parseSwitch(v)
	}
	if v := getEnv("MAX_COMPANIONS", ""); v != "" {
		c.MaxCompanions = mustParseInt(v)
	}
	if v := getEnv("CHANGE_RETENTION_DAYS", ""); v != "" {
		c.ChangeRetentionDays = mustParseInt(v)
	}
	if v := getEnv("LEVELS_PATH", ""); v != "" {
		c.LevelsPath = v
	}
	if v := getEnv("PUSH_WORKERS", ""); v != "" {
		c.PushWorkers = mustParseInt(v)
	}
	if v := getEnv("PUSH_TIMEOUT_SEC", ""); v != "" {
		c.PushTimeoutSec = mustParseInt(v)
	}
	if v := getEnv("DB_DRIVER", ""); v != "" {
		c.DBDriver = strings.ToLower(v)
	}
	if v := getEnv("DATABASE_URI", ""); v != "" {
		c.DatabaseURI = v
	}
	if v := getEnv("DB_HOST", ""); v != "" {
		c.DBHost = v
	}
	if v := getEnv("DB_PORT", ""); v != "" {
		c.DBPort = v
	}
	if v := getEnv("DB_USER", ""); v != "" {
		c.DBUser = v
	}
	if v := getEnv("DB_PASSWORD", ""); v != "" {
		c.DBPassword = v
	}
	if v := getEnv("DB_NAME", ""); v != "" {
		c.DBName = v
	}
	if v := getEnv("REDIS_HOST", ""); v != "" {
		c.RedisHost = v
	}
	if v := getEnv("REDIS_PORT", ""); v != "" {
		c.RedisPort = mustParseInt(v)
	}
	if v := getEnv("REDIS_DB", ""); v != "" {
		c.RedisDB = mustParseInt(v)
	}
	if v := getEnv("REDIS_PASSWORD", ""); v != "" {
		c.RedisPassword = v
	}
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := getEnv("LOG_PATH", ""); v != "" {
		c.LogPath = v
	}
	if v := getEnv("LOG_MAX_SIZE_MB", ""); v != "" {
		c.LogMaxSizeMB = mustParseInt(v)
	}
	if v := getEnv("LOG_MAX_BACKUPS", ""); v != "" {
		c.LogMaxBackups = mustParseInt(v)
	}
	if v := getEnv("LOG_MAX_AGE_DAYS", ""); v != "" {
		c.LogMaxAgeDays = mustParseInt(v)
	}
	if v := getEnv("LOG_COMPRESS", ""); v != "" {
		c.LogCompress = v == "true"
	}
	if v := getEnv("APPLE_PASS_TYPE_IDENTIFIER", ""); v != "" {
		c.ApplePassTypeIdentifier = v
	}
	if v := getEnv("APPLE_TEAM_ID", ""); v != "" {
		c.AppleTeamID = v
	}
	if v := getEnv("APPLE_KEY_ID", ""); v != "" {
		c.AppleKeyID = v
	}
	if v := getEnv("APPLE_ORGANIZATION", ""); v != "" {
		c.AppleOrganization = v
	}
	if v := getEnv("APPLE_TEMPLATE_PATH", ""); v != "" {
		c.AppleTemplatePath = v
	}
	if v := getEnv("APPLE_APNS_PRODUCTION", ""); v != "" {
		c.AppleAPNsProduction = v == "true"
	}
	if v := getEnv("GOOGLE_WALLET_ISSUER_ID", ""); v != "" {
		c.GoogleIssuerID = v
	}
	if v := getEnv("GOOGLE_WALLET_CLASS_SUFFIX", ""); v != "" {
		c.GoogleClassSuffix = v
	}
	if v := getEnv("GOOGLE_WALLET_POSTPEND", ""); v != "" {
		c.GooglePostpend = v
	}
	if v := getEnv("GOOGLE_APPLICATION_CREDENTIALS_JSON", ""); v != "" {
		c.GoogleCredentialsJSON = v
	}
	if v := getEnv("STORAGE_DRIVER", ""); v != "" {
		c.StorageDriver = strings.ToLower(v)
	}
	if v := getEnv("STORAGE_DIR", ""); v != "" {
		c.StorageDir = v
	}
	if v := getEnv("GCS_BUCKET_NAME", ""); v != "" {
		c.GCSBucketName = v
	}
}

// parseSwitch accepts on/off as well as the usual boolean spellings.
func parseSwitch(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "off", "false", "0", "no", "disabled":
		return false
	default:
		return true
	}
}

func mustParseInt(val string) int {
	i, err := strconv.Atoi(val)
	if err != nil {
		log.Fatalf("invalid integer value %s: %v", val, err)
	}
	return i
}

func splitAndTrim(raw string) []string {
	items := []string{}
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
