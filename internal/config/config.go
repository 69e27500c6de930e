package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config содержит конфигурацию приложения
type Config struct {
	// Настройки сервера
	Port                int    `envconfig:"SERVER_PORT" default:"8080"`
	BasePath            string `envconfig:"SERVER_BASE_PATH" default:"/api"`
	ReadTimeoutSeconds  int    `envconfig:"SERVER_READ_TIMEOUT" default:"15"`
	WriteTimeoutSeconds int    `envconfig:"SERVER_WRITE_TIMEOUT" default:"120"`
	IdleTimeoutSeconds  int    `envconfig:"SERVER_IDLE_TIMEOUT" default:"60"`
	LogLevel            string `envconfig:"LOG_LEVEL" default:"info"`

	// Настройки PostgreSQL
	DBHost        string        `envconfig:"DB_HOST" default:"localhost"`
	DBPort        int           `envconfig:"DB_PORT" default:"5432"`
	DBUser        string        `envconfig:"DB_USER" default:"postgres"`
	DBPassword    string        `envconfig:"DB_PASSWORD" default:"postgres"`
	DBName        string        `envconfig:"DB_NAME" default:"companion"`
	DBSSLMode     string        `envconfig:"DB_SSL_MODE" default:"disable"`
	DBMaxConns    int           `envconfig:"DB_MAX_CONNECTIONS" default:"10"`
	DBIdleTimeout time.Duration `envconfig:"DB_MAX_IDLE_TIME" default:"5m"`

	// Настройки AI API
	AIAPIKey      string `envconfig:"AI_API_KEY" required:"true"`
	AIModel       string `envconfig:"AI_MODEL" default:"deepseek/deepseek-chat-v3-0324:free"`
	AIBaseURL     string `envconfig:"AI_BASE_URL" default:"https://openrouter.ai/api/v1"`
	AITimeout     int    `envconfig:"AI_TIMEOUT" default:"120"`
	AIMaxAttempts int    `envconfig:"AI_MAX_ATTEMPTS" default:"3"`

	// Настройки CORS и JWT
	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:3000,http://localhost:5173"`
	JWTSecret          string `envconfig:"JWT_SECRET" default:""`

	// Путь к директории с SQL-миграциями
	MigrationsDir string `envconfig:"MIGRATIONS_DIR" default:"internal/database/migrations"`
}

// Load загружает конфигурацию из переменных окружения
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("ошибка загрузки конфигурации: %w", err)
	}
	return cfg, nil
}

// DSN возвращает строку подключения для PostgreSQL
func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// AllowedOrigins разбирает список разрешенных источников для CORS
func (c Config) AllowedOrigins() []string {
	parts := strings.Split(c.CORSAllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
