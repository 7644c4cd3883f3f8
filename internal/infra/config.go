package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации всей платформы.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Guardian GuardianConfig `mapstructure:"guardian"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub и Cache).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"` // Только для Console API
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	PublicKey      []byte
	PrivateKey     []byte
}

// GuardianConfig — транспорт к внешнему Policy Decision Point.
type GuardianConfig struct {
	Addr string `mapstructure:"addr"` // gRPC адрес Guardian-сервиса

	// Таймаут одного Validate-вызова. По истечении — Deny (fail closed).
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	Attempts    int           `mapstructure:"attempts"` // ретраи транспортных ошибок

	// Rate limit на чекпоинты (запросов/сек, burst)
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`

	// Настройки Circuit Breaker
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
}

// SandboxConfig — пороги мониторинга и пределы рантайма песочниц.
// Все константы эскалации вынесены сюда, в коде нет зашитых порогов.
type SandboxConfig struct {
	// Эскалация
	EscalationThresholdFactor float64 `mapstructure:"escalation_threshold_factor"` // 1.0 = любое превышение лимита
	OpenFilesCeiling          int     `mapstructure:"open_files_ceiling"`
	SubprocessCeiling         int     `mapstructure:"subprocess_ceiling"`
	ViolationLimit            int     `mapstructure:"violation_limit"`      // sum(counters) >= N
	SeverityLimit             float64 `mapstructure:"severity_limit"`       // avg(severity) > X
	MetricsBufferDepth        int     `mapstructure:"metrics_buffer_depth"` // глубина кольцевого буфера
	RecentAnomalyCap          int     `mapstructure:"recent_anomaly_cap"`

	// Политика грантов
	AllowedPathRoots []string `mapstructure:"allowed_path_roots"` // пустой список = без ограничения
	StartingLevel    string   `mapstructure:"starting_level"`     // дефолтный уровень новых песочниц

	// Бэкенд исполнения: "local" (/bin/sh) или "mock" (dev/CI)
	Backend string `mapstructure:"backend"`

	// Переопределение жестких потолков по уровням: "restricted" -> {...}
	LevelCeilings map[string]LevelCeiling `mapstructure:"level_ceilings"`

	// Аудит
	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`
	AuditBatchSize     int           `mapstructure:"audit_batch_size"`
}

// LevelCeiling — внешне настраиваемый потолок ресурсов одного уровня.
type LevelCeiling struct {
	CPUPercent     float64 `mapstructure:"cpu_percent"`
	MemoryMB       int     `mapstructure:"memory_mb"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")    // имя файла без расширения
	v.SetConfigType("yaml")      // формат
	v.AddConfigPath(".")         // ищем в корне
	v.AddConfigPath("./configs") // и в папке с конфигами

	// 2. Настройка переменных окружения (ENV)
	// Позволяет перекрывать конфиг: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Загрузка ключей из Файла ИЛИ из ENV
	// Сначала проверяем, не лежит ли сам PEM-ключ в ENV (для Docker/K8s)
	// Если нет — читаем файл по указанному пути
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("logger.level", "info")

	v.SetDefault("guardian.call_timeout", 3*time.Second)
	v.SetDefault("guardian.attempts", 3)
	v.SetDefault("guardian.rate_limit", 100)
	v.SetDefault("guardian.rate_burst", 20)
	v.SetDefault("guardian.cb_max_requests", 3)
	v.SetDefault("guardian.cb_interval", 5*time.Second)
	v.SetDefault("guardian.cb_timeout", 30*time.Second)

	v.SetDefault("sandbox.escalation_threshold_factor", 1.0)
	v.SetDefault("sandbox.open_files_ceiling", 256)
	v.SetDefault("sandbox.subprocess_ceiling", 16)
	v.SetDefault("sandbox.violation_limit", 3)
	v.SetDefault("sandbox.severity_limit", 0.7)
	v.SetDefault("sandbox.metrics_buffer_depth", 50)
	v.SetDefault("sandbox.recent_anomaly_cap", 10)
	v.SetDefault("sandbox.starting_level", "monitored")
	v.SetDefault("sandbox.backend", "local")
	v.SetDefault("sandbox.audit_buffer_size", 10000)
	v.SetDefault("sandbox.audit_flush_interval", 500*time.Millisecond)
	v.SetDefault("sandbox.audit_batch_size", 100)
}

// loadKeyResource — универсальный хелпер архитектора
func loadKeyResource(path string, envDataKey string) []byte {
	// Если ключ прилетел напрямую в ENV (Base64 или PEM)
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	// Иначе читаем файл по пути из конфига
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
