package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/xela07ax/spaceai-governance/internal/domain"
)

// Config: корневая структура конфигурации движка governance.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logger     LoggerConfig     `mapstructure:"logger"`
	Governance GovernanceConfig `mapstructure:"governance"`
	Notify     NotifyConfig     `mapstructure:"notify"`
}

// ServerConfig описывает настройки HTTP-сервера консоли и метрик.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig описывает подключение к PostgreSQL. Пустой URL = in-memory хранилища.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (счётчики лимитов и Pub/Sub).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig: публичный ключ для проверки токенов операторов (RS256).
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	Issuer        string `mapstructure:"issuer"` // пусто = не проверяем iss
	PublicKey     []byte
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

type GovernanceConfig struct {
	Policy             PolicyConfig           `mapstructure:"policy"`
	Budget             BudgetConfig           `mapstructure:"budget"`
	RateLimit          domain.RateLimitConfig `mapstructure:"rate_limit"`
	Approval           ApprovalConfig         `mapstructure:"approval"`
	AuditBufferSize    int                    `mapstructure:"audit_buffer_size"`
	AuditFlushInterval time.Duration          `mapstructure:"audit_flush_interval"`
}

type PolicyConfig struct {
	FailClosed       bool   `mapstructure:"fail_closed"`
	ConflictStrategy string `mapstructure:"conflict_strategy"`
	PoliciesFile     string `mapstructure:"policies_file"`
}

type BudgetConfig struct {
	WarningThreshold      float64   `mapstructure:"warning_threshold"`
	DegradationThreshold  float64   `mapstructure:"degradation_threshold"`
	AlertThresholds       []float64 `mapstructure:"alert_thresholds"`
	RolloverEnabled       bool      `mapstructure:"rollover_enabled"`
	MaxRolloverPercentage float64   `mapstructure:"max_rollover_percentage"`
}

type ApprovalConfig struct {
	CostThreshold       float64       `mapstructure:"cost_threshold"`
	TTL                 time.Duration `mapstructure:"ttl"`
	AllowSelfApproval   bool          `mapstructure:"allow_self_approval"`
	RequiredApprovals   int           `mapstructure:"required_approvals"`
	ApproverRoles       []string      `mapstructure:"approver_roles"`
	ApproverUsers       []string      `mapstructure:"approver_users"`
	ApproverIDs         []string      `mapstructure:"approver_ids"`
	AlwaysApproveAgents []string      `mapstructure:"always_approve_agents"`
	SensitiveKeywords   []string      `mapstructure:"sensitive_keywords"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
}

// NotifyConfig: каналы доставки уведомлений апруверам.
type NotifyConfig struct {
	QueueSize       int              `mapstructure:"queue_size"`
	SMTP            SMTPConfig       `mapstructure:"smtp"`
	SlackWebhookURL string           `mapstructure:"slack_webhook_url"`
	TeamsWebhookURL string           `mapstructure:"teams_webhook_url"`
	WebhookURL      string           `mapstructure:"webhook_url"`
	WebhookSecret   string           `mapstructure:"webhook_secret"`
	RatePerSecond   float64          `mapstructure:"rate_per_second"`
	Approvers       []ApproverConfig `mapstructure:"approvers"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// ApproverConfig: статический справочник апруверов (вместо внешнего IdP)
type ApproverConfig struct {
	ID                string   `mapstructure:"id"`
	Name              string   `mapstructure:"name"`
	Email             string   `mapstructure:"email"`
	SlackUserID       string   `mapstructure:"slack_user_id"`
	Roles             []string `mapstructure:"roles"`
	PreferredChannels []string `mapstructure:"preferred_channels"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. ENV перекрывает файл: GOVERNANCE_POLICY_FAIL_CLOSED=false -> governance.policy.fail_closed
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
		// Если файла нет, работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. PEM-ключ из ENV (Docker/K8s) или из файла
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("governance.policy.fail_closed", true)
	v.SetDefault("governance.policy.conflict_strategy", string(domain.DenyOverrides))

	v.SetDefault("governance.budget.warning_threshold", 0.8)
	v.SetDefault("governance.budget.degradation_threshold", 0.9)
	v.SetDefault("governance.budget.alert_thresholds", []float64{0.5, 0.75, 0.9, 1.0})
	v.SetDefault("governance.budget.max_rollover_percentage", 0.25)

	def := domain.DefaultRateLimitConfig()
	v.SetDefault("governance.rate_limit.requests_per_minute", def.RequestsPerMinute)
	v.SetDefault("governance.rate_limit.requests_per_hour", def.RequestsPerHour)
	v.SetDefault("governance.rate_limit.requests_per_day", def.RequestsPerDay)
	v.SetDefault("governance.rate_limit.burst_multiplier", def.BurstMultiplier)

	v.SetDefault("governance.approval.cost_threshold", 10.0)
	v.SetDefault("governance.approval.ttl", 24*time.Hour)
	v.SetDefault("governance.approval.required_approvals", 1)
	v.SetDefault("governance.approval.sweep_interval", time.Minute)

	v.SetDefault("governance.audit_buffer_size", 10000)
	v.SetDefault("governance.audit_flush_interval", 500*time.Millisecond)

	v.SetDefault("notify.queue_size", 1000)
	v.SetDefault("notify.rate_per_second", 10.0)
	v.SetDefault("notify.smtp.port", 587)
}

// loadKeyResource: ключ прямо из ENV или из файла по пути из конфига
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
