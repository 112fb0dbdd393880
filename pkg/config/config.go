package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Sync     SyncConfig     `mapstructure:"sync"`
}

// AppConfig 应用配置
type AppConfig struct {
	Name      string `mapstructure:"name"`
	Version   string `mapstructure:"version"`
	JWTSecret string `mapstructure:"jwt_secret"`
	LogLevel  string `mapstructure:"log_level"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTP HTTPConfig `mapstructure:"http"`
}

// HTTPConfig HTTP服务配置
type HTTPConfig struct {
	Network string `mapstructure:"network"`
	Addr    string `mapstructure:"addr"`
	Timeout string `mapstructure:"timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	MongoDB    MongoDBConfig    `mapstructure:"mongodb"`
	PostgreSQL PostgreSQLConfig `mapstructure:"postgresql"`
}

// MongoDBConfig MongoDB配置
type MongoDBConfig struct {
	URI    string `mapstructure:"uri"`
	DBName string `mapstructure:"db_name"`
}

// PostgreSQLConfig PostgreSQL配置
type PostgreSQLConfig struct {
	DSN    string `mapstructure:"dsn"`
	DBName string `mapstructure:"db_name"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	GroupID     string   `mapstructure:"group_id"`
	JobsTopic   string   `mapstructure:"jobs_topic"`
	EventsTopic string   `mapstructure:"events_topic"`
}

// SyncConfig 同步子系统配置
type SyncConfig struct {
	Workers           int `mapstructure:"workers"`             // 消费协程数
	MaxRetries        int `mapstructure:"max_retries"`         // 重试上限
	PopTimeoutSeconds int `mapstructure:"pop_timeout_seconds"` // 阻塞弹出超时（秒）
	GraceSeconds      int `mapstructure:"grace_seconds"`       // 掉线宽限期（秒）
	StaleAfterMinutes int `mapstructure:"stale_after_minutes"` // 用户多久未同步视为过期
	StaleBatchSize    int `mapstructure:"stale_batch_size"`    // 单次补偿同步的用户上限
	DrainSeconds      int `mapstructure:"drain_seconds"`       // 优雅退出的排空窗口（秒）
	ConflictTTLHours  int `mapstructure:"conflict_ttl_hours"`  // 冲突记录过期时间（小时）
}

// LoadConfig 加载配置，默认值可被MOODCHAT_*环境变量覆盖
func LoadConfig(serviceName string) *Config {
	v := viper.New()

	var defaultHTTPPort string
	switch serviceName {
	case "sync-service":
		defaultHTTPPort = "21010"
	default:
		panic(fmt.Sprintf("未知的服务名称: %s", serviceName))
	}

	v.SetDefault("app.name", serviceName)
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.jwt_secret", "moodchat")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":"+defaultHTTPPort)
	v.SetDefault("server.http.timeout", "30s")

	v.SetDefault("database.mongodb.uri", "mongodb://localhost:27017")
	v.SetDefault("database.mongodb.db_name", "moodchatDB")
	v.SetDefault("database.postgresql.dsn", "host=localhost user=postgres password=postgres dbname=moodchatDB port=5432 sslmode=disable")
	v.SetDefault("database.postgresql.db_name", "moodchatDB")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", serviceName+"-group")
	v.SetDefault("kafka.jobs_topic", "sync_jobs")
	v.SetDefault("kafka.events_topic", "im_events")

	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.pop_timeout_seconds", 2)
	v.SetDefault("sync.grace_seconds", 5)
	v.SetDefault("sync.stale_after_minutes", 10)
	v.SetDefault("sync.stale_batch_size", 100)
	v.SetDefault("sync.drain_seconds", 10)
	v.SetDefault("sync.conflict_ttl_hours", 24)

	// 环境变量覆盖: MOODCHAT_REDIS_ADDR、MOODCHAT_SYNC_WORKERS等
	v.SetEnvPrefix("MOODCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 可选的配置文件
	v.SetConfigName(serviceName)
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Sprintf("读取配置文件失败: %v", err))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("解析配置失败: %v", err))
	}
	return &cfg
}
