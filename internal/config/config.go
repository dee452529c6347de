package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// PostboxConfig 定义信箱服务的核心业务配置
type PostboxConfig struct {
	Capacity         int      // 信箱槽位数量（一页界面），默认 27
	GuestMergePolicy string   // 访客关闭时的对账策略: "additions" 或 "replace"
	SendRate         float64  // 每个发送者每秒允许的投递次数
	SendBurst        int      // 投递限流的突发额度
	Admins           []string // 拥有全部 open-other 能力的用户 ID 列表
}

// StorageConfig 定义记录存储的选择与路径
type StorageConfig struct {
	Type string // 存储类型: "memory"、"filesystem"、"postgres" 或 "mysql"
	Path string // filesystem 存储的根目录
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 授权存储配置
type RedisConfig struct {
	Address  string // Redis 服务地址，留空表示不启用
	Password string // Redis 认证密码
	DB       int    // Redis 数据库编号
}

// JWTConfig 定义 JWT 认证相关配置
type JWTConfig struct {
	Secret       string        // JWT 签名密钥，必须至少 32 字符
	Issuer       string        // JWT 签发者标识，默认 "postbox"
	AccessExpiry time.Duration // 访问令牌有效期，默认 12 小时
	GatewayKey   string        // 网关换取用户令牌时使用的共享密钥
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 彩色输出与详细堆栈
	File        string // 日志文件路径，留空只输出到控制台
}

// CORSConfig 定义跨域资源共享配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server   ServerConfig
	Postbox  PostboxConfig
	Storage  StorageConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Log      LogConfig
	CORS     CORSConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: POSTBOX_
// 例如: POSTBOX_SERVER_PORT, POSTBOX_JWT_SECRET
func Load() (*Config, error) {
	loadEnvFile()

	viper.SetEnvPrefix("postbox")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("postbox.capacity", 27)
	viper.SetDefault("postbox.guest_merge_policy", "additions")
	viper.SetDefault("postbox.send_rate", 1.0)
	viper.SetDefault("postbox.send_burst", 5)
	viper.SetDefault("postbox.admins", "")
	viper.SetDefault("storage.type", "memory")
	viper.SetDefault("storage.path", "./data/postbox")
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("redis.address", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.issuer", "postbox")
	viper.SetDefault("jwt.access_expiry", "12h")
	viper.SetDefault("jwt.gateway_key", "")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")
	viper.SetDefault("cors.allowed_origins", "*")

	capacity := viper.GetInt("postbox.capacity")
	if capacity <= 0 {
		return nil, fmt.Errorf("postbox.capacity must be positive, got %d", capacity)
	}

	mergePolicy := viper.GetString("postbox.guest_merge_policy")
	if mergePolicy != "additions" && mergePolicy != "replace" {
		return nil, fmt.Errorf("postbox.guest_merge_policy must be \"additions\" or \"replace\", got %q", mergePolicy)
	}

	storageType := viper.GetString("storage.type")
	switch storageType {
	case "memory", "filesystem", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unknown storage.type %q", storageType)
	}
	if (storageType == "postgres" || storageType == "mysql") && viper.GetString("database.dsn") == "" {
		return nil, fmt.Errorf("database.dsn is required for storage.type %q", storageType)
	}

	connMaxLifetime, err := time.ParseDuration(viper.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}

	accessExpiry, err := time.ParseDuration(viper.GetString("jwt.access_expiry"))
	if err != nil {
		accessExpiry = 12 * time.Hour
	}

	jwtSecret := viper.GetString("jwt.secret")
	if jwtSecret == "change-me-in-production" {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret cannot be the default value. Please set POSTBOX_JWT_SECRET environment variable")
	}
	if len(jwtSecret) < 32 {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret must be at least 32 characters long")
	}

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		Postbox: PostboxConfig{
			Capacity:         capacity,
			GuestMergePolicy: mergePolicy,
			SendRate:         viper.GetFloat64("postbox.send_rate"),
			SendBurst:        viper.GetInt("postbox.send_burst"),
			Admins:           parseList(viper.GetString("postbox.admins")),
		},
		Storage: StorageConfig{
			Type: storageType,
			Path: viper.GetString("storage.path"),
		},
		Database: DatabaseConfig{
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		Redis: RedisConfig{
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:       jwtSecret,
			Issuer:       viper.GetString("jwt.issuer"),
			AccessExpiry: accessExpiry,
			GatewayKey:   viper.GetString("jwt.gateway_key"),
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			File:        viper.GetString("log.file"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
	}

	return cfg, nil
}

// parseList 将逗号分隔的字符串解析为字符串切片，去除空白项。
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件（可选，静默失败）。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}
	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
