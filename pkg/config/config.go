package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	File       string `yaml:"file" json:"file"`
	MaxSize    int    `yaml:"max_size" json:"max_size"`       // MB
	MaxBackups int    `yaml:"max_backups" json:"max_backups"` // 保留的旧日志数量
	MaxAge     int    `yaml:"max_age" json:"max_age"`         // 天
	Compress   bool   `yaml:"compress" json:"compress"`
}

// RPCConfig 链上 RPC 配置
type RPCConfig struct {
	URL            string  `yaml:"url" json:"url"`
	TimeoutSeconds int     `yaml:"timeout_seconds" json:"timeout_seconds"`
	RequestsPerSec float64 `yaml:"requests_per_sec" json:"requests_per_sec"` // 0 = 不限速
}

// PriceConfig 价格源配置（主源失败后回退到备用源）
type PriceConfig struct {
	PrimaryURL      string  `yaml:"primary_url" json:"primary_url"`
	SecondaryURL    string  `yaml:"secondary_url" json:"secondary_url"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds" json:"cache_ttl_seconds"`
	MinPlausible    float64 `yaml:"min_plausible" json:"min_plausible"`
	MaxPlausible    float64 `yaml:"max_plausible" json:"max_plausible"`
}

// LiquidityConfig 流动性池查询配置
type LiquidityConfig struct {
	URL       string `yaml:"url" json:"url"`
	QuoteMint string `yaml:"quote_mint" json:"quote_mint"`
}

// FeedConfig 实时事件流配置
type FeedConfig struct {
	URL                   string  `yaml:"url" json:"url"`
	SubscribeMessage      string  `yaml:"subscribe_message" json:"subscribe_message"`
	InitialBackoffSeconds float64 `yaml:"initial_backoff_seconds" json:"initial_backoff_seconds"`
	BackoffMultiplier     float64 `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	MaxBackoffSeconds     float64 `yaml:"max_backoff_seconds" json:"max_backoff_seconds"`
	SnipeAmount           string  `yaml:"snipe_amount" json:"snipe_amount"`
	Workers               int     `yaml:"workers" json:"workers"`
	ObservedLogSize       int     `yaml:"observed_log_size" json:"observed_log_size"`
	PingIntervalSeconds   int     `yaml:"ping_interval_seconds" json:"ping_interval_seconds"` // 心跳间隔
	PongTimeoutSeconds    int     `yaml:"pong_timeout_seconds" json:"pong_timeout_seconds"`   // 等待 pong 的额外时间
}

// PendingConfig 待输入动作配置
type PendingConfig struct {
	TimeoutSeconds       int `yaml:"timeout_seconds" json:"timeout_seconds"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds" json:"sweep_interval_seconds"`
}

// WalletConfig 钱包连接配置
type WalletConfig struct {
	ConnectAttempts      int `yaml:"connect_attempts" json:"connect_attempts"`             // 每个窗口内允许的连接次数
	ConnectWindowSeconds int `yaml:"connect_window_seconds" json:"connect_window_seconds"` // 连接次数窗口
	VerifyRetries        int `yaml:"verify_retries" json:"verify_retries"`                 // 余额校验重试次数
}

// CopyTradeConfig 跟单配置
type CopyTradeConfig struct {
	PollIntervalSeconds int    `yaml:"poll_interval_seconds" json:"poll_interval_seconds"`
	Amount              string `yaml:"amount" json:"amount"`
	Token               string `yaml:"token" json:"token"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	SecretsPath string `yaml:"secrets_path" json:"secrets_path"` // Badger 目录
	SecretsKey  string `yaml:"secrets_key" json:"secrets_key"`   // Badger 加密 key（32 bytes base64/hex）
	MasterKey   string `yaml:"master_key" json:"master_key"`     // 凭证信封加密 key（32 bytes base64/hex）
	TradesDB    string `yaml:"trades_db" json:"trades_db"`       // sqlite 路径
	SnapshotDir string `yaml:"snapshot_dir" json:"snapshot_dir"` // 会话快照目录
}

// APIConfig HTTP 控制面配置
type APIConfig struct {
	Listen    string `yaml:"listen" json:"listen"`
	JWTSecret string `yaml:"jwt_secret" json:"jwt_secret"`
	DevTokens bool   `yaml:"dev_tokens" json:"dev_tokens"`
}

// Config 应用配置
type Config struct {
	Log           LogConfig       `yaml:"log" json:"log"`
	RPC           RPCConfig       `yaml:"rpc" json:"rpc"`
	Price         PriceConfig     `yaml:"price" json:"price"`
	Liquidity     LiquidityConfig `yaml:"liquidity" json:"liquidity"`
	Feed          FeedConfig      `yaml:"feed" json:"feed"`
	Pending       PendingConfig   `yaml:"pending" json:"pending"`
	Wallet        WalletConfig    `yaml:"wallet" json:"wallet"`
	CopyTrade     CopyTradeConfig `yaml:"copytrade" json:"copytrade"`
	Storage       StorageConfig   `yaml:"storage" json:"storage"`
	API           APIConfig       `yaml:"api" json:"api"`
	MetricsListen string          `yaml:"metrics_listen" json:"metrics_listen"`
	DryRun        bool            `yaml:"dry_run" json:"dry_run"` // 纸交易模式：结算只打印日志
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			File:       "logs/bot.log",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
		RPC: RPCConfig{
			URL:            "https://api.mainnet-beta.solana.com",
			TimeoutSeconds: 10,
			RequestsPerSec: 10,
		},
		Price: PriceConfig{
			PrimaryURL:      "https://api.coingecko.com/api/v3",
			SecondaryURL:    "https://api.binance.com/api/v3",
			CacheTTLSeconds: 60,
			MinPlausible:    1,
			MaxPlausible:    10000,
		},
		Liquidity: LiquidityConfig{
			URL:       "https://api-v3.raydium.io",
			QuoteMint: "So11111111111111111111111111111111111111112",
		},
		Feed: FeedConfig{
			URL:                   "wss://pumpportal.fun/api/data",
			SubscribeMessage:      `{"type":"subscribe","channel":"new_pools"}`,
			InitialBackoffSeconds: 5,
			BackoffMultiplier:     1.5,
			MaxBackoffSeconds:     60,
			SnipeAmount:           "1.0",
			Workers:               8,
			ObservedLogSize:       1000,
			PingIntervalSeconds:   20,
			PongTimeoutSeconds:    10,
		},
		Pending: PendingConfig{
			TimeoutSeconds:       300,
			SweepIntervalSeconds: 5,
		},
		Wallet: WalletConfig{
			ConnectAttempts:      3,
			ConnectWindowSeconds: 600,
			VerifyRetries:        3,
		},
		CopyTrade: CopyTradeConfig{
			PollIntervalSeconds: 60,
			Amount:              "1.0",
			Token:               "So11111111111111111111111111111111111111112",
		},
		Storage: StorageConfig{
			SecretsPath: "data/secrets.badger",
			TradesDB:    "data/trades.db",
			SnapshotDir: "data/state",
		},
		API: APIConfig{
			Listen: "127.0.0.1:8080",
		},
		MetricsListen: "127.0.0.1:6060",
		DryRun:        true,
	}
}

// Load 从文件加载配置（可为空），再叠加环境变量
func Load(filePath string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(filePath) != "" {
		if err := loadConfigFile(filePath, cfg); err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

// loadConfigFile 解析 YAML/JSON 配置文件，覆盖到 cfg 上
func loadConfigFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(filePath)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}
	return nil
}

// applyEnv 环境变量覆盖（优先级：环境变量 > 配置文件 > 默认值）
func applyEnv(cfg *Config) {
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.RPC.URL = getEnv("SOLBOT_RPC_URL", cfg.RPC.URL)
	cfg.Feed.URL = getEnv("SOLBOT_FEED_URL", cfg.Feed.URL)
	cfg.Storage.SecretsPath = getEnv("SOLBOT_SECRET_DB", cfg.Storage.SecretsPath)
	cfg.Storage.SecretsKey = getEnv("SOLBOT_SECRET_KEY", cfg.Storage.SecretsKey)
	cfg.Storage.MasterKey = getEnv("SOLBOT_MASTER_KEY", cfg.Storage.MasterKey)
	cfg.Storage.TradesDB = getEnv("SOLBOT_TRADES_DB", cfg.Storage.TradesDB)
	cfg.API.Listen = getEnv("SOLBOT_API_LISTEN", cfg.API.Listen)
	cfg.API.JWTSecret = getEnv("SOLBOT_JWT_SECRET", cfg.API.JWTSecret)
	cfg.MetricsListen = getEnv("SOLBOT_METRICS_LISTEN", cfg.MetricsListen)
	cfg.Pending.TimeoutSeconds = parseIntEnv("SOLBOT_PENDING_TIMEOUT", cfg.Pending.TimeoutSeconds)
	cfg.Feed.Workers = parseIntEnv("SOLBOT_FEED_WORKERS", cfg.Feed.Workers)
	cfg.DryRun = parseBoolEnv("SOLBOT_DRY_RUN", cfg.DryRun)
}

// Validate 验证配置
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RPC.URL) == "" {
		return fmt.Errorf("rpc.url 未配置")
	}
	if strings.TrimSpace(c.Feed.URL) == "" {
		return fmt.Errorf("feed.url 未配置")
	}
	if c.Feed.InitialBackoffSeconds <= 0 || c.Feed.MaxBackoffSeconds < c.Feed.InitialBackoffSeconds {
		return fmt.Errorf("feed 退避参数无效: initial=%v max=%v", c.Feed.InitialBackoffSeconds, c.Feed.MaxBackoffSeconds)
	}
	if c.Feed.BackoffMultiplier < 1 {
		return fmt.Errorf("feed.backoff_multiplier 必须 >= 1")
	}
	if c.Feed.Workers <= 0 {
		return fmt.Errorf("feed.workers 必须大于 0")
	}
	if c.Pending.TimeoutSeconds <= 0 || c.Pending.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("pending 超时/清理间隔必须大于 0")
	}
	if c.Price.MinPlausible <= 0 || c.Price.MaxPlausible <= c.Price.MinPlausible {
		return fmt.Errorf("price 合理区间无效: [%v, %v]", c.Price.MinPlausible, c.Price.MaxPlausible)
	}
	if strings.TrimSpace(c.Storage.MasterKey) == "" {
		return fmt.Errorf("SOLBOT_MASTER_KEY 未配置")
	}
	if strings.TrimSpace(c.API.Listen) != "" && strings.TrimSpace(c.API.JWTSecret) == "" {
		return fmt.Errorf("启用 api.listen 时必须配置 SOLBOT_JWT_SECRET")
	}
	return nil
}

// Seconds 把整数秒转换为 time.Duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// FloatSeconds 把浮点秒转换为 time.Duration
func FloatSeconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}
