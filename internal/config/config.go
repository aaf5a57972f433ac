package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存整个内容管道的配置。
type Config struct {
	App        AppConfig        `json:"app"`
	Store      StoreConfig      `json:"store"`
	Source     SourceConfig     `json:"source"`
	Pipeline   PipelineConfig   `json:"pipeline"`
	Moderation ModerationConfig `json:"moderation"`
	Providers  ProviderConfig   `json:"providers"`
	Price      PriceConfig      `json:"price"`
	Redis      RedisConfig      `json:"redis"`
	Catalog    CatalogConfig    `json:"catalog"`
	Email      EmailConfig      `json:"email"`
	Security   SecurityConfig   `json:"security"`
}

// AppConfig 进程级基础配置。
type AppConfig struct {
	Env           string `json:"env"`            // 运行环境: local / prod
	LogLevel      string `json:"log_level"`      // 日志级别: debug / info / warn / error
	HTTPAddr      string `json:"http_addr"`      // API 服务监听地址
	MetricsAddr   string `json:"metrics_addr"`   // ingest / pipeline 的指标端口
	TestMode      bool   `json:"test_mode"`      // 测试模式：禁止外部调用与下载
	WorkerCount   int    `json:"worker_count"`   // 下载 / 抽取并发数
	QueueCapacity int    `json:"queue_capacity"` // 进程内任务队列容量
}

// StoreConfig 文件存储布局与保留策略。
type StoreConfig struct {
	DataDir         string        `json:"data_dir"`         // 数据根目录
	Langs           []string      `json:"langs"`            // Lot 必须具备的语言
	KeepDays        int           `json:"keep_days"`        // 保留天数
	MediaMaxAge     time.Duration `json:"media_max_age"`    // 超过该时长的媒体不下载
	MaxImageBytes   int64         `json:"max_image_bytes"`  // 图片大小上限
	DownloadTimeout time.Duration `json:"download_timeout"` // 单个下载超时
}

// SourceConfig 消息来源配置。
type SourceConfig struct {
	SpoolDir     string           `json:"spool_dir"`     // JSONL 消息目录
	BridgeURL    string           `json:"bridge_url"`    // 实时消息 WebSocket 桥（为空则轮询 spool）
	PollInterval time.Duration    `json:"poll_interval"` // spool 轮询间隔
	Chats        []string         `json:"chats"`         // 需要镜像的聊天，"chat/<topic>" 限定话题
	Topics       map[string][]int `json:"topics"`        // 每个聊天允许的话题 ID（为空表示全部）
}

// PipelineConfig 阶段调度相关配置。
type PipelineConfig struct {
	ChopCooldown      time.Duration `json:"chop_cooldown"`       // 切分去抖窗口
	ChopCheckInterval time.Duration `json:"chop_check_interval"` // 切分队列轮询间隔
	FlushTimeout      time.Duration `json:"flush_timeout"`       // 关闭时 flush 的硬超时
	ScanInterval      time.Duration `json:"scan_interval"`       // pending 扫描间隔
	BatchInterval     time.Duration `json:"batch_interval"`      // prices / similar / publish 批处理间隔
	CleanInterval     time.Duration `json:"clean_interval"`      // 保留清理间隔
	StuckTimeout      time.Duration `json:"stuck_timeout"`       // 处理中超时回收
	DedupWindow       int           `json:"dedup_window"`        // 重复投递去重窗口（秒）
	EventStream       string        `json:"event_stream"`        // Lot 发布事件流
	EventGroup        string        `json:"event_group"`         // 事件消费组
}

// ModerationConfig 审核规则。
type ModerationConfig struct {
	Blacklist        []string `json:"blacklist"`         // 屏蔽的发送者用户名
	BannedSubstrings []string `json:"banned_substrings"` // 屏蔽的文本片段（大小写不敏感）
}

// ProviderConfig 外部模型服务配置。
type ProviderConfig struct {
	BaseURL       string        `json:"base_url"`       // OpenAI 兼容接口地址
	APIKey        string        `json:"api_key"`        // 接口密钥
	CaptionModels []string      `json:"caption_models"` // 图片描述模型（按顺序回退）
	ChopModels    []string      `json:"chop_models"`    // 切分模型（第一个为小模型）
	EmbedModel    string        `json:"embed_model"`    // 向量模型
	Timeout       time.Duration `json:"timeout"`        // 单次调用超时
	RateLimit     float64       `json:"rate_limit"`     // 共享限流速率（token/s）
	RateBurst     float64       `json:"rate_burst"`     // 限流桶容量
}

// PriceConfig 价格推断配置。
type PriceConfig struct {
	MinSamples       int    `json:"min_samples"`        // 币种猜测所需最少样本
	OfficialRatesURL string `json:"official_rates_url"` // 官方汇率接口
}

// RedisConfig Redis 配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// CatalogConfig 目录库配置。
type CatalogConfig struct {
	Driver    string `json:"driver"`     // sqlite / mysql
	DSN       string `json:"dsn"`        // 数据库连接字符串
	IndexPath string `json:"index_path"` // 全文索引目录
	SiteURL   string `json:"site_url"`   // 站点地址（用于邮件链接）
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
}

// SecurityConfig 管理端认证配置。
type SecurityConfig struct {
	JWTSecret     string `json:"jwt_secret"`     // JWT 签名密钥
	AdminEmail    string `json:"admin_email"`    // 初始管理员邮箱
	AdminPassword string `json:"admin_password"` // 初始管理员密码（为空则不创建）
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json")
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadOrDefault 加载配置，如果失败则返回默认配置（不报错）。
func LoadOrDefault(configPath ...string) *Config {
	cfg, err := Load(configPath...)
	if err != nil {
		fallback := getDefaultConfig()
		applyEnvOverrides(fallback)
		return fallback
	}
	return cfg
}

// Save 保存配置到 JSON 文件。
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// ChatNames 返回去重后的聊天名，并把 "chat/<topic>" 形式的条目合并进 Topics。
//
// 同一聊天既出现无话题条目又出现话题条目时，无话题条目优先（不过滤话题）。
func (s *SourceConfig) ChatNames() []string {
	if s.Topics == nil {
		s.Topics = make(map[string][]int)
	}
	unrestricted := make(map[string]bool)
	var out []string
	seen := make(map[string]bool)
	for _, item := range s.Chats {
		chat := item
		if name, tid, ok := strings.Cut(item, "/"); ok {
			chat = name
			if id, err := strconv.Atoi(tid); err == nil && !unrestricted[chat] {
				s.Topics[chat] = append(s.Topics[chat], id)
			}
		} else {
			unrestricted[chat] = true
			delete(s.Topics, chat)
		}
		if !seen[chat] {
			seen[chat] = true
			out = append(out, chat)
		}
	}
	return out
}

// KeepDuration 返回保留期时长。
func (s StoreConfig) KeepDuration() time.Duration {
	return time.Duration(s.KeepDays) * 24 * time.Hour
}

// DefaultBannedSubstrings 是开箱即用的垃圾消息片段。
var DefaultBannedSubstrings = []string{
	"прошу подпишитесь на канал @flats_in_georgia чтобы я пропускал ваши сообщения в этот чат!",
	"нарушил допустимую частоту публикации обьявлений и не сможет писать до",
	"вы используете запрещенное слово",
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:           "local",
			LogLevel:      "info",
			HTTPAddr:      ":8081",
			MetricsAddr:   ":2112",
			WorkerCount:   4,
			QueueCapacity: 1000,
		},
		Store: StoreConfig{
			DataDir:         "data",
			Langs:           []string{"en", "ru", "ka"},
			KeepDays:        7,
			MediaMaxAge:     7 * 24 * time.Hour,
			MaxImageBytes:   10 * 1024 * 1024,
			DownloadTimeout: 300 * time.Second,
		},
		Source: SourceConfig{
			SpoolDir:     "spool",
			PollInterval: time.Second,
		},
		Pipeline: PipelineConfig{
			ChopCooldown:      20 * time.Second,
			ChopCheckInterval: 5 * time.Second,
			FlushTimeout:      60 * time.Second,
			ScanInterval:      time.Minute,
			BatchInterval:     15 * time.Minute,
			CleanInterval:     6 * time.Hour,
			StuckTimeout:      10 * time.Minute,
			DedupWindow:       3600,
			EventStream:       "marketfeed:lots:published",
			EventGroup:        "alerts",
		},
		Moderation: ModerationConfig{
			BannedSubstrings: append([]string(nil), DefaultBannedSubstrings...),
		},
		Providers: ProviderConfig{
			BaseURL:       "https://api.openai.com",
			CaptionModels: []string{"gpt-4o-mini", "gpt-4o"},
			ChopModels:    []string{"gpt-4o-mini", "gpt-4o"},
			EmbedModel:    "text-embedding-3-small",
			Timeout:       2 * time.Minute,
			RateLimit:     3,
			RateBurst:     5,
		},
		Price: PriceConfig{
			MinSamples:       50,
			OfficialRatesURL: "https://open.er-api.com/v6/latest/USD",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Catalog: CatalogConfig{
			Driver:    "sqlite",
			DSN:       "data/catalog.db",
			IndexPath: "data/catalog.bleve",
			SiteURL:   "http://localhost:8081",
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
		Security: SecurityConfig{
			JWTSecret:  "dev_secret_change_me",
			AdminEmail: "admin@marketfeed.local",
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.MetricsAddr == "" {
		cfg.App.MetricsAddr = defaults.App.MetricsAddr
	}
	if cfg.App.WorkerCount == 0 {
		cfg.App.WorkerCount = defaults.App.WorkerCount
	}
	if cfg.App.QueueCapacity == 0 {
		cfg.App.QueueCapacity = defaults.App.QueueCapacity
	}

	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = defaults.Store.DataDir
	}
	if len(cfg.Store.Langs) == 0 {
		cfg.Store.Langs = defaults.Store.Langs
	}
	if cfg.Store.KeepDays == 0 {
		cfg.Store.KeepDays = defaults.Store.KeepDays
	}
	if cfg.Store.MediaMaxAge == 0 {
		// 与保留期保持一致
		cfg.Store.MediaMaxAge = cfg.Store.KeepDuration()
	}
	if cfg.Store.MaxImageBytes == 0 {
		cfg.Store.MaxImageBytes = defaults.Store.MaxImageBytes
	}
	if cfg.Store.DownloadTimeout == 0 {
		cfg.Store.DownloadTimeout = defaults.Store.DownloadTimeout
	}

	if cfg.Source.SpoolDir == "" {
		cfg.Source.SpoolDir = defaults.Source.SpoolDir
	}
	if cfg.Source.PollInterval == 0 {
		cfg.Source.PollInterval = defaults.Source.PollInterval
	}

	if cfg.Pipeline.ChopCooldown == 0 {
		cfg.Pipeline.ChopCooldown = defaults.Pipeline.ChopCooldown
	}
	if cfg.Pipeline.ChopCheckInterval == 0 {
		cfg.Pipeline.ChopCheckInterval = defaults.Pipeline.ChopCheckInterval
	}
	if cfg.Pipeline.FlushTimeout == 0 {
		cfg.Pipeline.FlushTimeout = defaults.Pipeline.FlushTimeout
	}
	if cfg.Pipeline.ScanInterval == 0 {
		cfg.Pipeline.ScanInterval = defaults.Pipeline.ScanInterval
	}
	if cfg.Pipeline.BatchInterval == 0 {
		cfg.Pipeline.BatchInterval = defaults.Pipeline.BatchInterval
	}
	if cfg.Pipeline.CleanInterval == 0 {
		cfg.Pipeline.CleanInterval = defaults.Pipeline.CleanInterval
	}
	if cfg.Pipeline.StuckTimeout == 0 {
		cfg.Pipeline.StuckTimeout = defaults.Pipeline.StuckTimeout
	}
	if cfg.Pipeline.DedupWindow == 0 {
		cfg.Pipeline.DedupWindow = defaults.Pipeline.DedupWindow
	}
	if cfg.Pipeline.EventStream == "" {
		cfg.Pipeline.EventStream = defaults.Pipeline.EventStream
	}
	if cfg.Pipeline.EventGroup == "" {
		cfg.Pipeline.EventGroup = defaults.Pipeline.EventGroup
	}

	if cfg.Moderation.BannedSubstrings == nil {
		cfg.Moderation.BannedSubstrings = defaults.Moderation.BannedSubstrings
	}

	if cfg.Providers.BaseURL == "" {
		cfg.Providers.BaseURL = defaults.Providers.BaseURL
	}
	if len(cfg.Providers.CaptionModels) == 0 {
		cfg.Providers.CaptionModels = defaults.Providers.CaptionModels
	}
	if len(cfg.Providers.ChopModels) == 0 {
		cfg.Providers.ChopModels = defaults.Providers.ChopModels
	}
	if cfg.Providers.EmbedModel == "" {
		cfg.Providers.EmbedModel = defaults.Providers.EmbedModel
	}
	if cfg.Providers.Timeout == 0 {
		cfg.Providers.Timeout = defaults.Providers.Timeout
	}
	if cfg.Providers.RateLimit == 0 {
		cfg.Providers.RateLimit = defaults.Providers.RateLimit
	}
	if cfg.Providers.RateBurst == 0 {
		cfg.Providers.RateBurst = defaults.Providers.RateBurst
	}

	if cfg.Price.MinSamples == 0 {
		cfg.Price.MinSamples = defaults.Price.MinSamples
	}
	if cfg.Price.OfficialRatesURL == "" {
		cfg.Price.OfficialRatesURL = defaults.Price.OfficialRatesURL
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}

	if cfg.Catalog.Driver == "" {
		cfg.Catalog.Driver = defaults.Catalog.Driver
	}
	if cfg.Catalog.DSN == "" {
		cfg.Catalog.DSN = defaults.Catalog.DSN
	}
	if cfg.Catalog.IndexPath == "" {
		cfg.Catalog.IndexPath = defaults.Catalog.IndexPath
	}
	if cfg.Catalog.SiteURL == "" {
		cfg.Catalog.SiteURL = defaults.Catalog.SiteURL
	}

	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = defaults.Security.JWTSecret
	}
	if cfg.Security.AdminEmail == "" {
		cfg.Security.AdminEmail = defaults.Security.AdminEmail
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("admin_password", "ADMIN_PASSWORD")
	_ = viper.BindEnv("openai_key", "OPENAI_KEY")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_METRICS_ADDR"); v != "" {
		cfg.App.MetricsAddr = v
	}
	if v := os.Getenv("TEST_MODE"); v != "" {
		cfg.App.TestMode = v == "1" || v == "true"
	}
	if v := os.Getenv("APP_WORKER_COUNT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.WorkerCount = i
		}
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Store.DataDir = v
	}
	if v := os.Getenv("LANGS"); v != "" {
		cfg.Store.Langs = splitList(v)
	}
	if v := os.Getenv("KEEP_DAYS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Store.KeepDays = i
		}
	}
	if v := os.Getenv("MEDIA_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Store.MediaMaxAge = d
		}
	}
	if v := os.Getenv("DOWNLOAD_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Store.DownloadTimeout = d
		}
	}

	if v := os.Getenv("SPOOL_DIR"); v != "" {
		cfg.Source.SpoolDir = v
	}
	if v := os.Getenv("CHATS"); v != "" {
		cfg.Source.Chats = splitList(v)
	}
	if v := os.Getenv("SOURCE_BRIDGE_URL"); v != "" {
		cfg.Source.BridgeURL = v
	}

	// CHOP_COOLDOWN 允许纯秒数，兼容旧部署
	if v := os.Getenv("CHOP_COOLDOWN"); v != "" {
		if d, err := parseSeconds(v); err == nil {
			cfg.Pipeline.ChopCooldown = d
		}
	}
	if v := os.Getenv("CHOP_CHECK_INTERVAL"); v != "" {
		if d, err := parseSeconds(v); err == nil {
			cfg.Pipeline.ChopCheckInterval = d
		}
	}
	if v := os.Getenv("FLUSH_TIMEOUT"); v != "" {
		if d, err := parseSeconds(v); err == nil {
			cfg.Pipeline.FlushTimeout = d
		}
	}
	if v := os.Getenv("APP_SCAN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.ScanInterval = d
		}
	}
	if v := os.Getenv("APP_BATCH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.BatchInterval = d
		}
	}
	if v := os.Getenv("APP_CLEAN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.CleanInterval = d
		}
	}
	if v := os.Getenv("APP_DEDUP_WINDOW"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.DedupWindow = i
		}
	}

	if v := os.Getenv("MODERATION_BLACKLIST"); v != "" {
		cfg.Moderation.Blacklist = splitList(v)
	}

	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.Providers.BaseURL = v
	}
	if v := viper.GetString("openai_key"); v != "" {
		cfg.Providers.APIKey = v
	}
	if v := os.Getenv("APP_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Providers.RateLimit = f
		}
	}
	if v := os.Getenv("APP_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Providers.RateBurst = f
		}
	}

	if v := os.Getenv("PRICE_MIN_SAMPLES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Price.MinSamples = i
		}
	}
	if v := os.Getenv("OFFICIAL_RATES_URL"); v != "" {
		cfg.Price.OfficialRatesURL = v
	}

	if v := os.Getenv("CATALOG_DRIVER"); v != "" {
		cfg.Catalog.Driver = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.Catalog.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		// DB_* 只对 MySQL 有意义
		cfg.Catalog.Driver = "mysql"
		parsed := parseMySQLDSN(cfg.Catalog.DSN)
		if v := viper.GetString("db_host"); v != "" {
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = v + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.Catalog.DSN = parsed.FormatDSN()
	}
	if v := os.Getenv("CATALOG_INDEX_PATH"); v != "" {
		cfg.Catalog.IndexPath = v
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}

	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Security.JWTSecret = v
	}
	if v := os.Getenv("ADMIN_EMAIL"); v != "" {
		cfg.Security.AdminEmail = v
	}
	if v := viper.GetString("admin_password"); v != "" {
		cfg.Security.AdminPassword = v
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseSeconds 接受 "20" 或 "20s" 两种写法。
func parseSeconds(v string) (time.Duration, error) {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

func parseMySQLDSN(dsn string) *mysql.Config {
	fallback := &mysql.Config{
		User:   "root",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "marketfeed",
		Params: map[string]string{
			"parseTime": "true",
			"loc":       "Local",
		},
	}
	if dsn == "" {
		return fallback
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fallback
	}
	return parsed
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (s *StoreConfig) UnmarshalJSON(data []byte) error {
	type Alias StoreConfig
	aux := &struct {
		MediaMaxAge     string `json:"media_max_age"`
		DownloadTimeout string `json:"download_timeout"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if err := parseDurationField("media_max_age", aux.MediaMaxAge, &s.MediaMaxAge); err != nil {
		return err
	}
	return parseDurationField("download_timeout", aux.DownloadTimeout, &s.DownloadTimeout)
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (s StoreConfig) MarshalJSON() ([]byte, error) {
	type Alias StoreConfig
	return json.Marshal(&struct {
		MediaMaxAge     string `json:"media_max_age"`
		DownloadTimeout string `json:"download_timeout"`
		*Alias
	}{
		MediaMaxAge:     s.MediaMaxAge.String(),
		DownloadTimeout: s.DownloadTimeout.String(),
		Alias:           (*Alias)(&s),
	})
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (p *PipelineConfig) UnmarshalJSON(data []byte) error {
	type Alias PipelineConfig
	aux := &struct {
		ChopCooldown      string `json:"chop_cooldown"`
		ChopCheckInterval string `json:"chop_check_interval"`
		FlushTimeout      string `json:"flush_timeout"`
		ScanInterval      string `json:"scan_interval"`
		BatchInterval     string `json:"batch_interval"`
		CleanInterval     string `json:"clean_interval"`
		StuckTimeout      string `json:"stuck_timeout"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"chop_cooldown", aux.ChopCooldown, &p.ChopCooldown},
		{"chop_check_interval", aux.ChopCheckInterval, &p.ChopCheckInterval},
		{"flush_timeout", aux.FlushTimeout, &p.FlushTimeout},
		{"scan_interval", aux.ScanInterval, &p.ScanInterval},
		{"batch_interval", aux.BatchInterval, &p.BatchInterval},
		{"clean_interval", aux.CleanInterval, &p.CleanInterval},
		{"stuck_timeout", aux.StuckTimeout, &p.StuckTimeout},
	}
	for _, f := range fields {
		if err := parseDurationField(f.name, f.raw, f.dst); err != nil {
			return err
		}
	}
	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (p PipelineConfig) MarshalJSON() ([]byte, error) {
	type Alias PipelineConfig
	return json.Marshal(&struct {
		ChopCooldown      string `json:"chop_cooldown"`
		ChopCheckInterval string `json:"chop_check_interval"`
		FlushTimeout      string `json:"flush_timeout"`
		ScanInterval      string `json:"scan_interval"`
		BatchInterval     string `json:"batch_interval"`
		CleanInterval     string `json:"clean_interval"`
		StuckTimeout      string `json:"stuck_timeout"`
		*Alias
	}{
		ChopCooldown:      p.ChopCooldown.String(),
		ChopCheckInterval: p.ChopCheckInterval.String(),
		FlushTimeout:      p.FlushTimeout.String(),
		ScanInterval:      p.ScanInterval.String(),
		BatchInterval:     p.BatchInterval.String(),
		CleanInterval:     p.CleanInterval.String(),
		StuckTimeout:      p.StuckTimeout.String(),
		Alias:             (*Alias)(&p),
	})
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (p *ProviderConfig) UnmarshalJSON(data []byte) error {
	type Alias ProviderConfig
	aux := &struct {
		Timeout string `json:"timeout"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDurationField("timeout", aux.Timeout, &p.Timeout)
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (p ProviderConfig) MarshalJSON() ([]byte, error) {
	type Alias ProviderConfig
	return json.Marshal(&struct {
		Timeout string `json:"timeout"`
		*Alias
	}{
		Timeout: p.Timeout.String(),
		Alias:   (*Alias)(&p),
	})
}

func parseDurationField(name, raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s format: %w", name, err)
	}
	*dst = d
	return nil
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (s *SourceConfig) UnmarshalJSON(data []byte) error {
	type Alias SourceConfig
	aux := &struct {
		PollInterval string `json:"poll_interval"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDurationField("poll_interval", aux.PollInterval, &s.PollInterval)
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (s SourceConfig) MarshalJSON() ([]byte, error) {
	type Alias SourceConfig
	return json.Marshal(&struct {
		PollInterval string `json:"poll_interval"`
		*Alias
	}{
		PollInterval: s.PollInterval.String(),
		Alias:        (*Alias)(&s),
	})
}
