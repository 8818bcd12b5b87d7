// Package config 加载并校验机器人配置
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// 交易参数配置档位
const (
	ProfileNormal = "normal" // 默认参数
	ProfileLive   = "live"   // 实盘保守参数
	ProfileEdge   = "edge"   // 激进参数，小窗口高频
)

// MarketConfig 市场配置
type MarketConfig struct {
	Slug    string `yaml:"slug"`     // gamma 市场 slug
	TokenID string `yaml:"token_id"` // 直接指定 token 时跳过 slug 解析
	Outcome string `yaml:"outcome"`  // slug 解析时选择的 outcome（默认第一个）
}

// TradingConfig 交易参数
type TradingConfig struct {
	AmountUSD              float64 `yaml:"amount_usd"`               // 单笔金额（USDC）
	SpikeThresholdPct      float64 `yaml:"spike_threshold_pct"`      // 异动入场阈值（百分比）
	MinSpikeStrengthPct    float64 `yaml:"min_spike_strength_pct"`   // fade 入场的最小异动强度
	TakeProfitPct          float64 `yaml:"take_profit_pct"`          // 止盈
	StopLossPct            float64 `yaml:"stop_loss_pct"`            // 止损
	MaxHoldSeconds         int     `yaml:"max_hold_seconds"`         // 最大持仓时间
	CooldownSeconds        int     `yaml:"cooldown_seconds"`         // 出场后冷却
	SettlementDelaySeconds float64 `yaml:"settlement_delay_seconds"` // 出场结算后的额外等待
	BuyInitialInventory    bool    `yaml:"buy_initial_inventory"`    // 启动时优先建仓
	RebuyPolicy            string  `yaml:"rebuy_policy"`             // immediate / wait_for_drop
	RebuyDelaySeconds      float64 `yaml:"rebuy_delay_seconds"`      // immediate 策略的回购延迟
	RebuyDropPct           float64 `yaml:"rebuy_drop_pct"`           // wait_for_drop 策略的回落幅度
	MinPrice               float64 `yaml:"min_price"`                // 极端价格过滤下限
	MaxPrice               float64 `yaml:"max_price"`                // 极端价格过滤上限
	MaxTradesPerSession    int64   `yaml:"max_trades_per_session"`   // 会话交易次数上限（0 不限）
	SessionLossLimitUSD    float64 `yaml:"session_loss_limit_usd"`   // 会话亏损上限（0 不限）
}

// SpikeConfig 异动检测参数
type SpikeConfig struct {
	WindowsMinutes      []int   `yaml:"windows_minutes"`       // 检测窗口（分钟）
	HistorySize         int     `yaml:"history_size"`          // 价格历史容量
	UseVolatilityFilter bool    `yaml:"use_volatility_filter"` // 高波动市场跳过入场
	MaxVolatilityCV     float64 `yaml:"max_volatility_cv"`     // 波动率 CV 上限（百分比）
}

// SettlementConfig 结算等待参数
type SettlementConfig struct {
	TimeoutSeconds float64 `yaml:"timeout_seconds"` // 软超时，超时假定结算成功
}

// ExchangeConfig 交易所接入参数
type ExchangeConfig struct {
	CLOBBaseURL      string  `yaml:"clob_base_url"`
	GammaBaseURL     string  `yaml:"gamma_base_url"`
	SignerURL        string  `yaml:"signer_url"`         // 外部签名服务，实盘模式必填
	MaxHealthySpread float64 `yaml:"max_healthy_spread"` // 订单簿健康检查的价差上限
	DryRun           bool    `yaml:"dry_run"`            // 纸面模式
	PaperBalanceUSD  float64 `yaml:"paper_balance_usd"`  // 纸面初始余额
}

// ServerConfig 管理 API 配置
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`
	OutputFile string `yaml:"output_file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Config 顶层配置
type Config struct {
	Profile     string           `yaml:"profile"`
	Market      MarketConfig     `yaml:"market"`
	Trading     TradingConfig    `yaml:"trading"`
	Spike       SpikeConfig      `yaml:"spike"`
	Settlement  SettlementConfig `yaml:"settlement"`
	Exchange    ExchangeConfig   `yaml:"exchange"`
	Server      ServerConfig     `yaml:"server"`
	Log         LogConfig        `yaml:"log"`
	DataDir     string           `yaml:"data_dir"`     // 持久化目录
	JournalPath string           `yaml:"journal_path"` // sqlite 交易日志路径
	SecretsPath string           `yaml:"secrets_path"` // badger 凭证库路径
}

// Default 返回默认配置（normal 档位）
func Default() *Config {
	return &Config{
		Profile: ProfileNormal,
		Trading: TradingConfig{
			AmountUSD:              10.0,
			SpikeThresholdPct:      8.0,
			MinSpikeStrengthPct:    1.0,
			TakeProfitPct:          3.0,
			StopLossPct:            2.5,
			MaxHoldSeconds:         3600,
			CooldownSeconds:        120,
			SettlementDelaySeconds: 2.0,
			RebuyPolicy:            "immediate",
			RebuyDelaySeconds:      1.0,
			RebuyDropPct:           2.0,
			MinPrice:               0.01,
			MaxPrice:               0.99,
		},
		Spike: SpikeConfig{
			WindowsMinutes:      []int{10, 30, 60},
			HistorySize:         3600,
			UseVolatilityFilter: true,
			MaxVolatilityCV:     15.0,
		},
		Settlement: SettlementConfig{
			TimeoutSeconds: 30.0,
		},
		Exchange: ExchangeConfig{
			MaxHealthySpread: 0.15,
			PaperBalanceUSD:  1000.0,
		},
		Server: ServerConfig{
			Listen: ":8080",
		},
		Log: LogConfig{
			Level:      "info",
			OutputFile: "logs/spikebot.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Compress:   true,
		},
		DataDir:     "data",
		JournalPath: "data/journal.db",
		SecretsPath: "data/secrets",
	}
}

// Load 加载配置文件并套用档位
// 先读 .env（存在时），再读 yaml，最后按 profile 覆盖交易参数
func Load(path string) (*Config, error) {
	// .env 缺失不算错误
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, errors.Wrap(err, "parse config file")
		}
	}

	if err := cfg.applyProfile(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyProfile 按档位覆盖交易参数
// 档位只调整策略激进程度，不覆盖用户显式配置的金额与市场
func (c *Config) applyProfile() error {
	switch strings.ToLower(strings.TrimSpace(c.Profile)) {
	case "", ProfileNormal:
		c.Profile = ProfileNormal
	case ProfileLive:
		c.Profile = ProfileLive
		c.Trading.SpikeThresholdPct = 10.0
		c.Trading.TakeProfitPct = 2.0
		c.Trading.StopLossPct = 2.0
		c.Trading.CooldownSeconds = 300
	case ProfileEdge:
		c.Profile = ProfileEdge
		c.Trading.SpikeThresholdPct = 5.0
		c.Trading.TakeProfitPct = 4.0
		c.Trading.StopLossPct = 3.0
		c.Spike.WindowsMinutes = []int{5, 15, 30}
	default:
		return errors.Errorf("unknown profile %q", c.Profile)
	}
	return nil
}

// SetProfile 切换档位并重新套用覆盖值（供命令行覆盖使用）
func (c *Config) SetProfile(profile string) error {
	c.Profile = profile
	if err := c.applyProfile(); err != nil {
		return err
	}
	return c.Validate()
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Market.Slug == "" && c.Market.TokenID == "" {
		return errors.New("market.slug or market.token_id is required")
	}
	if c.Trading.AmountUSD <= 0 {
		return errors.New("trading.amount_usd must be positive")
	}
	if c.Trading.SpikeThresholdPct <= 0 {
		return errors.New("trading.spike_threshold_pct must be positive")
	}
	if c.Trading.TakeProfitPct <= 0 || c.Trading.StopLossPct <= 0 {
		return errors.New("take_profit_pct and stop_loss_pct must be positive")
	}
	if c.Trading.MinPrice < 0 || c.Trading.MaxPrice > 1 || c.Trading.MinPrice >= c.Trading.MaxPrice {
		return errors.New("price filter must satisfy 0 <= min_price < max_price <= 1")
	}
	switch c.Trading.RebuyPolicy {
	case "immediate", "wait_for_drop":
	default:
		return errors.Errorf("unknown rebuy_policy %q", c.Trading.RebuyPolicy)
	}
	if c.Trading.RebuyPolicy == "wait_for_drop" && c.Trading.RebuyDropPct <= 0 {
		return errors.New("rebuy_drop_pct must be positive for wait_for_drop")
	}
	if len(c.Spike.WindowsMinutes) == 0 {
		return errors.New("spike.windows_minutes must not be empty")
	}
	for _, w := range c.Spike.WindowsMinutes {
		if w <= 0 {
			return errors.Errorf("invalid spike window %d", w)
		}
	}
	if c.Spike.HistorySize <= 0 {
		return errors.New("spike.history_size must be positive")
	}
	if c.Settlement.TimeoutSeconds < 10 || c.Settlement.TimeoutSeconds > 90 {
		return errors.New("settlement.timeout_seconds must be in [10, 90]")
	}
	if !c.Exchange.DryRun && c.Exchange.SignerURL == "" {
		return errors.New("exchange.signer_url is required unless dry_run is enabled")
	}
	return nil
}

// SpikeWindowsSeconds 检测窗口（秒）
func (c *Config) SpikeWindowsSeconds() []int {
	out := make([]int, 0, len(c.Spike.WindowsMinutes))
	for _, m := range c.Spike.WindowsMinutes {
		out = append(out, m*60)
	}
	return out
}

// InstrumentID 持久化状态绑定的标的 ID
// 优先 token，其次 slug
func (c *Config) InstrumentID() string {
	if c.Market.TokenID != "" {
		return c.Market.TokenID
	}
	return c.Market.Slug
}

// CredentialsFromEnv 从环境变量读取 API 凭证
func CredentialsFromEnv() (address, apiKey, secret, passphrase string) {
	return os.Getenv("POLY_ADDRESS"),
		os.Getenv("POLY_API_KEY"),
		os.Getenv("POLY_API_SECRET"),
		os.Getenv("POLY_API_PASSPHRASE")
}

// String 打印摘要（不含凭证）
func (c *Config) String() string {
	return fmt.Sprintf("profile=%s market=%s amount=%.2f threshold=%.1f%% tp=%.1f%% sl=%.1f%% rebuy=%s dry_run=%v",
		c.Profile, c.InstrumentID(), c.Trading.AmountUSD,
		c.Trading.SpikeThresholdPct, c.Trading.TakeProfitPct, c.Trading.StopLossPct,
		c.Trading.RebuyPolicy, c.Exchange.DryRun)
}
