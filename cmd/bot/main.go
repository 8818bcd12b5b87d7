package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spikebot/gospike/internal/engine"
	"github.com/spikebot/gospike/internal/exchange"
	"github.com/spikebot/gospike/internal/feed"
	"github.com/spikebot/gospike/internal/journal"
	"github.com/spikebot/gospike/internal/risk"
	"github.com/spikebot/gospike/internal/server"
	"github.com/spikebot/gospike/internal/settlement"
	"github.com/spikebot/gospike/pkg/config"
	"github.com/spikebot/gospike/pkg/logger"
	"github.com/spikebot/gospike/pkg/persistence"
	"github.com/spikebot/gospike/pkg/ratelimit"
	"github.com/spikebot/gospike/pkg/secretstore"
	"github.com/spikebot/gospike/pkg/shutdown"
	"github.com/spikebot/gospike/pkg/syncgroup"
)

var (
	configPath = flag.String("config", "config.yaml", "配置文件路径")
	profile    = flag.String("profile", "", "覆盖配置档位: normal/live/edge")
	market     = flag.String("market", "", "覆盖市场 slug")
	dryRun     = flag.Bool("dry-run", false, "纸面模式（不实际下单）")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "启动失败: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *profile != "" {
		// Load 阶段已经套用过文件里的档位，这里切换后要重新套用并校验
		if err := cfg.SetProfile(*profile); err != nil {
			return err
		}
	}
	if *market != "" {
		cfg.Market.Slug = *market
		cfg.Market.TokenID = ""
	}
	if *dryRun {
		cfg.Exchange.DryRun = true
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.OutputFile,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		return err
	}
	logger.Infof("配置加载完成: %s", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := shutdown.NewManager()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		mgr.Shutdown(shutdownCtx)
	}()

	creds := loadCredentials(cfg, mgr)

	// 市场解析：未直接给 token 时通过 gamma 按 slug 解析
	tokenID := cfg.Market.TokenID
	if tokenID == "" {
		gamma := exchange.NewGammaClient(cfg.Exchange.GammaBaseURL)
		info, err := gamma.ResolveMarket(ctx, cfg.Market.Slug)
		if err != nil {
			return err
		}
		if info.Closed {
			return fmt.Errorf("market %s is closed", cfg.Market.Slug)
		}
		if cfg.Market.Outcome != "" {
			id, ok := info.TokenFor(cfg.Market.Outcome)
			if !ok {
				return fmt.Errorf("outcome %q not found in %v", cfg.Market.Outcome, info.Outcomes)
			}
			tokenID = id
		} else {
			tokenID = info.TokenIDs[0]
		}
	}

	var signer exchange.OrderSigner
	if cfg.Exchange.SignerURL != "" {
		signer = exchange.NewRemoteSigner(cfg.Exchange.SignerURL)
	}
	clob := exchange.NewClient(cfg.Exchange.CLOBBaseURL, creds, signer, cfg.Exchange.MaxHealthySpread)
	clob.SetOrderLimiter(ratelimit.NewCLOBOrderLimiter())

	var executor exchange.Executor = clob
	if cfg.Exchange.DryRun {
		logger.Warn("📝 纸面模式已启用，订单不会提交到交易所")
		executor = exchange.NewPaperExecutor(clob, cfg.Exchange.PaperBalanceUSD)
	}

	settle := settlement.NewTracker()

	jour, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return err
	}
	mgr.OnShutdown("journal", func(context.Context) { jour.Close() })

	breaker := risk.NewCircuitBreaker(risk.CircuitBreakerConfig{
		MaxTradesPerSession: cfg.Trading.MaxTradesPerSession,
		SessionLossLimitUSD: cfg.Trading.SessionLossLimitUSD,
	})

	store := persistence.NewJSONFileService(cfg.DataDir).NewStore("state", cfg.InstrumentID(), "engine")

	eng := engine.New(engine.Options{
		Config:   cfg,
		TokenID:  tokenID,
		Executor: executor,
		Prices:   clob,
		Settle:   settle,
		Breaker:  breaker,
		Store:    store,
		Journal:  jour,
		Limiter:  ratelimit.NewCLOBQueryLimiter(),
	})

	sg := syncgroup.NewSyncGroup()

	marketFeed := feed.NewMarketClient([]string{tokenID}, eng.OnTick)
	sg.Go(func() {
		if err := marketFeed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("市场频道退出: %v", err)
		}
	})
	mgr.OnShutdown("market-feed", func(context.Context) { marketFeed.Close() })

	// 行情重连记入活动日志，便于排查价格空窗
	sg.Go(func() {
		for {
			select {
			case <-marketFeed.Connected():
				jour.RecordActivity(ctx, "feed", "market channel connected")
			case <-ctx.Done():
				return
			}
		}
	})

	// 用户频道需要完整凭证，纸面模式下跳过（结算靠软超时兜底）
	if creds.Valid() && !cfg.Exchange.DryRun {
		userWS := settlement.NewUserClient(settlement.Credentials{
			APIKey:     creds.APIKey,
			Secret:     creds.Secret,
			Passphrase: creds.Passphrase,
		}, []string{tokenID}, settle)
		sg.Go(func() {
			if err := userWS.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Errorf("用户频道退出: %v", err)
			}
		})
		mgr.OnShutdown("user-feed", func(context.Context) { userWS.Close() })
	} else if !cfg.Exchange.DryRun {
		logger.Warn("⚠️ 缺少 API 凭证，结算确认只能依赖软超时")
	}

	if cfg.Server.Enabled {
		api := server.New(cfg.Server.Listen, eng, jour)
		sg.Go(func() {
			if err := api.Start(); err != nil {
				logger.Errorf("管理 API 退出: %v", err)
			}
		})
		mgr.OnShutdown("api-server", func(c context.Context) { api.Shutdown(c) })
	}

	sg.Go(func() {
		if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("决策引擎退出: %v", err)
		}
	})

	<-ctx.Done()
	logger.Info("收到停止信号，开始退出")
	stop()
	sg.Wait()
	return nil
}

// loadCredentials 读取 API 凭证
// 环境变量优先；缺失时尝试 badger 凭证库（SECRETSTORE_KEY 提供加密密钥）
func loadCredentials(cfg *config.Config, mgr *shutdown.Manager) exchange.APICredentials {
	address, apiKey, secret, passphrase := config.CredentialsFromEnv()
	creds := exchange.APICredentials{
		Address:    address,
		APIKey:     apiKey,
		Secret:     secret,
		Passphrase: passphrase,
	}
	if creds.Valid() {
		return creds
	}

	key, err := secretstore.ParseKey(os.Getenv("SECRETSTORE_KEY"))
	if err != nil {
		logger.Warnf("解析凭证库密钥失败: %v", err)
		return creds
	}
	store, err := secretstore.Open(secretstore.OpenOptions{
		Path:          cfg.SecretsPath,
		EncryptionKey: key,
	})
	if err != nil {
		logger.Debugf("凭证库不可用: %v", err)
		return creds
	}
	mgr.OnShutdown("secretstore", func(context.Context) { store.Close() })

	read := func(k, fallback string) string {
		if fallback != "" {
			return fallback
		}
		v, _, _ := store.GetString(k)
		return v
	}
	creds.Address = read("poly_address", creds.Address)
	creds.APIKey = read("poly_api_key", creds.APIKey)
	creds.Secret = read("poly_api_secret", creds.Secret)
	creds.Passphrase = read("poly_api_passphrase", creds.Passphrase)
	return creds
}
