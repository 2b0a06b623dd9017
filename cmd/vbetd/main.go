package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/vbetio/vbet/internal/auth"
	"github.com/vbetio/vbet/internal/controlbus"
	"github.com/vbetio/vbet/internal/gateway"
	"github.com/vbetio/vbet/internal/provider"
	"github.com/vbetio/vbet/internal/store"
	"github.com/vbetio/vbet/pkg/config"
	"github.com/vbetio/vbet/pkg/logger"
	"github.com/vbetio/vbet/pkg/secretstore"
	"github.com/vbetio/vbet/pkg/shutdown"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（.yaml）")
	providerName := flag.String("provider", "", "provider 名称，覆盖配置文件")
	shard := flag.Int("shard", -1, "分片编号，覆盖配置文件")
	flag.Parse()

	// .env 不存在不是错误
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if *providerName != "" {
		cfg.Provider.Name = *providerName
	}
	if *shard >= 0 {
		cfg.Provider.Shard = *shard
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.OutputFile,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	logrus.Infof("启动 %s", cfg.ServerName())

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		logrus.Errorf("创建数据目录失败: %v", err)
		os.Exit(1)
	}
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		logrus.Errorf("打开持久层失败: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	cache, err := secretstore.Open(secretstore.OpenOptions{
		Path:          cfg.Auth.CachePath,
		EncryptionKey: encryptionKey(),
	})
	if err != nil {
		logrus.Errorf("打开凭证缓存失败: %v", err)
		os.Exit(1)
	}
	defer cache.Close()

	backend, err := auth.NewBackend(cfg.Provider.Name)
	if err != nil {
		logrus.Errorf("不支持的 provider: %v", err)
		os.Exit(1)
	}
	authSvc := auth.NewService(backend, cache)

	bus := controlbus.New(cfg.Bus, cfg.Provider.Name, cfg.ServerName(), cfg.ChannelName())
	p := provider.New(cfg, db, bus, authSvc)
	pool := gateway.NewPool(cfg.Gateway, p, p.LoginHash)
	p.AttachPool(pool)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bus.Start(ctx); err != nil {
		logrus.Errorf("连接控制总线失败: %v", err)
		os.Exit(1)
	}
	if err := bus.SetOnline(ctx, 0); err != nil {
		logrus.Warnf("写在线标记失败: %v", err)
	}
	p.Start(ctx)

	sd := shutdown.NewManager()
	sd.OnShutdown(func(ctx context.Context) {
		p.Close(ctx)
	})
	sd.OnShutdown(func(ctx context.Context) {
		if err := bus.ClearOnline(ctx); err != nil {
			logrus.Warnf("清理在线标记失败: %v", err)
		}
		if err := bus.Close(ctx); err != nil {
			logrus.Warnf("关闭控制总线失败: %v", err)
		}
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logrus.Infof("收到信号 %v，开始停机", s)

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	sd.Shutdown(stopCtx)
	logrus.Info("进程退出")
}

// encryptionKey 凭证缓存的加密钥匙，VBET_SECRET_KEY 需为 32 字节
func encryptionKey() []byte {
	key := os.Getenv("VBET_SECRET_KEY")
	if len(key) == 32 {
		return []byte(key)
	}
	if key != "" {
		logrus.Warn("VBET_SECRET_KEY 长度不是 32 字节，凭证缓存不加密")
	}
	return nil
}
