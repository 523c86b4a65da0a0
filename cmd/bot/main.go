package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/betbot/solbot/internal/app"
	"github.com/betbot/solbot/pkg/config"
	"github.com/betbot/solbot/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（支持 .yaml, .yml, .json）")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("加载配置失败: %v", err))
	}
	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("配置无效: %v", err)
	}
	if *configPath != "" {
		logrus.Infof("使用配置文件: %s", *configPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logrus.Fatalf("启动失败: %v", err)
	}
	if err := a.Start(); err != nil {
		logrus.Fatalf("启动失败: %v", err)
	}
	logrus.Infof("solbot 已运行 (dry_run=%v)，按 Ctrl+C 退出", cfg.DryRun)

	<-ctx.Done()
	logrus.Info("收到退出信号，开始优雅关闭...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.Shutdown(shutdownCtx)
	logrus.Info("已退出")
}
