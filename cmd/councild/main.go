package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"llm-council/internal/api"
	"llm-council/internal/config"
	"llm-council/internal/events"
	"llm-council/internal/llm/gateway"
	"llm-council/pkg/logger"
)

// main 是议会网关守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("councild 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	// .env 只补充尚未设置的环境变量，文件不存在时忽略。
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	store, err := config.Load(config.ResolvePath())
	if err != nil {
		return err
	}

	var logCfg logger.Config
	if _, err := store.Decode(config.KeyLog, &logCfg); err != nil {
		return err
	}
	if err := logger.Init(logCfg); err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(store.DataDir(), 0o755); err != nil {
		return err
	}

	var eventsCfg events.Config
	if _, err := store.Decode(config.KeyEvents, &eventsCfg); err != nil {
		return err
	}
	publisher, err := events.New(eventsCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.L().Warn("关闭事件通道失败", "error", err.Error())
		}
	}()

	client, err := gateway.NewClient(gateway.Config{
		APIKey:  store.APIKey(),
		BaseURL: store.BaseURL(),
		Timeout: time.Duration(store.GetInt(config.KeyRequestTimeout, config.DefaultRequestTimeoutSeconds)) * time.Second,
	}, gateway.WithPublisher(publisher))
	if err != nil {
		return err
	}

	logger.L().Info("配置加载完成",
		"path", store.Path(),
		"council_models", store.CouncilModels(),
		"chairman_model", store.ChairmanModel(),
		"title_model", store.TitleModel(),
		"events_driver", eventsCfg.Driver,
	)

	server := api.NewServer(store.GetString(config.KeyListenAddress, config.DefaultListenAddress), store, client,
		api.WithPublisher(publisher))
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
