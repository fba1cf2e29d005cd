package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"salescrm/internal/config"
	"salescrm/internal/handler"
	"salescrm/internal/infrastructure/cache"
	"salescrm/internal/infrastructure/database"
	"salescrm/internal/infrastructure/lock"
	"salescrm/internal/infrastructure/mq"
	"salescrm/internal/job"
	"salescrm/internal/service"
	"salescrm/pkg/idgen"
)

func main() {
	// 加载配置
	cfg := config.LoadConfig("config/config.yaml")

	// 初始化 ID 生成器
	idgen.Init(1)

	// 初始化 MySQL
	db := database.InitMySQL(&cfg.MySQL)

	// 初始化 Redis
	redisClient := cache.InitRedis(&cfg.Redis)

	// 初始化 Kafka
	mq.InitKafka(&cfg.Kafka)
	defer mq.CloseKafka()

	// 装配服务：HTTP 层和后台任务共用同一套实例
	km := lock.NewRedisKeyMutex(redisClient)
	notifSvc := service.NewNotificationService(db, cfg)
	classifySvc := service.NewClassifyService(db, km, cfg)
	reservSvc := service.NewReservationService(db, km, cfg, notifSvc)
	depositSvc := service.NewDepositService(db, km, cfg, classifySvc, reservSvc, notifSvc)
	reportSvc := service.NewReportService(db, cfg, depositSvc)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewNotifyOutboxSender(db, cfg)
	go outboxSender.Start(ctx)

	sweepJob := job.NewReservationSweepJob(reservSvc, cfg)
	go sweepJob.Start(ctx)

	purgeJob := job.NewTrashPurgeJob(depositSvc, cfg)
	go purgeJob.Start(ctx)

	// 设置路由
	h := handler.NewHandler(depositSvc, classifySvc, reservSvc, notifSvc, reportSvc)
	router := handler.SetupRouter(h)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// 在 goroutine 中启动服务器
	go func() {
		log.Printf("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	log.Println("服务已关闭")
}
