package main

import (
	"context"
	"log"

	"github.com/gin-gonic/gin"

	"moodchat/apps/sync-service/dao"
	"moodchat/apps/sync-service/handler"
	"moodchat/apps/sync-service/service"
	"moodchat/pkg/lifecycle"
	"moodchat/pkg/server"
)

func main() {
	app := server.NewApplication("sync-service")

	app.EnableHTTP()

	svc, err := service.NewService(
		app.GetConfig(),
		app.GetMongoDB(),
		app.GetPostgreSQL(),
		app.GetRedisClient(),
		app.GetKafkaProducer(),
		app.GetLogger(),
	)
	if err != nil {
		log.Fatalf("Failed to create sync service: %v", err)
	}

	httpHandler := handler.NewHTTPHandler(svc, app.GetLogger())
	wsHandler := handler.NewWebSocketHandler(svc, app.GetLogger())

	app.RegisterHTTPRoutes(func(engine *gin.Engine) {
		httpHandler.RegisterRoutes(engine)
		wsHandler.RegisterRoutes(engine)
	})

	// 业务组件在服务器之后启动、之前停止
	app.AddLifecycleHook(lifecycle.Hook{
		Name:     "sync-service",
		Priority: 300,
		OnStart: func(ctx context.Context) error {
			if err := dao.EnsureMessageIndexes(ctx, app.GetMongoDB()); err != nil {
				return err
			}
			return svc.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			svc.Stop()
			return nil
		},
	})

	if err := app.Run(); err != nil {
		log.Fatalf("Application failed: %v", err)
	}
}
