// Package main runs the meeting signaling server with WebSocket transport
// and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lingo-meet/backend/config"
	"github.com/lingo-meet/backend/internal/auth"
	"github.com/lingo-meet/backend/internal/captions"
	"github.com/lingo-meet/backend/internal/keyedmutex"
	"github.com/lingo-meet/backend/internal/media"
	"github.com/lingo-meet/backend/internal/middleware"
	"github.com/lingo-meet/backend/internal/realtime"
	"github.com/lingo-meet/backend/internal/rooms"
	"github.com/lingo-meet/backend/internal/sessions"
	"github.com/lingo-meet/backend/internal/signaling"
	"github.com/lingo-meet/backend/internal/translate"
	"github.com/lingo-meet/backend/pkg/redis"
	"github.com/lingo-meet/backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	authHandler := auth.NewHandler(jwtService, logger)

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEUrls))
	for _, u := range cfg.WebRTC.ICEUrls {
		if u != "" {
			iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
		}
	}
	mediaEngine, err := media.NewEngine(logger, iceServers)
	if err != nil {
		logger.Fatal("media engine", zap.Error(err))
	}

	pubsub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, pubsub, pubsub)

	mutex := keyedmutex.New(logger)
	roomStore := rooms.NewRedisStore(rdb.Client)
	roomRegistry := rooms.NewRegistry()
	sessionRegistry := sessions.NewRegistry()

	coordinator := signaling.New(roomStore, roomRegistry, sessionRegistry, mediaEngine, hub, mutex, logger, signaling.Options{
		RoomTTL:          cfg.Rooms.TTL,
		CodeLength:       cfg.Rooms.CodeLength,
		AllocateAttempts: cfg.Rooms.AllocateAttempts,
		AdminLeavePolicy: cfg.Rooms.AdminLeavePolicy,
		MutexTimeout:     cfg.Rooms.MutexTimeout,
	})

	var translator captions.Translator
	if cfg.Translation.BaseURL != "" {
		translator = translate.NewClient(cfg.Translation.BaseURL, cfg.Translation.APIKey, logger)
	}
	captionMgr := captions.NewManager(roomRegistry, translator, hub, logger,
		cfg.Captions.EndpointDelay, cfg.Captions.ClearDelay, cfg.Translation.Timeout)

	jwtValidate := func(token string) (uuid.UUID, string, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return uuid.Nil, "", err
		}
		return claims.UserID, claims.UserName, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Identity (public)
	router.POST("/auth/guest", authHandler.Guest)

	// Pre-join probe: does this code point at a joinable room.
	router.GET("/rooms/:code", func(c *gin.Context) {
		room, err := roomStore.Get(c.Request.Context(), c.Param("code"))
		if err != nil {
			response.NotFound(c, "room not found")
			return
		}
		response.OK(c, gin.H{"roomCode": room.Code, "isActive": room.IsActive})
	})

	// Operational introspection (admin token minted out of band).
	admin := router.Group("/admin")
	admin.Use(middleware.JWT(jwtService), middleware.RequireRole("admin"))
	{
		admin.GET("/locks", func(c *gin.Context) {
			response.OK(c, gin.H{
				"count": mutex.Len(),
				"keys":  mutex.Keys(),
			})
		})
		admin.GET("/rooms", func(c *gin.Context) {
			response.OK(c, gin.H{
				"count": roomRegistry.Len(),
				"codes": roomRegistry.Codes(),
			})
		})
	}

	// WebSocket (token in query; no Authorization header on upgrades)
	router.GET("/ws", func(c *gin.Context) {
		realtime.ServeWs(hub, logger, jwtValidate, coordinator, captionMgr)(c)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	maintenanceStop := make(chan struct{})
	go mutex.RunMaintenance(maintenanceStop, time.Minute, 30*time.Second)

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	close(maintenanceStop)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
