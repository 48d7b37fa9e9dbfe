package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matchlink/signal/backend/go/internal/v1/config"
	"github.com/matchlink/signal/backend/go/internal/v1/gateway"
	"github.com/matchlink/signal/backend/go/internal/v1/health"
	"github.com/matchlink/signal/backend/go/internal/v1/logging"
	"github.com/matchlink/signal/backend/go/internal/v1/middleware"
	"github.com/matchlink/signal/backend/go/internal/v1/queue"
	"github.com/matchlink/signal/backend/go/internal/v1/room"
	"github.com/matchlink/signal/backend/go/internal/v1/safety"
	"github.com/matchlink/signal/backend/go/internal/v1/session"
	"github.com/matchlink/signal/backend/go/internal/v1/signaling"
	"github.com/matchlink/signal/backend/go/internal/v1/store"
)

func main() {
	// Load .env file for local development.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("loaded environment from", "path", path)
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		slog.Error("failed to initialize logger", "error", err)
		os.Exit(1)
	}
	logger := logging.GetLogger()
	defer logger.Sync()

	st, err := store.New(cfg.StoreAddr, cfg.StorePassword)
	if err != nil {
		logger.Sugar().Fatalw("failed to connect to shared state store", "error", err)
	}
	defer st.Close()

	// --- Wire the matchmaking pipeline ---
	auth := session.New(st, cfg.JWTSecret)
	rooms := room.New(st)
	eng := queue.New(st, auth, rooms)
	relay := signaling.New(rooms, st)
	limiter := safety.NewLimiter(st)
	reports := safety.NewReports(st, auth)

	hub := gateway.NewHub(gateway.Deps{
		Auth:    auth,
		Queue:   eng,
		Rooms:   rooms,
		Relay:   relay,
		Limiter: limiter,
		Reports: reports,
		Store:   st,
		Config:  cfg,
	})

	healthHandler := health.NewHandler(st)

	// --- Set up server ---
	if cfg.GoEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = cfg.AllowedOrigins == ""
	if cfg.AllowedOrigins != "" {
		var origins []string
		for _, o := range strings.Split(cfg.AllowedOrigins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		corsConfig.AllowOrigins = origins
	}
	corsConfig.AllowCredentials = cfg.AllowedOrigins != ""
	corsConfig.AddAllowHeaders("Authorization")
	router.Use(cors.New(corsConfig))

	router.GET("/ws", hub.ServeWs)

	api := router.Group("/api")
	{
		api.POST("/session/init", hub.SessionInit)
		api.POST("/session/verify", hub.SessionVerify)
		api.POST("/reports", hub.AuthMiddleware(), hub.FileReport)
		// §6 marks this endpoint admin-only; the Session Authority has no
		// notion of roles, so AuthMiddleware only proves the caller holds
		// some valid anonymous session, not an admin one. Closing that gap
		// needs a real admin credential, which is out of scope here.
		api.GET("/reports", hub.AuthMiddleware(), hub.RecentReports)
		api.GET("/stats", hub.GetStats)
	}

	router.GET("/health", healthHandler.Health)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Sugar().Infow("signaling service starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	hub.Shutdown(ctx, 10*time.Second)

	if err := srv.Shutdown(ctx); err != nil {
		logger.Sugar().Errorw("server forced to shutdown", "error", err)
	}

	logger.Info("server exiting")
}
