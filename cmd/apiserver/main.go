package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bouzou4/AppleMusic-MCP/internal/applemusic"
	"github.com/bouzou4/AppleMusic-MCP/internal/auth"
	"github.com/bouzou4/AppleMusic-MCP/internal/auth/storage"
	"github.com/bouzou4/AppleMusic-MCP/internal/common/config"
	"github.com/bouzou4/AppleMusic-MCP/internal/core"
	"github.com/bouzou4/AppleMusic-MCP/internal/mcp"
	"github.com/bouzou4/AppleMusic-MCP/pkg/logger"
	"github.com/bouzou4/AppleMusic-MCP/pkg/metrics"
	"github.com/bouzou4/AppleMusic-MCP/pkg/trace"
	"github.com/bouzou4/AppleMusic-MCP/pkg/version"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of apiserver",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("apiserver version %s\n", version.Get())
		},
	}

	rootCmd = &cobra.Command{
		Use:   "apiserver",
		Short: "Apple Music MCP Server",
		Long:  `OAuth 2.1 authorization server bridging MCP tool calls to the Apple Music API`,
		Run: func(cmd *cobra.Command, args []string) {
			run()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "conf", "apiserver.yaml", "path to configuration file")
	rootCmd.AddCommand(versionCmd)
}

func run() {
	cfg, cfgPath, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("failed to load configuration from %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	lg, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	lg.Info("starting apiserver",
		zap.String("version", version.Get()),
		zap.String("config", cfgPath))

	ctx := context.Background()

	if cfg.Tracing.Enabled {
		shutdown, err := trace.InitTracing(ctx, &cfg.Tracing, lg)
		if err != nil {
			lg.Fatal("failed to initialize tracing", zap.Error(err))
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				lg.Error("failed to shutdown tracing", zap.Error(err))
			}
		}()
	}

	store, err := storage.NewStore(lg, &cfg.Storage)
	if err != nil {
		lg.Fatal("failed to initialize storage",
			zap.String("type", cfg.Storage.Type),
			zap.Error(err))
	}

	oauth, err := auth.NewOAuth(lg, &cfg.OAuth, store)
	if err != nil {
		lg.Fatal("failed to initialize authorization server", zap.Error(err))
	}

	devTokens, err := applemusic.NewDeveloperTokenSource(&cfg.Apple)
	if err != nil {
		lg.Fatal("failed to initialize developer token source", zap.Error(err))
	}

	music := applemusic.NewClient(lg, devTokens)
	tools := mcp.NewHandler(lg, music)

	var apple auth.ExternalOAuth
	if cfg.Apple.ClientID != "" {
		redirectURI := strings.TrimSuffix(cfg.OAuth.Issuer, "/") + "/oauth/apple/callback"
		apple = auth.NewAppleOAuth(lg, &cfg.Apple, redirectURI)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics)
	}

	srv := core.NewServer(lg, cfg, oauth, apple, devTokens, tools, m)
	srv.RegisterRoutes()

	go func() {
		if err := srv.Start(); err != nil {
			lg.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("failed to shutdown server", zap.Error(err))
	}
	lg.Info("server stopped")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
