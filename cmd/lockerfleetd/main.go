package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lockerfleet/lockerfleet/internal/buildinfo"
	"github.com/lockerfleet/lockerfleet/internal/config"
	"github.com/lockerfleet/lockerfleet/internal/daemon"
)

func main() {
	var showVersion bool
	var configPath string

	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	if showVersion {
		fmt.Println(buildinfo.String())
		return
	}

	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting", zap.String("build", buildinfo.String()))
	if err := daemon.Run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("daemon exited", zap.Error(err))
	}
}

// newLogger emits console output on a terminal and JSON otherwise.
func newLogger() *zap.Logger {
	var encoder zapcore.Encoder
	if isatty.IsTerminal(os.Stderr.Fd()) {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}
	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zapcore.InfoLevel)
	return zap.New(core)
}
