// Command sptun-go tunnels IP packets between a local TUN device and a
// remote peer over an encrypted TCP stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/database64128/sptun-go/jsoncfg"
	"github.com/database64128/sptun-go/service"
	"github.com/database64128/sptun-go/tslog"
)

var (
	testConf   bool
	confPath   string
	logNoColor bool
	logNoTime  bool
	logKVPairs bool
	logJSON    bool
	logLevel   slog.Level
)

func init() {
	flag.BoolVar(&testConf, "testConf", false, "Test the configuration file and exit without starting the services")
	flag.StringVar(&confPath, "confPath", "", "Path to JSON configuration file")
	flag.BoolVar(&logNoColor, "logNoColor", false, "Disable colors in log output")
	flag.BoolVar(&logNoTime, "logNoTime", false, "Disable timestamps in log output")
	flag.BoolVar(&logKVPairs, "logKVPairs", false, "Use key=value pairs in log output")
	flag.BoolVar(&logJSON, "logJSON", false, "Use JSON in log output")
	flag.TextVar(&logLevel, "logLevel", slog.LevelInfo, "Log level: DEBUG, INFO, WARN, ERROR, or an integer offset thereof")
}

func main() {
	flag.Parse()

	if confPath == "" {
		fmt.Fprintln(os.Stderr, "Missing -confPath <path>.")
		flag.Usage()
		os.Exit(1)
	}

	logCfg := tslog.Config{
		Level:          logLevel,
		NoColor:        logNoColor,
		NoTime:         logNoTime,
		UseTextHandler: logKVPairs,
		UseJSONHandler: logJSON,
	}
	logger := logCfg.NewLogger(os.Stderr)

	var sc service.Config
	if err := jsoncfg.Open(confPath, &sc); err != nil {
		logger.Error("Failed to load config",
			slog.String("path", confPath),
			tslog.Err(err),
		)
		os.Exit(1)
	}

	m, err := sc.Manager(logger)
	if err != nil {
		logger.Error("Failed to create service manager",
			slog.String("path", confPath),
			tslog.Err(err),
		)
		os.Exit(1)
	}

	if testConf {
		logger.Info("Config test OK", slog.String("path", confPath))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("Received exit signal", slog.Any("signal", sig))
		cancel()
	}()

	if err = m.Start(ctx); err != nil {
		logger.Error("Failed to start services", tslog.Err(err))
		os.Exit(1)
	}

	<-ctx.Done()
	m.Stop()
}
