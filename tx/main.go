package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	bankmgr "github.com/acid_bank/bankMgr"
	"github.com/acid_bank/tx/txmanager"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

func main() {
	config := flag.String("config", "banks.json", "bank directory configuration")
	cliport := flag.Int("http", 9121, "transfer api port")
	debug := flag.Bool("debug", false, "development logging")
	flag.Parse()

	lg, err := zap.NewProduction()
	if *debug {
		lg, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	defer lg.Sync()

	cfg, err := bankmgr.LoadConfig(*config)
	if err != nil {
		lg.Fatal("failed to load config", zap.String("path", *config), zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dir, err := bankmgr.Open(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("failed to open banks", zap.Error(err))
	}
	defer dir.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	tm := txmanager.New(dir,
		txmanager.WithLogger(lg),
		txmanager.WithCallTimeout(cfg.Timeout()),
		txmanager.WithMetrics(txmanager.NewMetrics(reg)))

	lg.Info("transaction manager started", zap.Int("port", *cliport), zap.Strings("banks", dir.Banks()))
	if err := tm.ServeHttpTxApi(ctx, *cliport, logrus.StandardLogger(), reg); err != nil {
		lg.Error("http api stopped", zap.Error(err))
	}
}
