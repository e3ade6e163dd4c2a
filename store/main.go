// Copyright 2015 The etcd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	bankmgr "github.com/acid_bank/bankMgr"
	"github.com/acid_bank/proto/bankpb"
	"github.com/acid_bank/store/accountstore"
	"github.com/acid_bank/store/bank"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"google.golang.org/grpc"
)

// checkpointer is implemented by stores that snapshot to disk.
type checkpointer interface {
	Checkpoint() error
}

// checkBranches periodically reports in-doubt branches and checkpoints the
// store until ctx is done.
func checkBranches(ctx context.Context, rm *bank.ResourceManager, interval time.Duration, lg *zap.Logger) {
	lg.Info("branch check started", zap.Duration("interval", interval))
	for {
		select {
		case <-time.After(interval):
			prepared, err := rm.Store().PreparedBranches(ctx)
			if err != nil {
				lg.Warn("listing prepared branches failed", zap.Error(err))
			} else if len(prepared) > 0 {
				lg.Warn("in-doubt branches waiting for a decision", zap.Strings("branches", prepared))
			}
			if c, ok := rm.Store().(checkpointer); ok {
				if err := c.Checkpoint(); err != nil {
					lg.Error("checkpoint failed", zap.Error(err))
				}
			}
		case <-ctx.Done():
			lg.Info("branch check done")
			return
		}
	}
}

func main() {
	config := flag.String("config", "banks.json", "bank directory configuration")
	bic := flag.String("bank", "", "BIC of the bank to serve, must be in -config")
	grpcport := flag.String("grpcport", ":9122", "grpc server port")
	httpport := flag.Int("http", 9123, "admin http port")
	snapdir := flag.String("snapdir", "", "snapshot directory for a memory backend")
	maxconns := flag.Int("maxconns", 256, "maximum concurrent grpc connections")
	fault := flag.String("fault", "", "comma separated operations that fail, e.g. credit,prepare")
	interval := flag.Duration("check", 30*time.Second, "in-doubt branch check interval")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer lg.Sync()

	cfg, err := bankmgr.LoadConfig(*config)
	if err != nil {
		lg.Fatal("failed to load config", zap.String("path", *config), zap.Error(err))
	}
	bc, ok := cfg.Find(*bic)
	if !ok || bc.Backend == bankmgr.BackendRemote {
		lg.Fatal("bank has no local store in config", zap.String("bank", *bic))
	}
	if *snapdir != "" {
		bc.SnapDir = *snapdir
	}
	if *fault != "" {
		bc.Fault = *fault
	}
	lg = lg.With(zap.String("bank", bc.BIC))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rm, closer, err := bankmgr.OpenLocal(ctx, bc, lg)
	if err != nil {
		lg.Fatal("failed to open bank", zap.Error(err))
	}
	defer closer.Close()

	go checkBranches(ctx, rm, *interval, lg)

	/* RPC handling */
	lis, err := net.Listen("tcp", *grpcport)
	if err != nil {
		lg.Fatal("failed to listen", zap.String("address", *grpcport), zap.Error(err))
	}
	s := grpc.NewServer()
	bankpb.RegisterBankServer(s, bank.NewGrpcServer(rm))
	go func() {
		if err := s.Serve(netutil.LimitListener(lis, *maxconns)); err != nil {
			lg.Error("grpc server stopped", zap.Error(err))
			cancel()
		}
	}()

	go func() {
		if err := rm.ServeHttpBankApi(*httpport, logrus.StandardLogger()); err != nil {
			lg.Error("admin http stopped", zap.Error(err))
			cancel()
		}
	}()

	lg.Info("bank serving", zap.String("grpc", *grpcport), zap.Int("http", *httpport))
	<-ctx.Done()
	s.GracefulStop()
	if c, ok := rm.Store().(checkpointer); ok {
		if err := c.Checkpoint(); err != nil {
			lg.Error("final checkpoint failed", zap.Error(err))
		}
	}
}

var _ checkpointer = (*accountstore.MemoryStore)(nil)
