// Command notifier runs scheduled notification dispatch and serves gRPC health.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/token-notifier/internal/app"
	"github.com/and161185/token-notifier/internal/config"
	"github.com/and161185/token-notifier/internal/jobs"
	"github.com/and161185/token-notifier/internal/logger"
	"github.com/and161185/token-notifier/internal/migrate"
	"github.com/and161185/token-notifier/internal/model"
	"github.com/and161185/token-notifier/internal/repository/postgres"
	grpcserver "github.com/and161185/token-notifier/internal/server/grpc"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, migrates, then runs the scheduler and gRPC server until a signal arrives.
func main() {
	envFile := flag.String("env-file", "", "dotenv file loaded before the environment is read")
	flag.Parse()

	cfg, err := config.LoadFile(*envFile)
	if err != nil {
		boot, _ := zap.NewProduction()
		boot.Fatal("config", zap.Error(err))
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()
	log.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.GRPCAddr),
		zap.String("tz", cfg.Timezone),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate.Up(ctx, cfg.DatabaseDSN, log); err != nil {
		log.Fatal("migrate up", zap.Error(err))
	}

	db, err := postgres.New(ctx, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal("postgres", zap.Error(err))
	}
	defer db.Close()

	a, err := app.New(cfg, db, log)
	if err != nil {
		log.Fatal("wire", zap.Error(err))
	}
	defer func() { _ = a.Close() }()

	health := grpcserver.NewHealth(log.Named("health"))

	sched := jobs.NewScheduler(a.Coordinator, cfg.Location(), cfg.RunTimeout, log.Named("jobs"))
	sched.OnRun(func(sum model.RunSummary, err error) {
		health.Report(sum, err)
		a.AfterRun(ctx, time.Now())
	})
	if err := sched.Start(ctx, cfg.RunSchedule); err != nil {
		log.Fatal("scheduler", zap.Error(err))
	}

	srv := grpcserver.New(health, log.Named("grpc"))
	if cfg.GRPCReflection {
		reflection.Register(srv.GRPC())
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatal("listen", zap.Error(err))
	}

	serveErr := srv.Serve(ctx, lis)

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.RunTimeout)
	defer cancel()
	sched.Stop(stopCtx)

	if serveErr != nil {
		log.Error("server error", zap.Error(serveErr))
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
