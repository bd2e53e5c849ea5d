// statementd
//
// Entry point: wires all components together and manages graceful shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/mtiwari1/statementd/internal/config"
	"github.com/mtiwari1/statementd/internal/grpcserver"
	"github.com/mtiwari1/statementd/internal/ingest"
	"github.com/mtiwari1/statementd/internal/janitor"
	"github.com/mtiwari1/statementd/internal/parser"
	"github.com/mtiwari1/statementd/internal/repository"
	"github.com/mtiwari1/statementd/internal/restapi"
	"github.com/mtiwari1/statementd/internal/staging"
	"github.com/mtiwari1/statementd/internal/worker"
	pb "github.com/mtiwari1/statementd/proto"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("load .env", slog.String("error", err.Error()))
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// ── Structured logger ──
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("statementd exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting statementd",
		slog.String("db_driver", cfg.DBDriver),
		slog.String("upload_dir", cfg.UploadDir),
		slog.Int("parser_workers", cfg.ParserWorkers),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Staging directory ──
	stager, err := staging.NewStore(cfg.UploadDir)
	if err != nil {
		return err
	}

	// ── Database ──
	db, dialect, err := repository.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	if err := repository.Migrate(ctx, db, dialect); err != nil {
		return err
	}
	logger.Info("database connected", slog.String("dialect", dialect.Name))

	repo, err := repository.NewSQLRepo(db, dialect)
	if err != nil {
		return err
	}
	defer repo.Close()

	// ── Janitor: clean up after a previous crash, then on schedule ──
	jan, err := janitor.New(stager, repo, cfg.JanitorStaleAfter, logger)
	if err != nil {
		return err
	}
	if _, err := jan.RunOnce(ctx); err != nil {
		logger.Warn("startup cleanup incomplete", slog.String("error", err.Error()))
	}
	if err := jan.Start(cfg.JanitorSchedule); err != nil {
		return err
	}

	// ── Parser runner and bounded pool ──
	runner, err := parser.NewRunner(parser.Config{
		Command:        cfg.ParserCommand,
		Timeout:        cfg.ParserTimeout,
		MaxOutputBytes: cfg.ParserMaxOutputBytes,
	}, logger)
	if err != nil {
		return err
	}
	pool, err := worker.NewPool(cfg.ParserWorkers, cfg.ParserQueueSize, runner, logger)
	if err != nil {
		return err
	}
	pool.Start()
	logger.Info("parser pool started",
		slog.Int("workers", cfg.ParserWorkers),
		slog.Int("queue_size", cfg.ParserQueueSize),
	)

	svc, err := ingest.NewService(repo, stager, pool, cfg.ParserOutputMode, logger)
	if err != nil {
		return err
	}

	// ── gRPC server ──
	grpcSrv := grpc.NewServer(
		pb.ServerCodecOption(),
		// Content travels base64-encoded inside JSON.
		grpc.MaxRecvMsgSize(int(cfg.MaxUploadBytes)*4/3+64<<10),
	)
	pb.RegisterStatementServiceServer(grpcSrv, grpcserver.NewServer(svc, repo, logger))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	// ── REST API ──
	mux := http.NewServeMux()
	restapi.NewHandler(svc, repo, cfg.UploadDir, cfg.MaxUploadBytes, logger).RegisterRoutes(mux)

	// Uploads block until the parser finishes, so the write timeout covers a full run.
	writeTimeout := 30 * time.Second
	if cfg.ParserTimeout > 0 {
		writeTimeout += cfg.ParserTimeout
	} else {
		writeTimeout = 0
	}
	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("gRPC server listening", slog.String("addr", cfg.GRPCAddr))
		return grpcSrv.Serve(lis)
	})

	g.Go(func() error {
		logger.Info("HTTP server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// ── Graceful shutdown (SIGINT / SIGTERM or a server failing) ──
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown started")

		shutCtx, shutCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutCancel()

		// 1. Stop accepting new HTTP requests; in-flight uploads finish.
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			logger.Error("HTTP shutdown", slog.String("error", err.Error()))
		}
		logger.Info("HTTP server stopped")

		// 2. Stop gRPC server gracefully.
		grpcSrv.GracefulStop()
		logger.Info("gRPC server stopped")

		// 3. Drain parser pool.
		pool.Shutdown()
		logger.Info("parser pool drained")

		// 4. Stop the janitor.
		jan.Stop(shutCtx)
		logger.Info("janitor stopped")
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("statementd shutdown complete")
	return nil
}
