// Package app はサブコマンドの解析と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/gymflag/internal/config"
	"github.com/hitoshi/gymflag/internal/database"
	"github.com/hitoshi/gymflag/internal/experiment"
	"github.com/hitoshi/gymflag/internal/handler"
	"github.com/hitoshi/gymflag/internal/logger"
	"github.com/hitoshi/gymflag/internal/metrics"
	"github.com/hitoshi/gymflag/internal/middleware"
	"github.com/hitoshi/gymflag/internal/repository"
	"github.com/hitoshi/gymflag/internal/reservation"
	"github.com/hitoshi/gymflag/internal/source"
	"github.com/hitoshi/gymflag/internal/worker/flagging"
)

// dbPingTimeout は起動時のDB疎通確認のタイムアウト。
const dbPingTimeout = 5 * time.Second

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップしてから環境変数を読み込み、LOG_LEVELでログレベルを設定し直す。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("input_dir", cfg.InputDir),
		slog.String("experiment_id", cfg.ExperimentID),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandRun:
		return runOnce(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnLifetime,
	})
	if err != nil {
		return nil, err
	}
	if err := database.Ping(context.Background(), db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")
	return db, nil
}

// signalContext はSIGINTまたはSIGTERMでキャンセルされるコンテキストを返す。
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// runServe は運用APIサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	flagRepo := repository.NewPostgresFlagRepo(db)
	tracker := experiment.NewTracker(repository.NewPostgresExperimentRepo(db), slog.Default())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(), slog.Default())
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		HealthChecker: db,
		Gatherer:      reg,
		Flags:         flagRepo,
		RetentionDays: cfg.FlagRetentionDays,
		Experiments:   tracker,
		RateLimiter:   rateLimiter,
		Logger:        slog.Default(),
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signalContext()
	defer stop()

	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// BATCH_INTERVALごとにフラグ生成バッチを実行し、/metricsをSERVER_PORTで公開する。
func runWorker(cfg *config.Config) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	job, err := newFlaggingJob(cfg, db, metrics.NewCollector(reg), slog.Default())
	if err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           metrics.SetupMetricsRoute(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()

	ctx, stop := signalContext()
	defer stop()

	slog.Info("worker starting",
		slog.Duration("batch_interval", cfg.BatchInterval),
		slog.Int("max_concurrent", cfg.EvalMaxConcurrent),
	)

	// フラグ生成ジョブをメインgoroutineで実行（ブロッキング）
	job.Start(ctx, cfg.BatchInterval)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("metrics server shutdown failed", slog.String("error", err.Error()))
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runOnce はフラグ生成バッチを1回だけ実行する。
// 台帳への書き込み失敗を含め、サイクル中のエラーは終了コードに反映する。
func runOnce(cfg *config.Config) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	job, err := newFlaggingJob(cfg, db, nil, slog.Default())
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	summary, err := job.RunOnce(ctx)
	if summary != nil {
		slog.Info("batch summary",
			slog.Int("customers", summary.Customers),
			slog.Int("processed", summary.Processed),
			slog.Int("matched", summary.Matched()),
			slog.Int("unmatched", summary.Unmatched()),
			slog.Int("malformed", summary.Malformed()),
			slog.Int("flagged", summary.Flagged),
			slog.Int("errors", summary.RuleErrors+len(summary.PersistenceFailures)),
		)
	}
	if err != nil {
		return fmt.Errorf("batch failed: %w", err)
	}
	return nil
}

// newFlaggingJob は設定からフラグ生成ジョブを組み立てる。mcがnilの場合はメトリクスを記録しない。
func newFlaggingJob(cfg *config.Config, db *sql.DB, mc metrics.MetricsCollector, log *slog.Logger) (*flagging.Job, error) {
	if mc == nil {
		mc = metrics.NopCollector{}
	}

	deps := flagging.Deps{
		Loader:      source.NewLoader(cfg.InputDir, log),
		Customers:   repository.NewPostgresCustomerRepo(db),
		Events:      repository.NewPostgresEventRepo(db),
		Flags:       repository.NewPostgresFlagRepo(db),
		Experiments: repository.NewPostgresExperimentRepo(db),
		Metrics:     mc,
		Logger:      log,
	}

	fetcher, err := newReservationFetcher(cfg, log, mc)
	if err != nil {
		return nil, err
	}
	if fetcher != nil {
		deps.Reservations = fetcher
	}

	return flagging.NewJob(deps, flagging.Config{
		Windows:        cfg.Windows(),
		ExperimentID:   cfg.ExperimentID,
		Overrides:      cfg.ABGroupOverrides,
		MaxConcurrency: cfg.EvalMaxConcurrent,
		Deadline:       cfg.BatchDeadline,
		MaxAttempts:    cfg.PersistMaxAttempts,
		Backoff:        cfg.PersistBackoff,
	}), nil
}

// newReservationFetcher は予約APIクライアントを生成する。
// RESERVATION_API_URLが未設定の場合はnilを返す。
func newReservationFetcher(cfg *config.Config, log *slog.Logger, mc metrics.MetricsCollector) (*reservation.Client, error) {
	if cfg.ReservationAPIURL == "" {
		return nil, nil
	}
	if err := reservation.ValidateEndpoint(cfg.ReservationAPIURL); err != nil {
		return nil, fmt.Errorf("invalid RESERVATION_API_URL: %w", err)
	}
	return reservation.NewClient(
		cfg.ReservationAPIURL,
		reservation.NewSafeHTTPClient(cfg.ReservationAPITimeout),
		log,
		cfg.ReservationAPIInterval,
		mc,
	), nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
