package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"flowbot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// DecisionRecord is one per-symbol evaluation outcome, written every
// cycle regardless of whether an order followed.
type DecisionRecord struct {
	Time       time.Time
	Cycle      uint64
	Symbol     string
	Regime     string
	Action     string
	Side       string
	Score      float64
	LongScore  float64
	ShortScore float64
	Reason     string
}

// ExecutionRecord is the terminal outcome of one routing call, including
// the degradation path it took.
type ExecutionRecord struct {
	Time               time.Time
	Symbol             string
	Action             string
	Side               string
	Status             string
	FilledQty          float64
	AvgPrice           float64
	RemainingQty       float64
	TPOrderID          string
	SLOrderID          string
	ProtectionComplete bool
	RolledBack         bool
	Path               string
	Error              string
}

// Writer persists decision and execution telemetry asynchronously. Queue
// pressure drops records rather than stalling the trading cycle.
type Writer struct {
	db         *sql.DB
	log        *zap.Logger
	schema     string
	decisions  chan DecisionRecord
	executions chan ExecutionRecord
	started    atomic.Bool
	dropDec    atomic.Uint64
	dropExec   atomic.Uint64
}

func New(cfg config.TelemetryConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("telemetry dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	w := &Writer{
		db:         db,
		log:        log,
		schema:     schema,
		decisions:  make(chan DecisionRecord, queueSize),
		executions: make(chan ExecutionRecord, queueSize),
	}
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueDecision(rec DecisionRecord) {
	if w == nil {
		return
	}
	select {
	case w.decisions <- rec:
		return
	default:
		if w.dropDec.Add(1) == 1 && w.log != nil {
			w.log.Warn("telemetry decision queue full")
		}
	}
}

func (w *Writer) EnqueueExecution(rec ExecutionRecord) {
	if w == nil {
		return
	}
	select {
	case w.executions <- rec:
		return
	default:
		if w.dropExec.Add(1) == 1 && w.log != nil {
			w.log.Warn("telemetry execution queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-w.decisions:
			w.writeDecision(ctx, rec)
		case rec := <-w.executions:
			w.writeExecution(ctx, rec)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("telemetry db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		cycle BIGINT NOT NULL,
		symbol TEXT NOT NULL,
		regime TEXT NOT NULL,
		action TEXT NOT NULL,
		side TEXT NOT NULL,
		score DOUBLE PRECISION NOT NULL,
		long_score DOUBLE PRECISION NOT NULL,
		short_score DOUBLE PRECISION NOT NULL,
		reason TEXT NOT NULL
	)`, w.table("decisions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		action TEXT NOT NULL,
		side TEXT NOT NULL,
		status TEXT NOT NULL,
		filled_qty DOUBLE PRECISION NOT NULL,
		avg_price DOUBLE PRECISION NOT NULL,
		remaining_qty DOUBLE PRECISION NOT NULL,
		tp_order_id TEXT NOT NULL,
		sl_order_id TEXT NOT NULL,
		protection_complete BOOLEAN NOT NULL,
		rolled_back BOOLEAN NOT NULL,
		path TEXT NOT NULL,
		error TEXT NOT NULL
	)`, w.table("executions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	for _, tbl := range []string{"decisions", "executions"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(tbl))); err != nil && w.log != nil {
			w.log.Warn("hypertable create failed", zap.String("table", tbl), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeDecision(ctx context.Context, rec DecisionRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, cycle, symbol, regime, action, side, score, long_score, short_score, reason
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, w.table("decisions"))
	if _, err := w.db.ExecContext(ctx, query,
		rec.Time,
		rec.Cycle,
		rec.Symbol,
		rec.Regime,
		rec.Action,
		rec.Side,
		rec.Score,
		rec.LongScore,
		rec.ShortScore,
		rec.Reason,
	); err != nil && w.log != nil {
		w.log.Warn("telemetry decision insert failed", zap.Error(err))
	}
}

func (w *Writer) writeExecution(ctx context.Context, rec ExecutionRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, action, side, status, filled_qty, avg_price, remaining_qty,
		tp_order_id, sl_order_id, protection_complete, rolled_back, path, error
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`, w.table("executions"))
	if _, err := w.db.ExecContext(ctx, query,
		rec.Time,
		rec.Symbol,
		rec.Action,
		rec.Side,
		rec.Status,
		rec.FilledQty,
		rec.AvgPrice,
		rec.RemainingQty,
		rec.TPOrderID,
		rec.SLOrderID,
		rec.ProtectionComplete,
		rec.RolledBack,
		rec.Path,
		rec.Error,
	); err != nil && w.log != nil {
		w.log.Warn("telemetry execution insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
