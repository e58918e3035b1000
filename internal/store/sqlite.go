// internal/store/sqlite.go
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"

	"nginx-sentinel/internal/metrics"
	"nginx-sentinel/internal/model"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// ------------------------------------------------------------
// SQLite Store
//
// 정규화 레코드 / Alert / 버킷 / 배치 요약의 영속 저장소.
//
// 쓰기 정책:
//   - 레코드는 배치 단위 tx 로 커밋한다. tx 실패 시 배치 전체가
//     미커밋으로 남고 에러가 caller 에게 그대로 전파된다
//     (파이프라인이 재시도 여부를 판단).
//   - record_id 는 UNIQUE — 같은 파일을 재주입해도 중복 없이
//     idempotent 하다.
//   - Alert 는 ID 기준 upsert. coalescing 재발행(같은 ID,
//     confidence 상승)이 자연스럽게 갱신으로 흡수된다.
//
// WAL 모드: 단일 writer + 다수 reader 구도에 맞춘다.
// ------------------------------------------------------------

type Store struct {
	db      *sql.DB
	metrics *metrics.Metrics
}

func Open(path string, m *metrics.Metrics) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite 는 writer 가 하나뿐이어야 한다.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, metrics: m}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			record_id        TEXT PRIMARY KEY,
			ts               INTEGER NOT NULL,
			client_ip        TEXT NOT NULL,
			method           TEXT,
			path             TEXT,
			query            TEXT,
			protocol         TEXT,
			status           INTEGER NOT NULL,
			bytes_sent       INTEGER NOT NULL,
			referrer         TEXT,
			user_agent       TEXT,
			response_time_ms INTEGER,
			source_file_id   TEXT NOT NULL,
			line_offset      INTEGER NOT NULL,
			country          TEXT,
			ua_class         TEXT,
			extra            TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_ts ON records(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_records_ip_ts ON records(client_ip, ts)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id          TEXT PRIMARY KEY,
			ts          INTEGER NOT NULL,
			attack_type TEXT NOT NULL,
			client_ip   TEXT NOT NULL,
			endpoint    TEXT,
			confidence  REAL NOT NULL,
			evidence    TEXT,
			record_ids  TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts)`,
		`CREATE TABLE IF NOT EXISTS buckets (
			granularity    TEXT NOT NULL,
			bucket_start   INTEGER NOT NULL,
			request_count  INTEGER NOT NULL,
			error_count    INTEGER NOT NULL,
			bytes_total    INTEGER NOT NULL,
			status_2xx     INTEGER NOT NULL,
			status_3xx     INTEGER NOT NULL,
			status_4xx     INTEGER NOT NULL,
			status_5xx     INTEGER NOT NULL,
			unique_clients INTEGER NOT NULL,
			approx         INTEGER NOT NULL,
			PRIMARY KEY (granularity, bucket_start)
		)`,
		`CREATE TABLE IF NOT EXISTS source_files (
			source_file_id TEXT PRIMARY KEY,
			path           TEXT,
			lines_total    INTEGER NOT NULL,
			parsed_ok      INTEGER NOT NULL,
			parse_errors   INTEGER NOT NULL,
			content_hash   TEXT NOT NULL,
			truncated      INTEGER NOT NULL,
			completed_at   INTEGER NOT NULL
		)`,
	}
	for _, q := range stmts {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// InsertRecords 는 배치를 단일 tx 로 커밋한다.
// 성공 시 "새로 커밋된" 레코드 수를 반환한다 (중복은 무시되어 제외).
func (s *Store) InsertRecords(ctx context.Context, recs []*model.LogRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		atomic.AddInt64(&s.metrics.StoreWriteErrorsTotal, 1)
		return 0, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO records
		(record_id, ts, client_ip, method, path, query, protocol, status, bytes_sent,
		 referrer, user_agent, response_time_ms, source_file_id, line_offset,
		 country, ua_class, extra)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		atomic.AddInt64(&s.metrics.StoreWriteErrorsTotal, 1)
		return 0, fmt.Errorf("store: prepare: %w", err)
	}
	defer stmt.Close()

	var committed int64
	for _, r := range recs {
		var extra []byte
		if len(r.Extra) > 0 {
			extra, _ = json.Marshal(r.Extra)
		}
		res, err := stmt.ExecContext(ctx,
			r.RecordID(), r.Ts, r.ClientIP, r.Method, r.Path, r.Query, r.Protocol,
			r.Status, r.BytesSent, r.Referrer, r.UserAgent, r.ResponseTimeMs,
			r.SourceFileID, r.LineOffset, r.Country, r.UAClass, nullable(extra))
		if err != nil {
			atomic.AddInt64(&s.metrics.StoreWriteErrorsTotal, 1)
			return 0, fmt.Errorf("store: insert record %s: %w", r.RecordID(), err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			committed += n
		}
	}

	if err := tx.Commit(); err != nil {
		atomic.AddInt64(&s.metrics.StoreWriteErrorsTotal, 1)
		return 0, fmt.Errorf("store: commit: %w", err)
	}

	atomic.AddInt64(&s.metrics.RecordsCommittedTotal, committed)
	return committed, nil
}

// PublishAlert — alert.Sink 구현. 같은 ID 재발행은 upsert 로 흡수된다.
// (confidence 는 상승분만 반영; 하락 방향 갱신은 없다.)
func (s *Store) PublishAlert(a *model.Alert) {
	ids, _ := json.Marshal(a.RecordIDs)
	_, err := s.db.Exec(`INSERT INTO alerts
		(id, ts, attack_type, client_ip, endpoint, confidence, evidence, record_ids)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			confidence = MAX(confidence, excluded.confidence),
			evidence   = excluded.evidence,
			record_ids = excluded.record_ids`,
		a.ID, a.Ts, string(a.Type), a.ClientIP, a.Endpoint, a.Confidence, a.Evidence, string(ids))
	if err != nil {
		atomic.AddInt64(&s.metrics.StoreWriteErrorsTotal, 1)
		log.Error().Err(err).Str("alert_id", a.ID).Msg("alert 저장 실패")
	}
}

// SaveBuckets 는 in-memory aggregator 의 스냅샷을 덮어쓴다.
// 버킷은 증가 전용이므로 최신 스냅샷이 항상 과거 값 이상이다.
func (s *Store) SaveBuckets(ctx context.Context, buckets []model.MetricsBucket) error {
	if len(buckets) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO buckets
		(granularity, bucket_start, request_count, error_count, bytes_total,
		 status_2xx, status_3xx, status_4xx, status_5xx, unique_clients, approx)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(granularity, bucket_start) DO UPDATE SET
			request_count  = excluded.request_count,
			error_count    = excluded.error_count,
			bytes_total    = excluded.bytes_total,
			status_2xx     = excluded.status_2xx,
			status_3xx     = excluded.status_3xx,
			status_4xx     = excluded.status_4xx,
			status_5xx     = excluded.status_5xx,
			unique_clients = excluded.unique_clients,
			approx         = excluded.approx`)
	if err != nil {
		return fmt.Errorf("store: prepare: %w", err)
	}
	defer stmt.Close()

	for _, b := range buckets {
		if b.RequestCount == 0 {
			continue // zero-fill slot 은 저장할 필요 없음
		}
		if _, err := stmt.ExecContext(ctx,
			b.Granularity, b.BucketStart, b.RequestCount, b.ErrorCount, b.BytesTotal,
			b.Status2xx, b.Status3xx, b.Status4xx, b.Status5xx,
			b.UniqueClients, boolInt(b.Approx)); err != nil {
			return fmt.Errorf("store: upsert bucket: %w", err)
		}
	}
	return tx.Commit()
}

// SaveSummary 는 배치(파일) ingestion 결과를 기록한다.
// 같은 파일 재처리 시 최신 결과로 덮어쓴다.
func (s *Store) SaveSummary(ctx context.Context, sum *model.BatchSummary) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO source_files
		(source_file_id, path, lines_total, parsed_ok, parse_errors, content_hash, truncated, completed_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(source_file_id) DO UPDATE SET
			lines_total  = excluded.lines_total,
			parsed_ok    = excluded.parsed_ok,
			parse_errors = excluded.parse_errors,
			content_hash = excluded.content_hash,
			truncated    = excluded.truncated,
			completed_at = excluded.completed_at`,
		sum.SourceFileID, sum.Path, sum.LinesTotal, sum.ParsedOK, sum.ParseErrors,
		sum.ContentHash, boolInt(sum.Truncated), sum.CompletedAt)
	if err != nil {
		atomic.AddInt64(&s.metrics.StoreWriteErrorsTotal, 1)
		return fmt.Errorf("store: save summary: %w", err)
	}
	return nil
}

// ------------------------------------------------------------
// 질의 API
// ------------------------------------------------------------

// RecordQuery — /api/records 필터. 0 값은 해당 조건 미적용.
type RecordQuery struct {
	From     int64 // epoch ms (inclusive)
	To       int64 // epoch ms (exclusive)
	ClientIP string
	Status   int
	Limit    int
	Offset   int
}

func (s *Store) Records(ctx context.Context, q RecordQuery) ([]*model.LogRecord, error) {
	var conds []string
	var args []any
	if q.From > 0 {
		conds = append(conds, "ts >= ?")
		args = append(args, q.From)
	}
	if q.To > 0 {
		conds = append(conds, "ts < ?")
		args = append(args, q.To)
	}
	if q.ClientIP != "" {
		conds = append(conds, "client_ip = ?")
		args = append(args, q.ClientIP)
	}
	if q.Status > 0 {
		conds = append(conds, "status = ?")
		args = append(args, q.Status)
	}

	sqlq := "SELECT ts, client_ip, method, path, query, protocol, status, bytes_sent, " +
		"referrer, user_agent, response_time_ms, source_file_id, line_offset, country, ua_class, extra " +
		"FROM records"
	if len(conds) > 0 {
		sqlq += " WHERE " + strings.Join(conds, " AND ")
	}
	sqlq += " ORDER BY ts DESC LIMIT ? OFFSET ?"
	args = append(args, clampLimit(q.Limit), maxInt(q.Offset, 0))

	rows, err := s.db.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query records: %w", err)
	}
	defer rows.Close()

	var out []*model.LogRecord
	for rows.Next() {
		var r model.LogRecord
		var extra sql.NullString
		if err := rows.Scan(&r.Ts, &r.ClientIP, &r.Method, &r.Path, &r.Query, &r.Protocol,
			&r.Status, &r.BytesSent, &r.Referrer, &r.UserAgent, &r.ResponseTimeMs,
			&r.SourceFileID, &r.LineOffset, &r.Country, &r.UAClass, &extra); err != nil {
			return nil, fmt.Errorf("store: scan record: %w", err)
		}
		if extra.Valid && extra.String != "" {
			_ = json.Unmarshal([]byte(extra.String), &r.Extra)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// AlertQuery — /api/alerts 필터.
type AlertQuery struct {
	From   int64
	To     int64
	Type   string
	Limit  int
	Offset int
}

func (s *Store) Alerts(ctx context.Context, q AlertQuery) ([]*model.Alert, error) {
	var conds []string
	var args []any
	if q.From > 0 {
		conds = append(conds, "ts >= ?")
		args = append(args, q.From)
	}
	if q.To > 0 {
		conds = append(conds, "ts < ?")
		args = append(args, q.To)
	}
	if q.Type != "" {
		conds = append(conds, "attack_type = ?")
		args = append(args, q.Type)
	}

	sqlq := "SELECT id, ts, attack_type, client_ip, endpoint, confidence, evidence, record_ids FROM alerts"
	if len(conds) > 0 {
		sqlq += " WHERE " + strings.Join(conds, " AND ")
	}
	sqlq += " ORDER BY ts DESC LIMIT ? OFFSET ?"
	args = append(args, clampLimit(q.Limit), maxInt(q.Offset, 0))

	rows, err := s.db.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query alerts: %w", err)
	}
	defer rows.Close()

	var out []*model.Alert
	for rows.Next() {
		var a model.Alert
		var attackType string
		var ids sql.NullString
		if err := rows.Scan(&a.ID, &a.Ts, &attackType, &a.ClientIP, &a.Endpoint,
			&a.Confidence, &a.Evidence, &ids); err != nil {
			return nil, fmt.Errorf("store: scan alert: %w", err)
		}
		a.Type = model.AttackType(attackType)
		if ids.Valid && ids.String != "" {
			_ = json.Unmarshal([]byte(ids.String), &a.RecordIDs)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Summaries 는 최근 처리된 소스 파일 요약 목록을 반환한다.
func (s *Store) Summaries(ctx context.Context, limit int) ([]*model.BatchSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_file_id, path, lines_total, parsed_ok,
		parse_errors, content_hash, truncated, completed_at
		FROM source_files ORDER BY completed_at DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("store: query summaries: %w", err)
	}
	defer rows.Close()

	var out []*model.BatchSummary
	for rows.Next() {
		var sum model.BatchSummary
		var trunc int
		if err := rows.Scan(&sum.SourceFileID, &sum.Path, &sum.LinesTotal, &sum.ParsedOK,
			&sum.ParseErrors, &sum.ContentHash, &trunc, &sum.CompletedAt); err != nil {
			return nil, fmt.Errorf("store: scan summary: %w", err)
		}
		sum.Truncated = trunc != 0
		out = append(out, &sum)
	}
	return out, rows.Err()
}

// Summary 는 단일 소스 파일 요약을 조회한다 (없으면 nil).
func (s *Store) Summary(ctx context.Context, sourceFileID string) (*model.BatchSummary, error) {
	var sum model.BatchSummary
	var trunc int
	err := s.db.QueryRowContext(ctx, `SELECT source_file_id, path, lines_total, parsed_ok,
		parse_errors, content_hash, truncated, completed_at
		FROM source_files WHERE source_file_id = ?`, sourceFileID).
		Scan(&sum.SourceFileID, &sum.Path, &sum.LinesTotal, &sum.ParsedOK,
			&sum.ParseErrors, &sum.ContentHash, &trunc, &sum.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: query summary: %w", err)
	}
	sum.Truncated = trunc != 0
	return &sum, nil
}

// ------------------------------------------------------------

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func clampLimit(n int) int {
	if n <= 0 {
		return 100
	}
	if n > 1000 {
		return 1000
	}
	return n
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
