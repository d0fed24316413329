package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/pressly/goose/v3"

	"authrisk/internal/config"
	"authrisk/internal/model"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// HighRiskThreshold is the final score above which an attempt counts as
// high risk in summaries.
const HighRiskThreshold = 70.0

// Store is the durable record of users and scored attempts.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error
	RegisterUser(ctx context.Context, username string, at time.Time) error
	Users(ctx context.Context) ([]User, error)
	SaveAttempt(ctx context.Context, rec model.AttemptRecord, a model.RiskAssessment) error
	AttemptsSince(ctx context.Context, username string, since time.Time) ([]model.AttemptRecord, error)
	RecentAssessments(ctx context.Context, limit int, since time.Time) ([]model.RiskAssessment, error)
	Summary(ctx context.Context, now time.Time, window time.Duration) (model.Summary, error)
	Clear(ctx context.Context) error
}

type User struct {
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "sqlite3":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql", "pgx":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

type dialect struct {
	name       string
	goose      goose.Dialect
	migrations string
	dollar     bool
	// duplicate reports a primary key or unique violation from the driver
	duplicate func(error) bool
}

var (
	sqliteDialect   = dialect{name: "sqlite", goose: goose.DialectSQLite3, migrations: "migrations/sqlite", duplicate: isSQLiteDuplicate}
	postgresDialect = dialect{name: "postgres", goose: goose.DialectPostgres, migrations: "migrations/postgres", dollar: true, duplicate: isPostgresDuplicate}
)

type baseStore struct {
	db      *sql.DB
	dialect dialect
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Init applies the embedded migrations for the store's dialect.
func (b *baseStore) Init(ctx context.Context) error {
	sub, err := fs.Sub(migrationsFS, b.dialect.migrations)
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(b.dialect.goose, b.db, sub)
	if err != nil {
		return fmt.Errorf("%s migrations: %w", b.dialect.name, err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("%s migrations: %w", b.dialect.name, err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (b *baseStore) rebind(query string) string {
	if !b.dialect.dollar {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

const upsertUser = `INSERT INTO users (username, created_ms, last_seen_ms) VALUES (?, ?, ?)
	ON CONFLICT (username) DO UPDATE SET last_seen_ms = CASE
		WHEN excluded.last_seen_ms > users.last_seen_ms THEN excluded.last_seen_ms
		ELSE users.last_seen_ms END`

func (b *baseStore) RegisterUser(ctx context.Context, username string, at time.Time) error {
	ms := at.UTC().UnixMilli()
	_, err := b.db.ExecContext(ctx, b.rebind(upsertUser), username, ms, ms)
	return err
}

func (b *baseStore) Users(ctx context.Context) ([]User, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT username, created_ms, last_seen_ms FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]User, 0)
	for rows.Next() {
		var u User
		var created, seen int64
		if err := rows.Scan(&u.Username, &created, &seen); err != nil {
			return nil, err
		}
		u.CreatedAt = fromMillis(created)
		u.LastSeen = fromMillis(seen)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (b *baseStore) SaveAttempt(ctx context.Context, rec model.AttemptRecord, a model.RiskAssessment) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ms := rec.Timestamp.UTC().UnixMilli()
	if _, err := tx.ExecContext(ctx, b.rebind(upsertUser), rec.Username, ms, ms); err != nil {
		return err
	}
	var modelScore sql.NullFloat64
	if a.ModelScore != nil {
		modelScore = sql.NullFloat64{Float64: *a.ModelScore, Valid: true}
	}
	_, err = tx.ExecContext(ctx, b.rebind(`INSERT INTO login_attempts (
		id, username, step, device_id, network_operator, latency_ms, fingerprint,
		source_address, client_descriptor, success, ts_ms, assessment_id,
		rule_score, model_score, final_score, level, breakdown_json
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID,
		rec.Username,
		rec.Step,
		rec.DeviceID,
		rec.NetworkOperator,
		rec.LatencyMs,
		rec.Fingerprint,
		rec.SourceAddress,
		rec.ClientDescriptor,
		boolInt(rec.Success),
		ms,
		a.ID,
		a.RuleScore,
		modelScore,
		a.FinalScore,
		string(a.Level),
		encodeJSON(a.Breakdown),
	)
	if err != nil {
		if b.dialect.duplicate != nil && b.dialect.duplicate(err) {
			return fmt.Errorf("%w: %s", model.ErrDuplicateAttempt, rec.ID)
		}
		return err
	}
	return tx.Commit()
}

const attemptColumns = `id, username, step, device_id, network_operator, latency_ms, fingerprint,
	source_address, client_descriptor, success, ts_ms, assessment_id,
	rule_score, model_score, final_score, level, breakdown_json`

type attemptRow struct {
	rec          model.AttemptRecord
	assessmentID string
	ruleScore    float64
	modelScore   sql.NullFloat64
	level        string
	breakdown    string
}

func scanAttempt(rows *sql.Rows) (attemptRow, error) {
	var r attemptRow
	var success int
	var ms int64
	err := rows.Scan(
		&r.rec.ID,
		&r.rec.Username,
		&r.rec.Step,
		&r.rec.DeviceID,
		&r.rec.NetworkOperator,
		&r.rec.LatencyMs,
		&r.rec.Fingerprint,
		&r.rec.SourceAddress,
		&r.rec.ClientDescriptor,
		&success,
		&ms,
		&r.assessmentID,
		&r.ruleScore,
		&r.modelScore,
		&r.rec.RiskScore,
		&r.level,
		&r.breakdown,
	)
	r.rec.Success = success != 0
	r.rec.Timestamp = fromMillis(ms)
	return r, err
}

func (r attemptRow) assessment() model.RiskAssessment {
	a := model.RiskAssessment{
		ID:         r.assessmentID,
		AttemptID:  r.rec.ID,
		Username:   r.rec.Username,
		Step:       r.rec.Step,
		DeviceID:   r.rec.DeviceID,
		Timestamp:  r.rec.Timestamp,
		Success:    r.rec.Success,
		FinalScore: r.rec.RiskScore,
		RuleScore:  r.ruleScore,
		Level:      model.RiskLevel(r.level),
	}
	if r.modelScore.Valid {
		v := r.modelScore.Float64
		a.ModelScore = &v
	}
	_ = json.Unmarshal([]byte(r.breakdown), &a.Breakdown)
	return a
}

// AttemptsSince returns the user's attempts at or after since, oldest
// first. Ties on timestamp are ordered by id.
func (b *baseStore) AttemptsSince(ctx context.Context, username string, since time.Time) ([]model.AttemptRecord, error) {
	rows, err := b.db.QueryContext(ctx, b.rebind(`SELECT `+attemptColumns+`
		FROM login_attempts WHERE username = ? AND ts_ms >= ?
		ORDER BY ts_ms ASC, id ASC`), username, since.UTC().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.AttemptRecord, 0)
	for rows.Next() {
		r, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r.rec)
	}
	return out, rows.Err()
}

// RecentAssessments returns up to limit assessments, newest first.
func (b *baseStore) RecentAssessments(ctx context.Context, limit int, since time.Time) ([]model.RiskAssessment, error) {
	if limit <= 0 {
		limit = 100
	}
	var sinceMs int64
	if !since.IsZero() {
		sinceMs = since.UTC().UnixMilli()
	}
	rows, err := b.db.QueryContext(ctx, b.rebind(`SELECT `+attemptColumns+`
		FROM login_attempts WHERE ts_ms >= ?
		ORDER BY ts_ms DESC, id DESC LIMIT ?`), sinceMs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.RiskAssessment, 0, limit)
	for rows.Next() {
		r, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r.assessment())
	}
	return out, rows.Err()
}

// Summary aggregates the window ending at now. Device switchers look at
// the last 30 minutes and high velocity at the last 5, whatever the window.
func (b *baseStore) Summary(ctx context.Context, now time.Time, window time.Duration) (model.Summary, error) {
	if window <= 0 {
		window = time.Hour
	}
	since := now.Add(-window)
	sum := model.Summary{Since: since}
	sinceMs := since.UTC().UnixMilli()

	var avg sql.NullFloat64
	err := b.db.QueryRowContext(ctx, b.rebind(`SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN final_score > ? THEN 1 ELSE 0 END), 0),
		COUNT(DISTINCT username),
		AVG(final_score)
		FROM login_attempts WHERE ts_ms >= ?`), HighRiskThreshold, sinceMs).
		Scan(&sum.TotalAttempts, &sum.HighRiskAttempts, &sum.ActiveUsers, &avg)
	if err != nil {
		return sum, err
	}
	if avg.Valid {
		sum.AvgRiskScore = model.Round2(avg.Float64)
	}

	rows, err := b.db.QueryContext(ctx, b.rebind(`SELECT username, AVG(final_score), COUNT(*)
		FROM login_attempts WHERE ts_ms >= ?
		GROUP BY username ORDER BY AVG(final_score) DESC, username ASC LIMIT 10`), sinceMs)
	if err != nil {
		return sum, err
	}
	sum.RiskyUsers = make([]model.UserRisk, 0)
	for rows.Next() {
		var u model.UserRisk
		if err := rows.Scan(&u.Username, &u.AvgRisk, &u.Attempts); err != nil {
			rows.Close()
			return sum, err
		}
		u.AvgRisk = model.Round2(u.AvgRisk)
		sum.RiskyUsers = append(sum.RiskyUsers, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return sum, err
	}

	if sum.DeviceSwitchers, err = b.userCounts(ctx, `SELECT username, COUNT(DISTINCT device_id)
		FROM login_attempts WHERE ts_ms >= ?
		GROUP BY username HAVING COUNT(DISTINCT device_id) > 1
		ORDER BY COUNT(DISTINCT device_id) DESC, username ASC LIMIT 10`, now.Add(-30*time.Minute)); err != nil {
		return sum, err
	}
	if sum.HighVelocity, err = b.userCounts(ctx, `SELECT username, COUNT(*)
		FROM login_attempts WHERE ts_ms >= ?
		GROUP BY username HAVING COUNT(*) > 3
		ORDER BY COUNT(*) DESC, username ASC LIMIT 10`, now.Add(-5*time.Minute)); err != nil {
		return sum, err
	}
	if sum.AbandonmentPatterns, err = b.userCounts(ctx, `SELECT username, COUNT(*)
		FROM login_attempts WHERE ts_ms >= ? AND step < 3 AND success = 0
		GROUP BY username HAVING COUNT(*) > 1
		ORDER BY COUNT(*) DESC, username ASC LIMIT 10`, since); err != nil {
		return sum, err
	}
	return sum, nil
}

func (b *baseStore) userCounts(ctx context.Context, query string, since time.Time) ([]model.UserCount, error) {
	rows, err := b.db.QueryContext(ctx, b.rebind(query), since.UTC().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.UserCount, 0)
	for rows.Next() {
		var uc model.UserCount
		if err := rows.Scan(&uc.Username, &uc.Count); err != nil {
			return nil, err
		}
		out = append(out, uc)
	}
	return out, rows.Err()
}

func (b *baseStore) Clear(ctx context.Context) error {
	for _, stmt := range []string{`DELETE FROM login_attempts`, `DELETE FROM users`} {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
