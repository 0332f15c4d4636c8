package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hamed0406/canarywatch/internal/domain"
	"github.com/hamed0406/canarywatch/internal/repo"
)

var _ repo.Store = (*Store)(nil)

// Schema is applied by EnsureSchema; every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS outcomes (
  id             BIGSERIAL PRIMARY KEY,
  probe_id       TEXT NOT NULL,
  ts             TIMESTAMPTZ NOT NULL,
  success        BOOLEAN NOT NULL,
  duration_ms    DOUBLE PRECISION NOT NULL,
  error          TEXT NULL,
  status_code    INTEGER NULL,
  artifact_uri   TEXT NULL,
  correlation_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_probe_ts ON outcomes (probe_id, ts DESC);

CREATE TABLE IF NOT EXISTS alarm_transitions (
  id             TEXT PRIMARY KEY,
  alarm_id       TEXT NOT NULL,
  probe_id       TEXT NOT NULL,
  previous_state TEXT NOT NULL,
  new_state      TEXT NOT NULL,
  occurred_at    TIMESTAMPTZ NOT NULL,
  metric_value   DOUBLE PRECISION NULL,
  topic          TEXT NOT NULL DEFAULT '',
  notified       BOOLEAN NOT NULL DEFAULT false,
  delivered      INTEGER NOT NULL DEFAULT 0,
  failed         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_transitions_alarm_time ON alarm_transitions (alarm_id, occurred_at DESC);
`

type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func New(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	s.log.Info("postgres_schema_ready")
	return nil
}

// ---- OutcomeArchive ----

func (s *Store) AppendOutcome(ctx context.Context, o domain.Outcome) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO outcomes
		   (probe_id, ts, success, duration_ms, error, status_code, artifact_uri, correlation_id)
		 VALUES
		   ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(o.ProbeID), o.Timestamp, o.Success, o.DurationMS,
		nullString(o.Error), nullInt(o.StatusCode), nullString(o.ArtifactURI), o.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

func (s *Store) RecentOutcomes(ctx context.Context, probeID domain.ProbeID, limit int) ([]domain.Outcome, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ts, success, duration_ms, error, status_code, artifact_uri, correlation_id
		   FROM outcomes
		  WHERE probe_id = $1
		  ORDER BY ts DESC, id DESC
		  LIMIT $2`, string(probeID), repo.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []domain.Outcome
	for rows.Next() {
		var (
			o        = domain.Outcome{ProbeID: probeID}
			errText  sql.NullString
			status   sql.NullInt32
			artifact sql.NullString
		)
		if err := rows.Scan(&o.Timestamp, &o.Success, &o.DurationMS, &errText, &status, &artifact, &o.CorrelationID); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Error = errText.String
		o.StatusCode = int(status.Int32)
		o.ArtifactURI = artifact.String
		o.Timestamp = o.Timestamp.UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

// ---- AlarmHistory ----

func (s *Store) AppendTransition(ctx context.Context, t repo.Transition) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO alarm_transitions
		   (id, alarm_id, probe_id, previous_state, new_state, occurred_at, metric_value, topic, notified, delivered, failed)
		 VALUES
		   ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, string(t.AlarmID), string(t.ProbeID), string(t.PreviousState), string(t.NewState),
		t.OccurredAt, t.MetricValue, t.Topic, t.Notified, t.Delivered, t.Failed,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func (s *Store) Transitions(ctx context.Context, alarmID domain.AlarmID, limit int) ([]repo.Transition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, probe_id, previous_state, new_state, occurred_at, metric_value, topic, notified, delivered, failed
		   FROM alarm_transitions
		  WHERE alarm_id = $1
		  ORDER BY occurred_at DESC, id DESC
		  LIMIT $2`, string(alarmID), repo.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []repo.Transition
	for rows.Next() {
		var (
			t           = repo.Transition{}
			probeID     string
			prev, next  string
			metricValue *float64
		)
		if err := rows.Scan(&t.ID, &probeID, &prev, &next, &t.OccurredAt, &metricValue,
			&t.Topic, &t.Notified, &t.Delivered, &t.Failed); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.AlarmID = alarmID
		t.ProbeID = domain.ProbeID(probeID)
		t.PreviousState = domain.AlarmState(prev)
		t.NewState = domain.AlarmState(next)
		t.MetricValue = metricValue
		t.OccurredAt = t.OccurredAt.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}
