// Package db archives ended charging sessions, their meter samples and the
// raw OCPP traffic into PostgreSQL. The gateway works fully without it;
// every write is best-effort from the core's point of view.
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/evgrid/ocpp-gateway/config"
	"github.com/evgrid/ocpp-gateway/internal/db/models"
	"github.com/evgrid/ocpp-gateway/internal/session"
)

// PostgresStore handles database operations
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgreSQL connection pool
func NewPostgresStore(cfg *config.Config) (*PostgresStore, error) {
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS charging_sessions (
			session_id TEXT PRIMARY KEY,
			pile_id TEXT NOT NULL,
			connector_id INT NOT NULL,
			user_id TEXT,
			id_tag TEXT NOT NULL,
			transaction_id INT,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ,
			meter_start DOUBLE PRECISION NOT NULL,
			meter_stop DOUBLE PRECISION,
			status TEXT NOT NULL,
			stop_reason TEXT,
			energy_delivered DOUBLE PRECISION NOT NULL,
			cost DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS meter_samples (
			id SERIAL PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES charging_sessions(session_id),
			sampled_at TIMESTAMPTZ NOT NULL,
			sampled_values JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ocpp_messages (
			id SERIAL PRIMARY KEY,
			pile_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			payload JSONB NOT NULL,
			logged_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_pile ON charging_sessions (pile_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pile ON ocpp_messages (pile_id, logged_at)`,
	}

	for _, q := range queries {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("failed to initialize schema: %v", err)
		}
	}
	return nil
}

// SaveSession archives an ended session together with its meter samples.
func (s *PostgresStore) SaveSession(ctx context.Context, sess session.Session) error {
	query := `
		INSERT INTO charging_sessions (
			session_id, pile_id, connector_id, user_id, id_tag, transaction_id,
			start_time, end_time, meter_start, meter_stop, status, stop_reason,
			energy_delivered, cost
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (session_id) DO UPDATE SET
			end_time = $8,
			meter_stop = $10,
			status = $11,
			stop_reason = $12,
			energy_delivered = $13,
			cost = $14
	`

	_, err := s.pool.Exec(ctx, query,
		sess.SessionID, sess.PileID, sess.ConnectorID, sess.UserID, sess.IDTag, sess.TransactionID,
		sess.StartTime, sess.EndTime, sess.MeterStart, sess.MeterStop, string(sess.Status), sess.StopReason,
		sess.EnergyDelivered, sess.Cost,
	)
	if err != nil {
		return err
	}

	for _, sample := range sess.MeterSamples {
		values, err := json.Marshal(sample.SampledValues)
		if err != nil {
			continue
		}
		_, err = s.pool.Exec(ctx,
			`INSERT INTO meter_samples (session_id, sampled_at, sampled_values) VALUES ($1, $2, $3)`,
			sess.SessionID, sample.Timestamp, values,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetSessions retrieves archived sessions for a pile, newest first.
func (s *PostgresStore) GetSessions(ctx context.Context, pileID string, limit int) ([]*models.SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT session_id, pile_id, connector_id, user_id, id_tag, transaction_id,
		       start_time, end_time, meter_start, meter_stop, status, stop_reason,
		       energy_delivered, cost, created_at
		FROM charging_sessions
		WHERE pile_id = $1
		ORDER BY start_time DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, pileID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.SessionRecord
	for rows.Next() {
		r := &models.SessionRecord{}
		err := rows.Scan(
			&r.SessionID, &r.PileID, &r.ConnectorID, &r.UserID, &r.IdTag, &r.TransactionID,
			&r.StartTime, &r.EndTime, &r.MeterStart, &r.MeterStop, &r.Status, &r.StopReason,
			&r.EnergyDelivered, &r.Cost, &r.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetSessionSamples retrieves the archived meter readings of one session in
// sampling order.
func (s *PostgresStore) GetSessionSamples(ctx context.Context, sessionID string) ([]*models.MeterSampleRecord, error) {
	query := `
		SELECT id, session_id, sampled_at, sampled_values
		FROM meter_samples
		WHERE session_id = $1
		ORDER BY sampled_at
	`

	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.MeterSampleRecord
	for rows.Next() {
		r := &models.MeterSampleRecord{}
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Timestamp, &r.Values); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetMessages retrieves the logged raw frames for a pile, newest first.
func (s *PostgresStore) GetMessages(ctx context.Context, pileID string, limit int) ([]*models.OCPPMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, pile_id, direction, payload, logged_at
		FROM ocpp_messages
		WHERE pile_id = $1
		ORDER BY logged_at DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, pileID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.OCPPMessage
	for rows.Next() {
		r := &models.OCPPMessage{}
		if err := rows.Scan(&r.ID, &r.PileID, &r.Direction, &r.Payload, &r.Timestamp); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// LogMessage records one raw frame asynchronously. Logging must never slow
// the message path down, so failures are only logged.
func (s *PostgresStore) LogMessage(pileID, direction string, payload []byte) {
	buf := make([]byte, len(payload))
	copy(buf, payload)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := s.pool.Exec(ctx,
			`INSERT INTO ocpp_messages (pile_id, direction, payload) VALUES ($1, $2, $3)`,
			pileID, direction, buf,
		)
		if err != nil {
			logrus.WithError(err).WithField("pileID", pileID).Debug("Failed to log OCPP message")
		}
	}()
}
