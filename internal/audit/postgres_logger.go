package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/deedflow/deedflow/internal/idgen"
)

// PostgresLogger writes audit entries to PostgreSQL.
type PostgresLogger struct {
	db *sql.DB
}

// NewPostgresLogger creates an audit logger backed by PostgreSQL.
func NewPostgresLogger(db *sql.DB) *PostgresLogger {
	return &PostgresLogger{db: db}
}

func (p *PostgresLogger) LogEvent(ctx context.Context, transactionID, eventType string, payload map[string]any) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		payloadJSON = []byte("{}")
	}

	ref := idgen.WithPrefix("aud_")
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO audit_events (log_ref, transaction_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		ref, transactionID, eventType, payloadJSON, time.Now(),
	)
	if err != nil {
		return "", err
	}
	return ref, nil
}

func (p *PostgresLogger) VerifyEvent(ctx context.Context, logRef string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM audit_events WHERE log_ref = $1)`, logRef,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}
