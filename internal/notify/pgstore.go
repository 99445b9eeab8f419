package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/curator/model"
)

// PgStore is a PostgreSQL-backed notification Store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PostgreSQL notification store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const notificationColumns = `id, user_id, email, task_id, object_id, object_type, procedure_type,
	type, subject, body, link, status, created_at, read_at`

func (s *PgStore) Save(ctx context.Context, n model.Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (`+notificationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		n.ID, n.UserID, n.Email, n.TaskID, n.ObjectID, n.ObjectType, n.ProcedureType,
		n.Type, n.Subject, n.Body, n.Link, n.Status, n.CreatedAt, n.ReadAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.NewConflictError(fmt.Sprintf("notification %q already exists", n.ID))
		}
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PgStore) ListForUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE user_id = $1`
	args := []any{userID}
	if unreadOnly {
		query += ` AND status = $2`
		args = append(args, model.NotificationPending)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	out := []model.Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PgStore) MarkRead(ctx context.Context, id, userID string, at time.Time) (model.Notification, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE notifications
		SET status = CASE WHEN status = 'pending' THEN 'read' ELSE status END,
		    read_at = CASE WHEN status = 'pending' THEN $3 ELSE read_at END
		WHERE id = $1 AND user_id = $2
		RETURNING `+notificationColumns,
		id, userID, at,
	)
	n, err := scanNotification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Notification{}, model.NewNotFoundError(fmt.Sprintf("notification %q not found", id))
	}
	return n, err
}

func (s *PgStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM notifications WHERE user_id = $1 AND status = 'pending'`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return n, nil
}

func (s *PgStore) ResolvePending(ctx context.Context, objectType, objectID, procedureType string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications SET status = 'resolved'
		WHERE status = 'pending' AND object_type = $1 AND object_id = $2 AND procedure_type = $3`,
		objectType, objectID, procedureType,
	)
	if err != nil {
		return 0, fmt.Errorf("resolve notifications: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanNotification(row pgx.Row) (model.Notification, error) {
	var n model.Notification
	err := row.Scan(
		&n.ID, &n.UserID, &n.Email, &n.TaskID, &n.ObjectID, &n.ObjectType, &n.ProcedureType,
		&n.Type, &n.Subject, &n.Body, &n.Link, &n.Status, &n.CreatedAt, &n.ReadAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return n, err
		}
		return n, fmt.Errorf("scan notification: %w", err)
	}
	return n, nil
}
