package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
)

const defaultDeadLetterListLimit = 100

type deadLetterRepository struct {
	db *sql.DB
}

// NewDeadLetterRepository создаёт PostgreSQL-реализацию DeadLetterRepository.
func NewDeadLetterRepository(store *Store) domain.DeadLetterRepository {
	return &deadLetterRepository{db: store.DB()}
}

func (r *deadLetterRepository) Save(ctx context.Context, letter domain.DeadLetter) error {
	if letter.ID == "" {
		letter.ID = uuid.NewString()
	}
	if letter.FailedAt.IsZero() {
		letter.FailedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dead_letter_tasks (
			id, task_name, task_key, payload, last_error, attempts, failed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
	`,
		letter.ID,
		letter.TaskName,
		letter.TaskKey,
		letter.Payload,
		letter.LastError,
		letter.Attempts,
		letter.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (r *deadLetterRepository) List(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = defaultDeadLetterListLimit
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, task_name, task_key, payload, last_error, attempts, failed_at
		FROM dead_letter_tasks
		ORDER BY failed_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	letters := make([]domain.DeadLetter, 0, limit)
	for rows.Next() {
		var letter domain.DeadLetter
		if err := rows.Scan(
			&letter.ID,
			&letter.TaskName,
			&letter.TaskKey,
			&letter.Payload,
			&letter.LastError,
			&letter.Attempts,
			&letter.FailedAt,
		); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		letter.FailedAt = letter.FailedAt.UTC()
		letters = append(letters, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}

	return letters, nil
}

var _ domain.DeadLetterRepository = (*deadLetterRepository)(nil)
