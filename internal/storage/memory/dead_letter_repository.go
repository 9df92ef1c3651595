package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
)

// deadLetterRepositoryInMemory — in-memory хранилище задач, исчерпавших повторы.
type deadLetterRepositoryInMemory struct {
	mu      sync.RWMutex
	letters []domain.DeadLetter
}

// NewDeadLetterRepository создаёт in-memory реализацию DeadLetterRepository.
func NewDeadLetterRepository() *deadLetterRepositoryInMemory {
	return &deadLetterRepositoryInMemory{}
}

// Save сохраняет запись, проставляя id и время, если они не заданы.
func (r *deadLetterRepositoryInMemory) Save(_ context.Context, letter domain.DeadLetter) error {
	if letter.ID == "" {
		letter.ID = uuid.NewString()
	}
	if letter.FailedAt.IsZero() {
		letter.FailedAt = time.Now().UTC()
	}
	letter.Payload = append([]byte(nil), letter.Payload...)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.letters = append(r.letters, letter)
	return nil
}

// List возвращает последние записи, новые первыми.
func (r *deadLetterRepositoryInMemory) List(_ context.Context, limit int) ([]domain.DeadLetter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.DeadLetter, 0, len(r.letters))
	for _, letter := range r.letters {
		letter.Payload = append([]byte(nil), letter.Payload...)
		result = append(result, letter)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].FailedAt.After(result[j].FailedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ domain.DeadLetterRepository = (*deadLetterRepositoryInMemory)(nil)
