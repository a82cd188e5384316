package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mwangikbr/dukapay-gobackend/internal/models"
)

// MemoryStore keeps transactions in a map under a mutex with the same
// semantics as the Mongo store. Used by tests and local development.
type MemoryStore struct {
	mu    sync.Mutex
	byID  map[string]models.Transaction
	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]models.Transaction),
		clock: time.Now,
	}
}

func (s *MemoryStore) CreatePending(ctx context.Context, in CreatePendingInput) (models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tx := range s.byID {
		if tx.OrderID == in.OrderID && tx.Status == models.StatusPending {
			return tx, ErrPendingExists
		}
		if tx.MerchantReference == in.MerchantReference {
			return tx, fmt.Errorf("merchant reference %s already used", in.MerchantReference)
		}
	}

	now := s.clock()
	tx := models.Transaction{
		ID:                uuid.NewString(),
		UserID:            in.UserID,
		OrderID:           in.OrderID,
		MerchantReference: in.MerchantReference,
		Provider:          in.Provider,
		Amount:            in.Amount,
		Currency:          in.Currency,
		Contact:           in.Contact,
		Description:       in.Description,
		Status:            models.StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.byID[tx.ID] = tx
	return tx, nil
}

func (s *MemoryStore) SetTrackingID(ctx context.Context, id, trackingID, raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	tx.ProviderTrackingID = trackingID
	tx.RawProviderMetadata = raw
	tx.UpdatedAt = s.clock()
	s.byID[id] = tx
	return nil
}

func (s *MemoryStore) ApplyProviderResult(ctx context.Context, id string, target models.Status, raw string) (models.Transaction, bool, error) {
	if !target.IsTerminal() {
		return models.Transaction{}, false, fmt.Errorf("target status %s is not terminal", target)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.byID[id]
	if !ok {
		return models.Transaction{}, false, ErrNotFound
	}
	// Terminal states are sticky: applying anything to them is a no-op.
	if !models.CanTransition(tx.Status, target) {
		return tx, false, nil
	}

	now := s.clock()
	tx.Status = target
	tx.RawProviderMetadata = raw
	tx.UpdatedAt = now
	if target == models.StatusCompleted {
		tx.CompletedAt = &now
	}
	s.byID[id] = tx
	return tx, true, nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.byID[id]
	if !ok {
		return models.Transaction{}, ErrNotFound
	}
	return tx, nil
}

func (s *MemoryStore) FindByTrackingIDOrReference(ctx context.Context, trackingID, merchantReference string) (models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tx := range s.byID {
		if trackingID != "" && tx.ProviderTrackingID == trackingID {
			return tx, nil
		}
	}
	for _, tx := range s.byID {
		if merchantReference != "" && tx.MerchantReference == merchantReference {
			return tx, nil
		}
	}
	return models.Transaction{}, ErrNotFound
}

func (s *MemoryStore) ExpireStale(ctx context.Context, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	cutoff := now.Add(-ttl)
	var n int64
	for id, tx := range s.byID {
		if tx.Status == models.StatusPending && tx.CreatedAt.Before(cutoff) {
			tx.Status = models.StatusExpired
			tx.UpdatedAt = now
			s.byID[id] = tx
			n++
		}
	}
	return n, nil
}
