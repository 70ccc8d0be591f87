package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/IBM/taxinomitis/internal/models"
)

// OwnerIndex remembers which owner submitted each model key
type OwnerIndex interface {
	// Record sets the owner of key. An empty owner forgets the key.
	Record(ctx context.Context, key, owner string) error
	// Keys lists every key recorded for owner, sorted.
	Keys(ctx context.Context, owner string) ([]string, error)
	Forget(ctx context.Context, key string) error
}

// MemoryOwnerIndex keeps owners in process memory; used when no database is configured
type MemoryOwnerIndex struct {
	mu     sync.RWMutex
	owners map[string]string
}

func NewMemoryOwnerIndex() *MemoryOwnerIndex {
	return &MemoryOwnerIndex{owners: make(map[string]string)}
}

func (m *MemoryOwnerIndex) Record(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner == "" {
		delete(m.owners, key)
		return nil
	}
	m.owners[key] = owner
	return nil
}

func (m *MemoryOwnerIndex) Keys(_ context.Context, owner string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for key, o := range m.owners {
		if o == owner {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryOwnerIndex) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.owners, key)
	return nil
}

// GormOwnerIndex stores owners in the model_owners table
type GormOwnerIndex struct {
	db *gorm.DB
}

func NewGormOwnerIndex(db *gorm.DB) *GormOwnerIndex {
	return &GormOwnerIndex{db: db}
}

func (g *GormOwnerIndex) Record(ctx context.Context, key, owner string) error {
	if owner == "" {
		return g.Forget(ctx, key)
	}
	row := &models.ModelOwner{ModelKey: key, Owner: owner}
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "model_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner", "updated_at"}),
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("failed to record owner of %s: %w", key, err)
	}
	return nil
}

func (g *GormOwnerIndex) Keys(ctx context.Context, owner string) ([]string, error) {
	var keys []string
	err := g.db.WithContext(ctx).Model(&models.ModelOwner{}).
		Where("owner = ?", owner).
		Order("model_key").
		Pluck("model_key", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list models of %s: %w", owner, err)
	}
	return keys, nil
}

func (g *GormOwnerIndex) Forget(ctx context.Context, key string) error {
	if err := g.db.WithContext(ctx).Where("model_key = ?", key).Delete(&models.ModelOwner{}).Error; err != nil {
		return fmt.Errorf("failed to forget owner of %s: %w", key, err)
	}
	return nil
}
