package agentkeys

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/labinventario/inventario/pkg/inventario/models"
	"gorm.io/gorm"
)

var (
	// ErrKeyNotFound is returned when no stored key matches a secret or id
	ErrKeyNotFound = errors.New("agent key not found")
	// ErrNameRequired is returned when issuing a key without a name
	ErrNameRequired = errors.New("agent key name is required")
	// ErrLaboratoryNotFound is returned when issuing a key for an unknown lab
	ErrLaboratoryNotFound = errors.New("laboratory not found")
)

// UsageStamp is the telemetry recorded on every successful authentication
type UsageStamp struct {
	At       time.Time
	IP       string
	Hostname string
}

// Store is what the auth gate needs from persistence.
// FindByKey returns ErrKeyNotFound when the secret matches nothing; inactive
// keys are returned so the caller can tell the two cases apart in logs.
type Store interface {
	FindByKey(ctx context.Context, secret string) (*models.AgentAPIKey, error)
	StampUsage(ctx context.Context, id uint, stamp UsageStamp) error
}

// IssueParams describes a key to issue
type IssueParams struct {
	Name         string
	LaboratoryID *uint
	Version      *string
	CreatedByID  uint
}

// GormStore is the gorm-backed Store, plus the lifecycle operations used by
// the management API and the CLI.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a store on top of db
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// FindByKey looks a key up by the hash of the presented secret
func (s *GormStore) FindByKey(ctx context.Context, secret string) (*models.AgentAPIKey, error) {
	var key models.AgentAPIKey
	err := s.db.WithContext(ctx).Where("key_hash = ?", HashKey(secret)).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find agent key: %w", err)
	}
	return &key, nil
}

// StampUsage overwrites the last-used fields. Concurrent stamps on the same
// key are last-writer-wins.
func (s *GormStore) StampUsage(ctx context.Context, id uint, stamp UsageStamp) error {
	err := s.db.WithContext(ctx).Model(&models.AgentAPIKey{}).Where("id = ?", id).Updates(map[string]interface{}{
		"last_used_at":       stamp.At,
		"last_used_ip":       stamp.IP,
		"last_used_hostname": stamp.Hostname,
	}).Error
	if err != nil {
		return fmt.Errorf("stamp agent key %d: %w", id, err)
	}
	return nil
}

// Issue generates a secret and persists a new active key for it.
// The returned secret is not recoverable afterwards.
func (s *GormStore) Issue(ctx context.Context, p IssueParams) (*models.AgentAPIKey, string, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, "", ErrNameRequired
	}

	db := s.db.WithContext(ctx)
	if p.LaboratoryID != nil {
		var count int64
		if err := db.Model(&models.Laboratory{}).Where("id = ?", *p.LaboratoryID).Count(&count).Error; err != nil {
			return nil, "", fmt.Errorf("check laboratory: %w", err)
		}
		if count == 0 {
			return nil, "", ErrLaboratoryNotFound
		}
	}

	secret, err := GenerateKey()
	if err != nil {
		return nil, "", err
	}

	key := models.AgentAPIKey{
		Name:         name,
		KeyHash:      HashKey(secret),
		KeyPrefix:    PrefixOf(secret),
		LaboratoryID: p.LaboratoryID,
		Active:       true,
		Version:      p.Version,
		CreatedByID:  p.CreatedByID,
	}
	if err := db.Create(&key).Error; err != nil {
		return nil, "", fmt.Errorf("create agent key: %w", err)
	}

	return &key, secret, nil
}

// List returns every key, newest first, with lab and creator loaded
func (s *GormStore) List(ctx context.Context) ([]models.AgentAPIKey, error) {
	var keys []models.AgentAPIKey
	err := s.db.WithContext(ctx).
		Preload("Laboratory").
		Preload("CreatedBy").
		Order("created_at DESC, id DESC").
		Find(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("list agent keys: %w", err)
	}
	return keys, nil
}

// Get returns a single key with lab and creator loaded
func (s *GormStore) Get(ctx context.Context, id uint) (*models.AgentAPIKey, error) {
	var key models.AgentAPIKey
	err := s.db.WithContext(ctx).Preload("Laboratory").Preload("CreatedBy").First(&key, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent key %d: %w", id, err)
	}
	return &key, nil
}

// SetActive revokes (false) or reactivates (true) a key
func (s *GormStore) SetActive(ctx context.Context, id uint, active bool) (*models.AgentAPIKey, error) {
	var key models.AgentAPIKey
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&key, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrKeyNotFound
			}
			return err
		}
		if err := tx.Model(&key).Update("active", active).Error; err != nil {
			return err
		}
		key.Active = active
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("set agent key %d active=%t: %w", id, active, err)
	}
	return &key, nil
}

// BulkRevoke deactivates every listed key in one transaction. If any id is
// unknown nothing is changed and an error wrapping ErrKeyNotFound is returned.
func (s *GormStore) BulkRevoke(ctx context.Context, ids []uint) (int, error) {
	deactivated := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range ids {
			var key models.AgentAPIKey
			if err := tx.First(&key, id).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("%w: id %d", ErrKeyNotFound, id)
				}
				return err
			}
			if err := tx.Model(&key).Update("active", false).Error; err != nil {
				return err
			}
			deactivated++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deactivated, nil
}
