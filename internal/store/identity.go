package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rivetkit-go/rivetkit/driver"
)

// IdentityStore implements driver.Identity over the gorm-backed
// actor_identities table.
type IdentityStore struct {
	db *gorm.DB
}

// Identity returns the driver.Identity implementation backed by this Store.
func (s *Store) Identity() *IdentityStore {
	return &IdentityStore{db: s.db}
}

func (i *IdentityStore) GetForID(ctx context.Context, namespace, id string) (driver.Record, error) {
	var m actorIdentityModel
	err := i.db.WithContext(ctx).
		Where("namespace_id = ? AND id = ?", namespace, id).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return driver.Record{}, driver.ErrNotFound
		}
		return driver.Record{}, fmt.Errorf("store: get actor %q: %w", id, err)
	}
	return modelToRecord(m), nil
}

func (i *IdentityStore) GetWithKey(ctx context.Context, namespace, name string, key []string) (driver.Record, error) {
	keyJSON, err := json.Marshal(key)
	if err != nil {
		return driver.Record{}, fmt.Errorf("store: marshal key: %w", err)
	}

	var m actorIdentityModel
	err = i.db.WithContext(ctx).
		Where("namespace_id = ? AND name = ? AND key_json = ?", namespace, name, string(keyJSON)).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return driver.Record{}, driver.ErrNotFound
		}
		return driver.Record{}, fmt.Errorf("store: get actor %q/%v: %w", name, key, err)
	}
	return modelToRecord(m), nil
}

func (i *IdentityStore) GetOrCreateWithKey(ctx context.Context, namespace string, input driver.CreateInput) (driver.Record, bool, error) {
	rec, err := i.GetWithKey(ctx, namespace, input.Name, input.Key)
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, driver.ErrNotFound) {
		return driver.Record{}, false, err
	}

	rec, err = i.CreateActor(ctx, namespace, input)
	if err != nil {
		// Another caller may have raced us to create the same (name, key);
		// fall back to the record it created rather than erroring.
		if existing, getErr := i.GetWithKey(ctx, namespace, input.Name, input.Key); getErr == nil {
			return existing, false, nil
		}
		return driver.Record{}, false, err
	}
	return rec, true, nil
}

func (i *IdentityStore) CreateActor(ctx context.Context, namespace string, input driver.CreateInput) (driver.Record, error) {
	keyJSON, err := json.Marshal(input.Key)
	if err != nil {
		return driver.Record{}, fmt.Errorf("store: marshal key: %w", err)
	}

	now := time.Now().UnixMilli()
	m := actorIdentityModel{
		ID:          uuid.NewString(),
		Name:        input.Name,
		KeyJSON:     string(keyJSON),
		NamespaceID: namespace,
		CreateTs:    &now,
	}
	if err := i.db.WithContext(ctx).Create(&m).Error; err != nil {
		return driver.Record{}, fmt.Errorf("store: create actor %q: %w", input.Name, err)
	}
	return modelToRecord(m), nil
}

func (i *IdentityStore) ListActors(ctx context.Context, namespace string, opts driver.ListOptions) ([]driver.Record, error) {
	if len(opts.ActorIDs) > 0 && (opts.Name != "" || len(opts.Key) > 0) {
		return nil, driver.ErrInvalidListOptions
	}
	if len(opts.Key) > 0 && opts.Name == "" {
		return nil, driver.ErrInvalidListOptions
	}
	if len(opts.ActorIDs) > 32 {
		return nil, driver.ErrTooManyIDs
	}

	q := i.db.WithContext(ctx).Where("namespace_id = ?", namespace)
	switch {
	case len(opts.ActorIDs) > 0:
		q = q.Where("id IN ?", opts.ActorIDs)
	case opts.Name != "":
		q = q.Where("name = ?", opts.Name)
		if len(opts.Key) > 0 {
			keyJSON, err := json.Marshal(opts.Key)
			if err != nil {
				return nil, fmt.Errorf("store: marshal key: %w", err)
			}
			q = q.Where("key_json = ?", string(keyJSON))
		}
	}

	var models []actorIdentityModel
	if err := q.Order("create_ts ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("store: list actors: %w", err)
	}

	records := make([]driver.Record, len(models))
	for idx, m := range models {
		records[idx] = modelToRecord(m)
	}
	return records, nil
}

func modelToRecord(m actorIdentityModel) driver.Record {
	var key []string
	_ = json.Unmarshal([]byte(m.KeyJSON), &key)

	rec := driver.Record{
		ActorID:            m.ID,
		Name:               m.Name,
		Key:                key,
		NamespaceID:        m.NamespaceID,
		RunnerNameSelector: m.RunnerNameSelector,
		CreateTs:           m.CreateTs,
		StartTs:            m.StartTs,
		ConnectableTs:      m.ConnectableTs,
		SleepTs:            m.SleepTs,
		DestroyTs:          m.DestroyTs,
	}
	if m.ErrorGroup != "" || m.ErrorCode != "" {
		rec.Error = &driver.TerminalError{Group: m.ErrorGroup, Code: m.ErrorCode, Message: m.ErrorMessage}
	}
	return rec
}
