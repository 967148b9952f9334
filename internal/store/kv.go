package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rivetkit-go/rivetkit/workflow/history"
)

// WorkflowKV implements history.KVDriver over the gorm-backed
// workflow_kv_entries/workflow_kv_metas tables. Entries and metadata are
// stored as JSON blobs: this is internal serialization of Go structs the
// engine already owns, not a user-facing payload, so plain encoding/json is
// used rather than the CBOR wire codec (wire.Payload is reserved for
// actor-facing args/output/event data per spec.md §4.1).
type WorkflowKV struct {
	db *gorm.DB
}

// KV returns the history.KVDriver implementation backed by this Store.
func (s *Store) KV() *WorkflowKV {
	return &WorkflowKV{db: s.db}
}

func (w *WorkflowKV) LoadAll(ctx context.Context, workflowID string) (map[string]*history.Entry, map[string]*history.Metadata, error) {
	var entryRows []kvEntryModel
	if err := w.db.WithContext(ctx).Where("workflow_id = ?", workflowID).Find(&entryRows).Error; err != nil {
		return nil, nil, fmt.Errorf("store: load workflow entries: %w", err)
	}
	var metaRows []kvMetaModel
	if err := w.db.WithContext(ctx).Where("workflow_id = ?", workflowID).Find(&metaRows).Error; err != nil {
		return nil, nil, fmt.Errorf("store: load workflow metas: %w", err)
	}

	entries := make(map[string]*history.Entry, len(entryRows))
	for _, row := range entryRows {
		var e history.Entry
		if err := json.Unmarshal([]byte(row.Data), &e); err != nil {
			return nil, nil, fmt.Errorf("store: decode entry %q: %w", row.EntryKey, err)
		}
		entries[row.EntryKey] = &e
	}

	metas := make(map[string]*history.Metadata, len(metaRows))
	for _, row := range metaRows {
		var m history.Metadata
		if err := json.Unmarshal([]byte(row.Data), &m); err != nil {
			return nil, nil, fmt.Errorf("store: decode meta %q: %w", row.EntryKey, err)
		}
		metas[row.EntryKey] = &m
	}

	return entries, metas, nil
}

func (w *WorkflowKV) Flush(ctx context.Context, workflowID string, entries map[string]*history.Entry, metas map[string]*history.Metadata) error {
	return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for key, e := range entries {
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("store: encode entry %q: %w", key, err)
			}
			row := kvEntryModel{WorkflowID: workflowID, EntryKey: key, Data: string(data)}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "workflow_id"}, {Name: "entry_key"}},
				DoUpdates: clause.AssignmentColumns([]string{"data"}),
			}).Create(&row).Error; err != nil {
				return fmt.Errorf("store: upsert entry %q: %w", key, err)
			}
		}
		for key, m := range metas {
			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("store: encode meta %q: %w", key, err)
			}
			row := kvMetaModel{WorkflowID: workflowID, EntryKey: key, Data: string(data)}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "workflow_id"}, {Name: "entry_key"}},
				DoUpdates: clause.AssignmentColumns([]string{"data"}),
			}).Create(&row).Error; err != nil {
				return fmt.Errorf("store: upsert meta %q: %w", key, err)
			}
		}
		return nil
	})
}

func (w *WorkflowKV) DeletePrefix(ctx context.Context, workflowID string, keyPrefix string) error {
	escaped := escapeLike(keyPrefix)
	return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("workflow_id = ? AND entry_key LIKE ? ESCAPE '\\'", workflowID, escaped+"%").
			Delete(&kvEntryModel{}).Error; err != nil {
			return fmt.Errorf("store: delete entries by prefix %q: %w", keyPrefix, err)
		}
		if err := tx.Where("workflow_id = ? AND entry_key LIKE ? ESCAPE '\\'", workflowID, escaped+"%").
			Delete(&kvMetaModel{}).Error; err != nil {
			return fmt.Errorf("store: delete metas by prefix %q: %w", keyPrefix, err)
		}
		return nil
	})
}

// escapeLike escapes SQL LIKE metacharacters in a literal prefix so
// DeletePrefix never treats a location key's own "%"/"_" as wildcards.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
