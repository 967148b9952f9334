package store

// actorIdentityModel is the gorm row shape for one actor identity (driver.Record).
// KeyJSON stores Key (an ordered []string) as a JSON array rather than a
// joined table, matching spec.md §3's "ordered sequence of strings" without
// needing a many-to-one child table for what is always a small, fixed-shape
// tuple.
type actorIdentityModel struct {
	ID                 string `gorm:"column:id;primaryKey"`
	Name               string `gorm:"column:name"`
	KeyJSON            string `gorm:"column:key_json"`
	NamespaceID        string `gorm:"column:namespace_id"`
	RunnerNameSelector string `gorm:"column:runner_name_selector"`
	CreateTs           *int64 `gorm:"column:create_ts"`
	StartTs            *int64 `gorm:"column:start_ts"`
	ConnectableTs      *int64 `gorm:"column:connectable_ts"`
	SleepTs            *int64 `gorm:"column:sleep_ts"`
	DestroyTs          *int64 `gorm:"column:destroy_ts"`
	ErrorGroup         string `gorm:"column:error_group"`
	ErrorCode          string `gorm:"column:error_code"`
	ErrorMessage       string `gorm:"column:error_message"`
}

func (actorIdentityModel) TableName() string { return "actor_identities" }

// kvEntryModel is one row of workflow_kv_entries: a JSON-encoded history.Entry
// keyed by (workflowID, entryKey).
type kvEntryModel struct {
	WorkflowID string `gorm:"column:workflow_id;primaryKey"`
	EntryKey   string `gorm:"column:entry_key;primaryKey"`
	Data       string `gorm:"column:data"`
}

func (kvEntryModel) TableName() string { return "workflow_kv_entries" }

// kvMetaModel is one row of workflow_kv_metas: a JSON-encoded history.Metadata
// keyed by (workflowID, entryKey).
type kvMetaModel struct {
	WorkflowID string `gorm:"column:workflow_id;primaryKey"`
	EntryKey   string `gorm:"column:entry_key;primaryKey"`
	Data       string `gorm:"column:data"`
}

func (kvMetaModel) TableName() string { return "workflow_kv_metas" }
