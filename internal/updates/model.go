package updates

// LoggedUpdate stores one opaque CRDT update in the append-only document log.
// Clock is assigned at append time and is strictly increasing per DocName,
// starting at 0; replaying all rows for a document in clock order
// reconstructs its state. The table is private to the sync core.
type LoggedUpdate struct {
	DocName string `gorm:"column:doc_name;primaryKey;size:190;not null"`
	Clock   int64  `gorm:"column:clock;primaryKey;not null"`
	Value   []byte `gorm:"column:value;type:blob;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LoggedUpdate) TableName() string {
	return "yjs_updates"
}
