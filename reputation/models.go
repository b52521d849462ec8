package reputation

import "time"

// Event is one entry in the replayable audit trail. The raw reason and its
// content hash are both stored so indexed lookups and human review read the
// same record.
type Event struct {
	ID         int64
	Subject    string
	Delta      int64
	Reason     string
	ReasonHash string
	RelatedID  int64
	ScoreAfter int64
	Updater    string
	CreatedAt  time.Time
}
