package attendance

import (
	"time"

	"attendance-service/internal/school"

	"github.com/uptrace/bun"
)

type Record struct {
	bun.BaseModel `bun:"table:attendance_records,alias:ar"`

	ID        int       `bun:"id,pk,autoincrement" json:"id"`
	ChildID   int       `bun:"child_id,notnull" json:"childId"`
	SchoolID  int       `bun:"school_id,notnull" json:"schoolId"`
	Status    string    `bun:"status,notnull" json:"status"`
	Timestamp time.Time `bun:"timestamp,notnull" json:"timestamp"`
	MarkedBy  int       `bun:"marked_by,notnull" json:"markedBy"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`

	Child  *school.Child  `bun:"rel:belongs-to,join:child_id=id" json:"-"`
	School *school.School `bun:"rel:belongs-to,join:school_id=id" json:"-"`
}

// Entry is one attendance fact to persist.
type Entry struct {
	ChildID   int
	SchoolID  int
	Status    string
	Timestamp time.Time
	MarkedBy  int
}

func (e Entry) record() *Record {
	return &Record{
		ChildID:   e.ChildID,
		SchoolID:  e.SchoolID,
		Status:    e.Status,
		Timestamp: e.Timestamp,
		MarkedBy:  e.MarkedBy,
	}
}

const (
	ModeSingle = "single"
	ModeBulk   = "bulk"
)
