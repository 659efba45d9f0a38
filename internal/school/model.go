package school

import (
	"time"

	"github.com/uptrace/bun"
)

type School struct {
	bun.BaseModel `bun:"table:schools,alias:s"`

	ID                   int        `bun:"id,pk,autoincrement" json:"id"`
	Name                 string     `bun:"name,notnull" json:"name"`
	TodayAttendanceCount int        `bun:"today_attendance_count,notnull,default:0" json:"todayAttendanceCount"`
	CountDate            *time.Time `bun:"count_date,type:date" json:"countDate,omitempty"`
	CreatedAt            time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`

	Children []*Child `bun:"rel:has-many,join:id=school_id" json:"children,omitempty"`
}

type Child struct {
	bun.BaseModel `bun:"table:children,alias:c"`

	ID        int       `bun:"id,pk,autoincrement" json:"id"`
	Name      string    `bun:"name,notnull" json:"name"`
	SchoolID  int       `bun:"school_id,notnull" json:"schoolId"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`

	School    *School     `bun:"rel:belongs-to,join:school_id=id" json:"school,omitempty"`
	Guardians []*Guardian `bun:"m2m:child_guardians,join:Child=Guardian" json:"guardians,omitempty"`
}

// Guardian points at the user account that receives notifications.
type Guardian struct {
	bun.BaseModel `bun:"table:guardians,alias:g"`

	ID     int    `bun:"id,pk,autoincrement" json:"id"`
	UserID int    `bun:"user_id,notnull" json:"userId"`
	Name   string `bun:"name" json:"name"`
}

type ChildGuardian struct {
	bun.BaseModel `bun:"table:child_guardians,alias:cg"`

	ChildID    int       `bun:"child_id,pk"`
	Child      *Child    `bun:"rel:belongs-to,join:child_id=id"`
	GuardianID int       `bun:"guardian_id,pk"`
	Guardian   *Guardian `bun:"rel:belongs-to,join:guardian_id=id"`
}

// Models lists the tables owned by this package in creation order.
func Models() []interface{} {
	return []interface{}{
		(*School)(nil),
		(*Child)(nil),
		(*Guardian)(nil),
		(*ChildGuardian)(nil),
	}
}

// RegisterModels registers the m2m join model; bun requires it before any
// query touches Child.Guardians.
func RegisterModels(db *bun.DB) {
	db.RegisterModel((*ChildGuardian)(nil))
}
