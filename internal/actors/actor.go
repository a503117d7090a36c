package actors

import (
	"strings"
	"time"
)

// Profile is the directory entry of an actor that has submitted requests.
type Profile struct {
	ID          string    `gorm:"column:id;primaryKey;size:190;not null"`
	Role        string    `gorm:"column:role;size:32;not null"`
	DisplayName string    `gorm:"column:display_name;size:320;not null;default:''"`
	FirstSeenAt time.Time `gorm:"column:first_seen_at;not null;autoCreateTime:false"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;not null;autoUpdateTime:false;index"`
}

// TableName exposes the table backing the actor directory.
func (Profile) TableName() string {
	return "actors"
}

// Models lists the gorm models owned by this package.
func Models() []interface{} {
	return []interface{}{&Profile{}}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
