// model.go defines the storage rows for detections and their refined picks
package datastore

import "time"

// DetectionRecord represents a single matched-filter detection as persisted
// in the database. Channels carries the contributing channel ids as a single
// comma separated column, EventRef the resource id of the associated event.
type DetectionRecord struct {
	ID             string    `gorm:"primaryKey;size:128"`
	TemplateName   string    `gorm:"index:idx_detections_template;not null"`
	DetectTime     time.Time `gorm:"index:idx_detections_time;not null"`
	NumChans       int
	Value          float64
	Threshold      float64
	ThresholdType  string `gorm:"type:varchar(32)"`
	ThresholdInput float64
	DetectType     string `gorm:"type:varchar(16)"`
	Channels       string `gorm:"type:text"`
	EventRef       string
	Picks          []PickRecord `gorm:"foreignKey:DetectionID;constraint:OnDelete:CASCADE"` // One-to-many relationship with cascade delete
}

// PickRecord represents one refined phase pick, linked to a DetectionRecord.
type PickRecord struct {
	ID          uint   `gorm:"primaryKey"`
	DetectionID string `gorm:"index;not null;constraint:OnDelete:CASCADE,OnUpdate:CASCADE;foreignKey:DetectionID;references:ID"` // Foreign key to associate with DetectionRecord
	Channel     string `gorm:"type:varchar(32)"`
	Time        time.Time
	Phase       string `gorm:"type:varchar(8)"`
}

// Copy creates a deep copy of the PickRecord struct
func (p PickRecord) Copy() PickRecord {
	return PickRecord{
		ID:          p.ID,
		DetectionID: p.DetectionID,
		Channel:     p.Channel,
		Time:        p.Time,
		Phase:       p.Phase,
	}
}
