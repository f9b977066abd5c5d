package models

import (
	"database/sql/driver"
	"encoding/json"

	"gorm.io/gorm"
)

// Channel is one virtual television channel.
type Channel struct {
	BaseModel

	// Number is the tuner-facing channel number, unique.
	Number int `gorm:"uniqueIndex;not null" json:"number"`

	// Name is the display name shown in guides.
	Name string `gorm:"not null;size:512" json:"name"`

	// Icon is the URL or path of the channel logo.
	Icon string `gorm:"size:2048" json:"icon,omitempty"`

	// AlwaysOn channels start their supervisor at daemon startup and stay
	// warm with no subscribers.
	AlwaysOn bool `gorm:"default:false" json:"always_on"`

	// OfflineImagePath is the slate image shown while the channel is off
	// air; empty falls back to the configured default slate.
	OfflineImagePath string `gorm:"size:4096" json:"offline_image_path,omitempty"`

	// FillerRefIDs is the cyclic filler playlist as an ordered JSON list
	// of MediaRef ids.
	FillerRefIDs ULIDList `gorm:"type:text" json:"filler_ref_ids,omitempty"`
}

// TableName returns the table name for Channel.
func (Channel) TableName() string { return "channels" }

// ULIDList stores an ordered list of ULIDs as a JSON text column.
type ULIDList []ULID

// Value implements driver.Valuer.
func (l ULIDList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	ids := make([]string, len(l))
	for i, id := range l {
		ids[i] = id.String()
	}
	return json.Marshal(ids)
}

// Scan implements sql.Scanner.
func (l *ULIDList) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}
	var raw []string
	switch v := value.(type) {
	case []byte:
		if err := json.Unmarshal(v, &raw); err != nil {
			return err
		}
	case string:
		if err := json.Unmarshal([]byte(v), &raw); err != nil {
			return err
		}
	default:
		return gorm.ErrInvalidData
	}

	ids := make(ULIDList, 0, len(raw))
	for _, s := range raw {
		id, err := ParseULID(s)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	*l = ids
	return nil
}
