package ingest

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type locationModel struct {
	ID   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name string    `gorm:"type:text"`
}

func (locationModel) TableName() string { return "locations" }

type sensorModel struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Name       string         `gorm:"type:text"`
	Category   string         `gorm:"type:text"`
	LocationID *uuid.UUID     `gorm:"type:uuid"`
	Status     string         `gorm:"type:text"`
	Location   *locationModel `gorm:"foreignKey:LocationID;references:ID"`
}

func (sensorModel) TableName() string { return "sensors" }

func (m sensorModel) toAPI() Sensor {
	s := Sensor{ID: m.ID, Name: m.Name, Category: m.Category, Status: m.Status}
	if m.Location != nil {
		s.LocationName = m.Location.Name
	}
	return s
}

type assetModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	SerialNumber  string    `gorm:"type:text"`
	CurrentStatus string    `gorm:"type:text"`
}

func (assetModel) TableName() string { return "assets" }

type custodianModel struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	IsActive bool
}

func (custodianModel) TableName() string { return "custodians" }

type trackingModel struct {
	ID            int64             `gorm:"primaryKey;autoIncrement"`
	AssetID       *uuid.UUID        `gorm:"type:uuid"`
	SensorID      uuid.UUID         `gorm:"type:uuid"`
	EventType     string            `gorm:"type:varchar(100)"`
	Timestamp     time.Time         `gorm:"type:timestamptz"`
	Details       datatypes.JSONMap `gorm:"type:jsonb"`
	StateChangeID *uuid.UUID        `gorm:"type:uuid"`
}

func (trackingModel) TableName() string { return "asset_tracking" }

func (m trackingModel) toAPI() Event {
	return Event{
		ID:        m.ID,
		AssetID:   m.AssetID,
		SensorID:  m.SensorID,
		EventType: m.EventType,
		Details:   mapFromJSONMap(m.Details),
		Timestamp: m.Timestamp,
	}
}

type stateChangeModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	AssetID       uuid.UUID `gorm:"type:uuid"`
	EventType     string    `gorm:"type:text"`
	Timestamp     time.Time `gorm:"type:timestamptz"`
	LogBundleHash string    `gorm:"type:varchar(64)"`
	OnChainTxID   string    `gorm:"column:on_chain_tx_id;type:text"`
}

func (stateChangeModel) TableName() string { return "state_changes" }

func mapFromJSONMap(src datatypes.JSONMap) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func toJSONMap(src map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range src {
		out[k] = v
	}
	return out
}
