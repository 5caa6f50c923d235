package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"aegis/services/custody"
)

// ErrNotFound is returned by Store lookups that match no row.
var ErrNotFound = errors.New("not found")

// Sensor is a registered device and the zone it is installed in.
type Sensor struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Category     string    `json:"category"`
	Status       string    `json:"status"`
	LocationName string    `json:"location_name,omitempty"`
}

// Event is a persisted tracking event as returned by the API.
type Event struct {
	ID        int64          `json:"id"`
	AssetID   *uuid.UUID     `json:"asset_id"`
	SensorID  uuid.UUID      `json:"sensor_id"`
	EventType string         `json:"event_type"`
	Details   map[string]any `json:"details"`
	Timestamp time.Time      `json:"timestamp"`
}

// StateChange is an audit trail entry with the ids of the events it consumed.
type StateChange struct {
	custody.StateChange
	EventIDs []int64 `json:"event_ids"`
}

// Store is the persistence the ingestion API depends on.
type Store interface {
	SensorByName(ctx context.Context, name string) (Sensor, error)
	SensorByID(ctx context.Context, id uuid.UUID) (Sensor, error)
	AssetIDBySerial(ctx context.Context, serial string) (uuid.UUID, error)
	AssetExists(ctx context.Context, id uuid.UUID) error
	CustodianActive(ctx context.Context, id uuid.UUID) error
	InsertEvent(ctx context.Context, evt Event) (Event, error)
	StateChanges(ctx context.Context, assetID uuid.UUID) ([]StateChange, error)
}

// GormStore implements Store with GORM.
type GormStore struct {
	orm *gorm.DB
}

// NewGormStore returns a Store backed by orm.
func NewGormStore(orm *gorm.DB) (*GormStore, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &GormStore{orm: orm}, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *GormStore) SensorByName(ctx context.Context, name string) (Sensor, error) {
	var m sensorModel
	err := s.orm.WithContext(ctx).Preload("Location").Where("name = ?", name).First(&m).Error
	if err != nil {
		return Sensor{}, notFound(err)
	}
	return m.toAPI(), nil
}

func (s *GormStore) SensorByID(ctx context.Context, id uuid.UUID) (Sensor, error) {
	var m sensorModel
	err := s.orm.WithContext(ctx).Preload("Location").Where("id = ?", id).First(&m).Error
	if err != nil {
		return Sensor{}, notFound(err)
	}
	return m.toAPI(), nil
}

func (s *GormStore) AssetIDBySerial(ctx context.Context, serial string) (uuid.UUID, error) {
	var m assetModel
	err := s.orm.WithContext(ctx).Select("id").Where("serial_number = ?", serial).First(&m).Error
	if err != nil {
		return uuid.Nil, notFound(err)
	}
	return m.ID, nil
}

func (s *GormStore) AssetExists(ctx context.Context, id uuid.UUID) error {
	var m assetModel
	return notFound(s.orm.WithContext(ctx).Select("id").Where("id = ?", id).First(&m).Error)
}

func (s *GormStore) CustodianActive(ctx context.Context, id uuid.UUID) error {
	var m custodianModel
	return notFound(s.orm.WithContext(ctx).Where("id = ? AND is_active", id).First(&m).Error)
}

func (s *GormStore) InsertEvent(ctx context.Context, evt Event) (Event, error) {
	m := trackingModel{
		AssetID:   evt.AssetID,
		SensorID:  evt.SensorID,
		EventType: evt.EventType,
		Timestamp: evt.Timestamp,
		Details:   toJSONMap(evt.Details),
	}
	if err := s.orm.WithContext(ctx).Create(&m).Error; err != nil {
		return Event{}, err
	}
	return m.toAPI(), nil
}

func (s *GormStore) StateChanges(ctx context.Context, assetID uuid.UUID) ([]StateChange, error) {
	orm := s.orm.WithContext(ctx)

	var rows []stateChangeModel
	if err := orm.Where("asset_id = ?", assetID).Order("timestamp ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []StateChange{}, nil
	}

	ids := make([]uuid.UUID, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	var links []trackingModel
	if err := orm.Select("id", "state_change_id").
		Where("state_change_id IN ?", ids).
		Order("timestamp ASC, id ASC").
		Find(&links).Error; err != nil {
		return nil, err
	}
	byChange := make(map[uuid.UUID][]int64, len(rows))
	for _, l := range links {
		if l.StateChangeID != nil {
			byChange[*l.StateChangeID] = append(byChange[*l.StateChangeID], l.ID)
		}
	}

	out := make([]StateChange, 0, len(rows))
	for _, r := range rows {
		eventIDs := byChange[r.ID]
		if eventIDs == nil {
			eventIDs = []int64{}
		}
		out = append(out, StateChange{
			StateChange: custody.StateChange{
				ID:           r.ID,
				AssetID:      r.AssetID,
				Transition:   custody.Transition(r.EventType),
				Timestamp:    r.Timestamp,
				EvidenceHash: r.LogBundleHash,
				LedgerTxID:   r.OnChainTxID,
			},
			EventIDs: eventIDs,
		})
	}
	return out, nil
}
