package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Location struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name        string    `gorm:"type:text;uniqueIndex;not null"`
	Description string    `gorm:"type:text"`
}

type Sensor struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Name        string     `gorm:"type:text;uniqueIndex;not null"`
	Category    string     `gorm:"type:text;not null"`
	LocationID  *uuid.UUID `gorm:"type:uuid;index"`
	Status      string     `gorm:"type:text;not null;default:'ONLINE'"`
	InstalledAt time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Location    Location   `gorm:"foreignKey:LocationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

type Custodian struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"type:text;not null"`
	Role      string    `gorm:"type:text;not null"`
	IsActive  bool      `gorm:"not null;default:true"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

type Asset struct {
	ID                uuid.UUID         `gorm:"type:uuid;primaryKey"`
	SerialNumber      string            `gorm:"type:text;uniqueIndex;not null"`
	Name              string            `gorm:"type:text;not null"`
	Description       string            `gorm:"type:text"`
	Attributes        datatypes.JSONMap `gorm:"type:jsonb"`
	CurrentLocationID *uuid.UUID        `gorm:"type:uuid"`
	CurrentStatus     string            `gorm:"type:text;not null;default:'IN_VAULT';index"`
	CreatedAt         time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt         time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
	CurrentLocation   Location          `gorm:"foreignKey:CurrentLocationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

type StateChange struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	AssetID       uuid.UUID `gorm:"type:uuid;not null;index"`
	EventType     string    `gorm:"type:text;not null"`
	Timestamp     time.Time `gorm:"type:timestamptz;not null"`
	LogBundleHash string    `gorm:"type:varchar(64);not null"`
	OnChainTxID   string    `gorm:"column:on_chain_tx_id;type:text;not null"`
	CreatedAt     time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Asset         Asset     `gorm:"foreignKey:AssetID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

type AssetTracking struct {
	ID            int64             `gorm:"type:bigserial;primaryKey"`
	AssetID       *uuid.UUID        `gorm:"type:uuid;index"`
	SensorID      uuid.UUID         `gorm:"type:uuid;not null;index"`
	EventType     string            `gorm:"type:varchar(100);not null"`
	Timestamp     time.Time         `gorm:"type:timestamptz;not null;index"`
	Details       datatypes.JSONMap `gorm:"type:jsonb"`
	StateChangeID *uuid.UUID        `gorm:"type:uuid"`
	Asset         Asset             `gorm:"foreignKey:AssetID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
	Sensor        Sensor            `gorm:"foreignKey:SensorID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
	StateChange   StateChange       `gorm:"foreignKey:StateChangeID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

func (AssetTracking) TableName() string { return "asset_tracking" }

type Audit struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Audit) TableName() string { return "audit" }

func open(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := open(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Location{},
		&Sensor{},
		&Custodian{},
		&Asset{},
		&StateChange{},
		&AssetTracking{},
		&Audit{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	constraints := []struct {
		model any
		name  string
	}{
		{&Sensor{}, "Location"},
		{&Asset{}, "CurrentLocation"},
		{&StateChange{}, "Asset"},
		{&AssetTracking{}, "Asset"},
		{&AssetTracking{}, "Sensor"},
		{&AssetTracking{}, "StateChange"},
	}
	for _, c := range constraints {
		if m.HasConstraint(c.model, c.name) {
			continue
		}
		if err := m.CreateConstraint(c.model, c.name); err != nil {
			return err
		}
	}

	// The reconciliation loop only ever scans unconsumed events in timestamp order.
	_, err = tx.ExecContext(ctx, `
CREATE INDEX IF NOT EXISTS idx_asset_tracking_unconsumed
ON asset_tracking (timestamp, id)
WHERE state_change_id IS NULL`)
	return err
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := open(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&Audit{},
		&AssetTracking{},
		&StateChange{},
		&Asset{},
		&Custodian{},
		&Sensor{},
		&Location{},
	)
}
