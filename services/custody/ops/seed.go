// Package ops holds the operator workflows behind aegisctl.
package ops

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"aegis/pkg/db/migrations"
	"aegis/services/custody"
	"aegis/services/ingest"
)

// seedNamespace derives stable ids so seeding twice is a no-op.
var seedNamespace = uuid.MustParse("2f6b1c8e-7d0a-4c59-9e41-5a3f0b7d9c12")

// SeedID returns the deterministic id of a seeded row.
func SeedID(kind, name string) uuid.UUID {
	return uuid.NewSHA1(seedNamespace, []byte(kind+"/"+name))
}

// SeedSensor is a facility sensor and where it is installed.
type SeedSensor struct {
	Name     string
	Category string
	Location custody.Location
}

// SeedAsset is a demo item that starts in the vault.
type SeedAsset struct {
	Serial      string
	Name        string
	Description string
}

// SeedCustodian is a person allowed to move assets.
type SeedCustodian struct {
	Name string
	Role string
}

// Sensors is the demo facility layout.
var Sensors = []SeedSensor{
	{Name: "BMS-VLT-01", Category: ingest.CategoryBiometric, Location: custody.LocationVault},
	{Name: "RFID-VLT-01A", Category: ingest.CategoryRFIDGate, Location: custody.LocationVault},
	{Name: "RFID-VLT-01B", Category: ingest.CategoryRFIDGate, Location: custody.LocationTransferZone},
	{Name: "ENV-VLT-T1", Category: ingest.CategoryEnvironmental, Location: custody.LocationVault},
	{Name: "ENV-VLT-H1", Category: ingest.CategoryEnvironmental, Location: custody.LocationVault},
	{Name: "CAM-TRZ-01", Category: ingest.CategoryCameraMotion, Location: custody.LocationTransferZone},
	{Name: "WSP-TRZ-01", Category: ingest.CategoryWeightPlate, Location: custody.LocationTransferZone},
	{Name: "SCS-ANT-01", Category: ingest.CategorySmartShowcase, Location: custody.LocationAntechamber},
	{Name: "NFC-ANT-01", Category: ingest.CategoryNFCReader, Location: custody.LocationAntechamber},
}

// Assets are the demo items.
var Assets = []SeedAsset{
	{Serial: "Mogok-Ruby-001", Name: "Mogok Ruby", Description: "Unheated pigeon-blood ruby, Mogok, 5.02 ct"},
	{Serial: "Muzo-Emerald-001", Name: "Muzo Emerald", Description: "Colombian emerald, minor oil, 7.31 ct"},
}

// Custodians are the demo staff.
var Custodians = []SeedCustodian{
	{Name: "Vault Officer", Role: "VAULT_OFFICER"},
	{Name: "Viewing Host", Role: "VIEWING_HOST"},
}

// Seed inserts the demo locations, sensors, custodians, and assets. Rows that
// already exist are left untouched.
func Seed(ctx context.Context, orm *gorm.DB) error {
	return orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		insert := tx.Clauses(clause.OnConflict{DoNothing: true})

		for _, loc := range custody.Locations {
			row := migrations.Location{ID: SeedID("location", string(loc)), Name: string(loc)}
			if err := insert.Create(&row).Error; err != nil {
				return err
			}
		}
		for _, s := range Sensors {
			locID := SeedID("location", string(s.Location))
			row := migrations.Sensor{
				ID:         SeedID("sensor", s.Name),
				Name:       s.Name,
				Category:   s.Category,
				LocationID: &locID,
				Status:     ingest.SensorOnline,
			}
			if err := insert.Omit("Location").Create(&row).Error; err != nil {
				return err
			}
		}
		for _, c := range Custodians {
			row := migrations.Custodian{ID: SeedID("custodian", c.Name), Name: c.Name, Role: c.Role, IsActive: true}
			if err := insert.Create(&row).Error; err != nil {
				return err
			}
		}
		vault := SeedID("location", string(custody.LocationVault))
		for _, a := range Assets {
			row := migrations.Asset{
				ID:                SeedID("asset", a.Serial),
				SerialNumber:      a.Serial,
				Name:              a.Name,
				Description:       a.Description,
				Attributes:        datatypes.JSONMap{},
				CurrentLocationID: &vault,
				CurrentStatus:     string(custody.StatusInVault),
			}
			if err := insert.Omit("CurrentLocation").Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
