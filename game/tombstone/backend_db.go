package tombstone

import (
	"encoding/json"
	"fmt"

	"github.com/kasuganosora/lootsync/model"
	"github.com/kasuganosora/lootsync/protocol"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DBBackend stores one TombstoneRow per record.
type DBBackend struct {
	db *gorm.DB
}

func NewDBBackend(db *gorm.DB) *DBBackend {
	return &DBBackend{db: db}
}

func (b *DBBackend) Load(owner string) (*File, error) {
	var rows []model.TombstoneRow
	if err := b.db.Where("owner = ?", owner).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	f := &File{Owner: owner, Tombstones: make([]Record, 0, len(rows))}
	for _, row := range rows {
		rec, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		f.Tombstones = append(f.Tombstones, rec)
	}
	return f, nil
}

// Save replaces the owner's rows in one transaction.
func (b *DBBackend) Save(owner string, f *File) error {
	rows := make([]model.TombstoneRow, 0, len(f.Tombstones))
	for _, rec := range f.Tombstones {
		row, err := toRow(owner, rec)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	return b.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("owner = ?", owner).Delete(&model.TombstoneRow{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}

func (b *DBBackend) Owners() ([]string, error) {
	var owners []string
	err := b.db.Model(&model.TombstoneRow{}).Distinct("owner").Order("owner").Pluck("owner", &owners).Error
	return owners, err
}

func toRow(owner string, rec Record) (model.TombstoneRow, error) {
	items := rec.Items
	if items == nil {
		items = []protocol.ItemEntry{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return model.TombstoneRow{}, fmt.Errorf("tombstone: encode items of %d: %w", rec.LootUID, err)
	}
	return model.TombstoneRow{
		Owner:     owner,
		LootUID:   rec.LootUID,
		SceneID:   rec.SceneID,
		PosX:      rec.Position.X,
		PosY:      rec.Position.Y,
		PosZ:      rec.Position.Z,
		RotX:      rec.Rotation.X,
		RotY:      rec.Rotation.Y,
		RotZ:      rec.Rotation.Z,
		RotW:      rec.Rotation.W,
		OwnerAI:   rec.OwnerAI,
		Items:     datatypes.JSON(raw),
		CreatedAt: rec.CreatedAt,
	}, nil
}

func fromRow(row model.TombstoneRow) (Record, error) {
	var items []protocol.ItemEntry
	if len(row.Items) > 0 {
		if err := json.Unmarshal(row.Items, &items); err != nil {
			return Record{}, fmt.Errorf("tombstone: decode items of %d: %w", row.LootUID, err)
		}
	}
	return Record{
		LootUID:   row.LootUID,
		Owner:     row.Owner,
		SceneID:   row.SceneID,
		Position:  protocol.Vec3{X: row.PosX, Y: row.PosY, Z: row.PosZ},
		Rotation:  protocol.Quat{X: row.RotX, Y: row.RotY, Z: row.RotZ, W: row.RotW},
		OwnerAI:   row.OwnerAI,
		CreatedAt: row.CreatedAt,
		Items:     items,
	}, nil
}
