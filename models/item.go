package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/wms_backend/config"
	"bitbucket.org/mmdatafocus/wms_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Item is the material master record. UnitCost is the catalog cost used for
// estimates on draft documents; realized costs always come from the stock
// ledger's moving average.
type Item struct {
	ID         int             `gorm:"primary_key" json:"id"`
	BusinessId string          `gorm:"index;not null" json:"business_id"`
	Name       string          `gorm:"size:255;not null" json:"name" binding:"required"`
	Sku        string          `gorm:"size:100" json:"sku"`
	Unit       string          `gorm:"size:20" json:"unit"`
	UnitCost   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_cost"`
	IsActive   *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewItem struct {
	Name     string          `json:"name" binding:"required"`
	Sku      string          `json:"sku"`
	Unit     string          `json:"unit"`
	UnitCost decimal.Decimal `json:"unit_cost"`
}

// validate input for both create & update. (id = 0 for create)
func (input *NewItem) validate(ctx context.Context, businessId string, id int) error {
	return utils.ValidateUnique[Item](ctx, businessId, "name", input.Name, id)
}

func CreateItem(ctx context.Context, input *NewItem) (*Item, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, 0); err != nil {
		return nil, err
	}

	item := Item{
		BusinessId: businessId,
		Name:       input.Name,
		Sku:        input.Sku,
		Unit:       input.Unit,
		UnitCost:   input.UnitCost,
		IsActive:   utils.NewTrue(),
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func UpdateItem(ctx context.Context, id int, input *NewItem) (*Item, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, id); err != nil {
		return nil, err
	}

	item, err := utils.FetchModel[Item](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&item).
		Updates(map[string]interface{}{
			"Name":     input.Name,
			"Sku":      input.Sku,
			"Unit":     input.Unit,
			"UnitCost": input.UnitCost,
		}).Error; err != nil {
		return nil, err
	}
	return item, nil
}

func GetItem(ctx context.Context, id int) (*Item, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Item](ctx, businessId, id)
}

func GetItems(ctx context.Context) ([]*Item, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchAllModels[Item](ctx, businessId)
}

// lookupItemCost returns an item's catalog unit cost inside a transaction.
func lookupItemCost(tx *gorm.DB, businessId string, itemId int) (decimal.Decimal, error) {
	var cost decimal.Decimal
	if err := tx.Model(&Item{}).
		Where("business_id = ? AND id = ?", businessId, itemId).
		Select("unit_cost").Scan(&cost).Error; err != nil {
		return decimal.Zero, err
	}
	return cost, nil
}
