package models

import (
	"context"
	"errors"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/wms_backend/config"
	"bitbucket.org/mmdatafocus/wms_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StockLevel is the reservation ledger row for one (item, warehouse) pair.
// It is mutated exclusively through the ledger operations in this file;
// lifecycle services never write quantities directly.
//
// Invariant: 0 <= reserved_qty <= on_hand_qty at all times.
type StockLevel struct {
	ID          int             `gorm:"primary_key" json:"id"`
	BusinessId  string          `gorm:"index;not null;uniqueIndex:idx_stock_level_key,priority:1" json:"business_id"`
	WarehouseId int             `gorm:"index;not null;uniqueIndex:idx_stock_level_key,priority:2" json:"warehouse_id"`
	ItemId      int             `gorm:"index;not null;uniqueIndex:idx_stock_level_key,priority:3" json:"item_id"`
	OnHandQty   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"on_hand_qty"`
	ReservedQty decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"reserved_qty"`
	// UnitCost is the moving-average acquisition cost per unit, updated on
	// every stock addition and used as the realized cost basis on
	// consumption.
	UnitCost  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_cost"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (s StockLevel) AvailableQty() decimal.Decimal {
	return s.OnHandQty.Sub(s.ReservedQty)
}

// StockRequest asks for qty units of an item in a warehouse (reserve/release).
type StockRequest struct {
	ItemId      int             `json:"item_id"`
	WarehouseId int             `json:"warehouse_id"`
	Qty         decimal.Decimal `json:"qty"`
}

// StockAddition records goods physically stored into a warehouse.
type StockAddition struct {
	ItemId      int             `json:"item_id"`
	WarehouseId int             `json:"warehouse_id"`
	Qty         decimal.Decimal `json:"qty"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
}

// StockConsumption converts a previously reserved quantity into a physical
// decrement. LineRef identifies the document line the realized cost is
// posted back onto.
type StockConsumption struct {
	ItemId      int             `json:"item_id"`
	WarehouseId int             `json:"warehouse_id"`
	Qty         decimal.Decimal `json:"qty"`
	LineRef     int             `json:"line_ref"`
}

// ReservationResult reports a batch reservation outcome. Shortage is data,
// not an error: the caller decides the fallback (e.g. approve anyway and
// route the shortfall to purchasing).
type ReservationResult struct {
	Success     bool  `json:"success"`
	FailedItems []int `json:"failed_items"`
}

// ConsumptionResult carries the realized costs of a consumption batch.
type ConsumptionResult struct {
	TotalCost decimal.Decimal         `json:"total_cost"`
	LineCosts map[int]decimal.Decimal `json:"line_costs"`
}

type stockKey struct {
	warehouseId int
	itemId      int
}

// lockStockLevel locks (or creates) the ledger row for the pair inside the
// caller's transaction. All batch operations lock rows in (warehouse, item)
// order so concurrent batches cannot deadlock on each other.
func lockStockLevel(tx *gorm.DB, businessId string, warehouseId int, itemId int) (*StockLevel, error) {
	stockLevel := StockLevel{
		BusinessId:  businessId,
		WarehouseId: warehouseId,
		ItemId:      itemId,
	}
	result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND warehouse_id = ? AND item_id = ?", businessId, warehouseId, itemId).
		FirstOrCreate(&stockLevel)
	if result.Error != nil {
		return nil, result.Error
	}
	return &stockLevel, nil
}

func sortedByKey[T any](in []T, key func(T) stockKey) []T {
	out := append([]T(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := key(out[i]), key(out[j])
		if a.warehouseId != b.warehouseId {
			return a.warehouseId < b.warehouseId
		}
		return a.itemId < b.itemId
	})
	return out
}

// AddStock increases on-hand quantity and folds the incoming cost into the
// moving-average unit cost. Non-positive qty is a no-op; zero-quantity lines
// are filtered by the caller, not rejected here.
func AddStock(tx *gorm.DB, businessId string, warehouseId int, itemId int, qty decimal.Decimal, unitCost decimal.Decimal) (*StockLevel, error) {
	if qty.Sign() <= 0 {
		return nil, nil
	}

	stockLevel, err := lockStockLevel(tx, businessId, warehouseId, itemId)
	if err != nil {
		return nil, err
	}

	newOnHand := stockLevel.OnHandQty.Add(qty)
	newUnitCost := stockLevel.UnitCost
	if unitCost.Sign() > 0 {
		// Weighted average over the prior holding and the incoming lot.
		// Never rounded here; rounding happens only when a line's realized
		// cost is persisted.
		prior := stockLevel.OnHandQty.Mul(stockLevel.UnitCost)
		incoming := qty.Mul(unitCost)
		newUnitCost = prior.Add(incoming).Div(newOnHand)
	}

	if err := tx.Exec(
		"UPDATE stock_levels SET on_hand_qty = on_hand_qty + ?, unit_cost = ? WHERE id = ?",
		qty, newUnitCost, stockLevel.ID,
	).Error; err != nil {
		return nil, err
	}

	stockLevel.OnHandQty = newOnHand
	stockLevel.UnitCost = newUnitCost
	return stockLevel, nil
}

// AddStockBatch stores every positive-quantity addition in lock order.
func AddStockBatch(tx *gorm.DB, businessId string, additions []StockAddition) error {
	sorted := sortedByKey(additions, func(a StockAddition) stockKey {
		return stockKey{warehouseId: a.WarehouseId, itemId: a.ItemId}
	})
	for _, add := range sorted {
		if _, err := AddStock(tx, businessId, add.WarehouseId, add.ItemId, add.Qty, add.UnitCost); err != nil {
			return err
		}
	}
	return nil
}

// ReserveStockBatch attempts to reserve every request in one atomic pass.
// If any line cannot be covered by available stock the whole batch is a
// no-op and the offending item ids are reported; no partial reservation is
// ever left behind.
func ReserveStockBatch(tx *gorm.DB, businessId string, requests []StockRequest) (*ReservationResult, error) {
	// Aggregate duplicates so two lines against the same pair contend for
	// the same availability.
	wanted := make(map[stockKey]decimal.Decimal)
	for _, req := range requests {
		if req.Qty.Sign() <= 0 {
			continue
		}
		key := stockKey{warehouseId: req.WarehouseId, itemId: req.ItemId}
		wanted[key] = wanted[key].Add(req.Qty)
	}
	if len(wanted) == 0 {
		return &ReservationResult{Success: true}, nil
	}

	keys := make([]stockKey, 0, len(wanted))
	for key := range wanted {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].warehouseId != keys[j].warehouseId {
			return keys[i].warehouseId < keys[j].warehouseId
		}
		return keys[i].itemId < keys[j].itemId
	})

	// Pass 1: lock every row and check availability. No mutation yet.
	levels := make(map[stockKey]*StockLevel, len(keys))
	failedItems := make([]int, 0)
	for _, key := range keys {
		stockLevel, err := lockStockLevel(tx, businessId, key.warehouseId, key.itemId)
		if err != nil {
			return nil, err
		}
		levels[key] = stockLevel
		if stockLevel.AvailableQty().Cmp(wanted[key]) < 0 {
			failedItems = append(failedItems, key.itemId)
		}
	}
	if len(failedItems) > 0 {
		return &ReservationResult{Success: false, FailedItems: utils.UniqueSlice(failedItems)}, nil
	}

	// Pass 2: every line is covered; increment reserved quantities.
	for _, key := range keys {
		if err := tx.Exec(
			"UPDATE stock_levels SET reserved_qty = reserved_qty + ? WHERE id = ?",
			wanted[key], levels[key].ID,
		).Error; err != nil {
			return nil, err
		}
	}
	return &ReservationResult{Success: true}, nil
}

// ConsumeReservationBatch converts reserved quantities into physical stock
// decrements and returns the realized cost per line. Consuming more than is
// reserved signals a consistency bug in the calling lifecycle and is a hard
// error, never a clamp.
func ConsumeReservationBatch(tx *gorm.DB, businessId string, consumptions []StockConsumption) (*ConsumptionResult, error) {
	sorted := sortedByKey(consumptions, func(c StockConsumption) stockKey {
		return stockKey{warehouseId: c.WarehouseId, itemId: c.ItemId}
	})

	result := &ConsumptionResult{
		TotalCost: decimal.Zero,
		LineCosts: make(map[int]decimal.Decimal, len(sorted)),
	}
	for _, consumption := range sorted {
		if consumption.Qty.Sign() <= 0 {
			continue
		}
		stockLevel, err := lockStockLevel(tx, businessId, consumption.WarehouseId, consumption.ItemId)
		if err != nil {
			return nil, err
		}
		if stockLevel.ReservedQty.Cmp(consumption.Qty) < 0 {
			return nil, utils.NewBusinessRuleError(
				"insufficient reservation for item %d in warehouse %d: reserved %s, consuming %s",
				consumption.ItemId, consumption.WarehouseId, stockLevel.ReservedQty, consumption.Qty,
			)
		}
		if stockLevel.OnHandQty.Cmp(consumption.Qty) < 0 {
			return nil, utils.NewBusinessRuleError(
				"on-hand stock below reservation for item %d in warehouse %d: on hand %s, consuming %s",
				consumption.ItemId, consumption.WarehouseId, stockLevel.OnHandQty, consumption.Qty,
			)
		}

		// Realized cost = qty x moving-average unit cost, rounded to the
		// currency minor unit only at this persistence point.
		lineCost := utils.RoundToCurrency(consumption.Qty.Mul(stockLevel.UnitCost))

		if err := tx.Exec(
			"UPDATE stock_levels SET on_hand_qty = on_hand_qty - ?, reserved_qty = reserved_qty - ? WHERE id = ?",
			consumption.Qty, consumption.Qty, stockLevel.ID,
		).Error; err != nil {
			return nil, err
		}
		result.LineCosts[consumption.LineRef] = lineCost
		result.TotalCost = result.TotalCost.Add(lineCost)
	}
	return result, nil
}

// ReleaseReservation returns qty units to availability without touching
// on-hand stock. Releasing more than is reserved is a hard error.
func ReleaseReservation(tx *gorm.DB, businessId string, warehouseId int, itemId int, qty decimal.Decimal) error {
	if qty.Sign() <= 0 {
		return nil
	}
	stockLevel, err := lockStockLevel(tx, businessId, warehouseId, itemId)
	if err != nil {
		return err
	}
	if stockLevel.ReservedQty.Cmp(qty) < 0 {
		return utils.NewBusinessRuleError(
			"insufficient reservation for item %d in warehouse %d: reserved %s, releasing %s",
			itemId, warehouseId, stockLevel.ReservedQty, qty,
		)
	}
	return tx.Exec(
		"UPDATE stock_levels SET reserved_qty = reserved_qty - ? WHERE id = ?",
		qty, stockLevel.ID,
	).Error
}

// ReleaseReservationBatch releases every request in lock order.
func ReleaseReservationBatch(tx *gorm.DB, businessId string, requests []StockRequest) error {
	sorted := sortedByKey(requests, func(r StockRequest) stockKey {
		return stockKey{warehouseId: r.WarehouseId, itemId: r.ItemId}
	})
	for _, req := range sorted {
		if err := ReleaseReservation(tx, businessId, req.WarehouseId, req.ItemId, req.Qty); err != nil {
			return err
		}
	}
	return nil
}

// GetStockLevel reads the ledger row for a pair without locking.
func GetStockLevel(ctx context.Context, warehouseId int, itemId int) (*StockLevel, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var stockLevel StockLevel
	db := config.GetDB()
	err := db.WithContext(ctx).
		Where("business_id = ? AND warehouse_id = ? AND item_id = ?", businessId, warehouseId, itemId).
		First(&stockLevel).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &StockLevel{BusinessId: businessId, WarehouseId: warehouseId, ItemId: itemId}, nil
		}
		return nil, err
	}
	return &stockLevel, nil
}

// WarehouseAvailability is one warehouse's free quantity for an item.
type WarehouseAvailability struct {
	WarehouseId  int             `json:"warehouse_id"`
	AvailableQty decimal.Decimal `json:"available_qty"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
}

// availabilityByWarehouse lists an item's available stock across the given
// warehouses, in warehouse id order. Used by requisition stock checks and
// conversion allocation; rows are locked when tx participates in a
// conversion so the availability seen is the availability reserved.
func availabilityByWarehouse(tx *gorm.DB, businessId string, warehouseIds []int, itemId int, forUpdate bool) ([]WarehouseAvailability, error) {
	if len(warehouseIds) == 0 {
		return nil, nil
	}
	dbCtx := tx
	if forUpdate {
		dbCtx = dbCtx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var levels []StockLevel
	if err := dbCtx.
		Where("business_id = ? AND warehouse_id IN ? AND item_id = ?", businessId, warehouseIds, itemId).
		Order("warehouse_id").
		Find(&levels).Error; err != nil {
		return nil, err
	}
	out := make([]WarehouseAvailability, 0, len(levels))
	for _, level := range levels {
		available := level.AvailableQty()
		if available.Sign() <= 0 {
			continue
		}
		out = append(out, WarehouseAvailability{
			WarehouseId:  level.WarehouseId,
			AvailableQty: available,
			UnitCost:     level.UnitCost,
		})
	}
	return out, nil
}
