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

// StockTransfer moves stock between two warehouses. Approval reserves at
// the source; dispatch consumes the reservation and records the realized
// unit costs; receive adds stock at the destination at those costs, so
// value is conserved across the move.
type StockTransfer struct {
	ID                     int                 `gorm:"primary_key" json:"id"`
	BusinessId             string              `gorm:"index;not null" json:"business_id"`
	TransferNumber         string              `gorm:"size:50;not null" json:"transfer_number"`
	SourceWarehouseId      int                 `gorm:"index;not null" json:"source_warehouse_id"`
	DestinationWarehouseId int                 `gorm:"index;not null" json:"destination_warehouse_id"`
	TransferDate           time.Time           `gorm:"not null" json:"transfer_date"`
	CurrentStatus          DocumentStatus      `gorm:"size:30;not null;index" json:"current_status"`
	Reservation            ReservationStatus   `gorm:"size:20;not null;default:'none'" json:"reservation_status"`
	TotalCost              decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"total_cost"`
	Items                  []StockTransferItem `gorm:"foreignKey:StockTransferId" json:"items"`
	LastReservation        *ReservationResult  `gorm:"-" json:"last_reservation,omitempty"`
	CreatedAt              time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

type StockTransferItem struct {
	ID              int             `gorm:"primary_key" json:"id"`
	StockTransferId int             `gorm:"index;not null" json:"stock_transfer_id"`
	ItemId          int             `gorm:"index;not null" json:"item_id"`
	TransferQty     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"transfer_qty"`
	// UnitCost and Amount are the realized source costs written at
	// dispatch; receive stores at UnitCost so the destination inherits the
	// source valuation.
	UnitCost  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_cost"`
	Amount    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewStockTransfer struct {
	SourceWarehouseId      int                    `json:"source_warehouse_id" binding:"required"`
	DestinationWarehouseId int                    `json:"destination_warehouse_id" binding:"required"`
	TransferDate           time.Time              `json:"transfer_date"`
	Items                  []NewStockTransferItem `json:"items" binding:"required"`
}

type NewStockTransferItem struct {
	ItemId      int             `json:"item_id" binding:"required"`
	TransferQty decimal.Decimal `json:"transfer_qty" binding:"required"`
}

func (obj StockTransfer) GetId() int {
	return obj.ID
}

func (input *NewStockTransfer) validate(ctx context.Context, businessId string) error {
	if input.SourceWarehouseId == input.DestinationWarehouseId {
		return errors.New("transfers cannot be made within the same warehouse")
	}
	if err := utils.ValidateResourceId[Warehouse](ctx, businessId, input.SourceWarehouseId); err != nil {
		return errors.New("source warehouse not found")
	}
	if err := utils.ValidateResourceId[Warehouse](ctx, businessId, input.DestinationWarehouseId); err != nil {
		return errors.New("destination warehouse not found")
	}
	if len(input.Items) == 0 {
		return errors.New("stock transfer must have at least one line")
	}
	for _, item := range input.Items {
		if item.TransferQty.Sign() <= 0 {
			return errors.New("transfer quantity must be positive")
		}
		if err := utils.ValidateResourceId[Item](ctx, businessId, item.ItemId); err != nil {
			return errors.New("item not found")
		}
	}
	return nil
}

// sourceRequests are the ledger requests against the source warehouse.
func (transfer StockTransfer) sourceRequests() []StockRequest {
	requests := make([]StockRequest, 0, len(transfer.Items))
	for _, item := range transfer.Items {
		requests = append(requests, StockRequest{
			ItemId:      item.ItemId,
			WarehouseId: transfer.SourceWarehouseId,
			Qty:         item.TransferQty,
		})
	}
	return requests
}

func CreateStockTransfer(ctx context.Context, input *NewStockTransfer) (*StockTransfer, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	transferDate := input.TransferDate
	if transferDate.IsZero() {
		transferDate = time.Now()
	}

	var transferItems []StockTransferItem
	for _, item := range input.Items {
		transferItems = append(transferItems, StockTransferItem{
			ItemId:      item.ItemId,
			TransferQty: item.TransferQty,
		})
	}

	tx := db.Begin()
	transferNumber, err := NextDocumentNumber(tx.WithContext(ctx), businessId, ModuleStockTransfer)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	transfer := StockTransfer{
		BusinessId:             businessId,
		TransferNumber:         transferNumber,
		SourceWarehouseId:      input.SourceWarehouseId,
		DestinationWarehouseId: input.DestinationWarehouseId,
		TransferDate:           transferDate,
		CurrentStatus:          StatusDraft,
		Reservation:            ReservationStatusNone,
		Items:                  transferItems,
	}
	if err := tx.WithContext(ctx).Create(&transfer).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := PublishDocumentEvent(ctx, tx, businessId, transfer.TransferDate, transfer.ID, DocumentTypeStockTransfer, transfer, nil, DocumentEventActionCreate); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	EnqueueAuditLog(ctx, AuditActionCreate, transfer.ID, DocumentTypeStockTransfer, "", StatusDraft, nil, transfer)
	return &transfer, nil
}

func lockStockTransfer(tx *gorm.DB, businessId string, id int) (*StockTransfer, error) {
	transfer, err := utils.FetchModelForUpdate[StockTransfer](tx, businessId, id, "Items")
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, utils.NewNotFoundError("stock transfer", id)
		}
		return nil, err
	}
	return transfer, nil
}

func transitionStockTransfer(ctx context.Context, id int, toStatus DocumentStatus) (*StockTransfer, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	tx := db.Begin()
	transfer, err := lockStockTransfer(tx.WithContext(ctx), businessId, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	fromStatus := transfer.CurrentStatus
	if err := transitionRules.AssertTransition(DocumentTypeStockTransfer, fromStatus, toStatus); err != nil {
		tx.Rollback()
		return nil, err
	}

	oldTransfer := *transfer
	if err := tx.WithContext(ctx).Model(&transfer).
		Update("CurrentStatus", toStatus).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	transfer.CurrentStatus = toStatus

	if err := PublishDocumentEvent(ctx, tx, businessId, time.Now(), transfer.ID, DocumentTypeStockTransfer, transfer, oldTransfer, DocumentEventActionTransition); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	EnqueueAuditLog(ctx, AuditActionTransition, transfer.ID, DocumentTypeStockTransfer, fromStatus, toStatus, oldTransfer, transfer)
	return transfer, nil
}

func SubmitStockTransfer(ctx context.Context, id int) (*StockTransfer, error) {
	return transitionStockTransfer(ctx, id, StatusPending)
}

func RejectStockTransfer(ctx context.Context, id int) (*StockTransfer, error) {
	return transitionStockTransfer(ctx, id, StatusRejected)
}

func ResubmitStockTransfer(ctx context.Context, id int) (*StockTransfer, error) {
	return transitionStockTransfer(ctx, id, StatusDraft)
}

func GetStockTransfer(ctx context.Context, id int) (*StockTransfer, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	transfer, err := utils.FetchModel[StockTransfer](ctx, businessId, id, "Items")
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, utils.NewNotFoundError("stock transfer", id)
		}
		return nil, err
	}
	return transfer, nil
}

// ApproveStockTransfer moves pending -> approved and tries to reserve
// every line at the source warehouse. Shortage does not block approval;
// dispatch enforces it.
func ApproveStockTransfer(ctx context.Context, id int) (*StockTransfer, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	tx := db.Begin()
	transfer, err := lockStockTransfer(tx.WithContext(ctx), businessId, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	fromStatus := transfer.CurrentStatus
	if err := transitionRules.AssertTransition(DocumentTypeStockTransfer, fromStatus, StatusApproved); err != nil {
		tx.Rollback()
		return nil, err
	}
	oldTransfer := *transfer

	reservation, err := ReserveStockBatch(tx.WithContext(ctx), businessId, transfer.sourceRequests())
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	reservationStatus := ReservationStatusNone
	if reservation.Success {
		reservationStatus = ReservationStatusReserved
	}

	if err := tx.WithContext(ctx).Model(&transfer).
		Updates(map[string]interface{}{
			"CurrentStatus": StatusApproved,
			"Reservation":   reservationStatus,
		}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	transfer.CurrentStatus = StatusApproved
	transfer.Reservation = reservationStatus
	transfer.LastReservation = reservation

	if err := PublishDocumentEvent(ctx, tx, businessId, time.Now(), transfer.ID, DocumentTypeStockTransfer, transfer, oldTransfer, DocumentEventActionTransition); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	EnqueueAuditLog(ctx, AuditActionTransition, transfer.ID, DocumentTypeStockTransfer, fromStatus, StatusApproved, oldTransfer, transfer)
	return transfer, nil
}

// DispatchStockTransfer consumes the source reservation and records the
// realized unit cost on every line, moving the goods in transit. Shortage
// at dispatch is a hard failure.
func DispatchStockTransfer(ctx context.Context, id int) (*StockTransfer, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	tx := db.Begin()
	transfer, err := lockStockTransfer(tx.WithContext(ctx), businessId, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	fromStatus := transfer.CurrentStatus
	if err := transitionRules.AssertTransition(DocumentTypeStockTransfer, fromStatus, StatusInTransit); err != nil {
		tx.Rollback()
		return nil, err
	}
	oldTransfer := *transfer

	if transfer.Reservation != ReservationStatusReserved {
		reservation, err := ReserveStockBatch(tx.WithContext(ctx), businessId, transfer.sourceRequests())
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if !reservation.Success {
			tx.Rollback()
			return nil, utils.NewBusinessRuleError("insufficient stock to dispatch transfer: items %v", reservation.FailedItems)
		}
	}

	consumptions := make([]StockConsumption, 0, len(transfer.Items))
	for _, item := range transfer.Items {
		consumptions = append(consumptions, StockConsumption{
			ItemId:      item.ItemId,
			WarehouseId: transfer.SourceWarehouseId,
			Qty:         item.TransferQty,
			LineRef:     item.ID,
		})
	}
	consumed, err := ConsumeReservationBatch(tx.WithContext(ctx), businessId, consumptions)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	for idx := range transfer.Items {
		item := &transfer.Items[idx]
		item.Amount = consumed.LineCosts[item.ID]
		if item.TransferQty.Sign() > 0 {
			item.UnitCost = item.Amount.Div(item.TransferQty)
		}
		if err := tx.WithContext(ctx).Model(&StockTransferItem{}).
			Where("id = ?", item.ID).
			Updates(map[string]interface{}{
				"UnitCost": item.UnitCost,
				"Amount":   item.Amount,
			}).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.WithContext(ctx).Model(&transfer).
		Updates(map[string]interface{}{
			"CurrentStatus": StatusInTransit,
			"Reservation":   ReservationStatusReleased,
			"TotalCost":     consumed.TotalCost,
		}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	transfer.CurrentStatus = StatusInTransit
	transfer.Reservation = ReservationStatusReleased
	transfer.TotalCost = consumed.TotalCost

	if err := PublishDocumentEvent(ctx, tx, businessId, time.Now(), transfer.ID, DocumentTypeStockTransfer, transfer, oldTransfer, DocumentEventActionTransition); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	EnqueueAuditLog(ctx, AuditActionTransition, transfer.ID, DocumentTypeStockTransfer, fromStatus, StatusInTransit, oldTransfer, transfer)
	return transfer, nil
}

// ReceiveStockTransfer adds every line at the destination warehouse at the
// realized unit cost recorded at dispatch.
func ReceiveStockTransfer(ctx context.Context, id int) (*StockTransfer, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	tx := db.Begin()
	transfer, err := lockStockTransfer(tx.WithContext(ctx), businessId, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	fromStatus := transfer.CurrentStatus
	if err := transitionRules.AssertTransition(DocumentTypeStockTransfer, fromStatus, StatusReceived); err != nil {
		tx.Rollback()
		return nil, err
	}
	oldTransfer := *transfer

	additions := make([]StockAddition, 0, len(transfer.Items))
	for _, item := range transfer.Items {
		additions = append(additions, StockAddition{
			ItemId:      item.ItemId,
			WarehouseId: transfer.DestinationWarehouseId,
			Qty:         item.TransferQty,
			UnitCost:    item.UnitCost,
		})
	}
	if err := AddStockBatch(tx.WithContext(ctx), businessId, additions); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.WithContext(ctx).Model(&transfer).
		Update("CurrentStatus", StatusReceived).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	transfer.CurrentStatus = StatusReceived

	if err := PublishDocumentEvent(ctx, tx, businessId, time.Now(), transfer.ID, DocumentTypeStockTransfer, transfer, oldTransfer, DocumentEventActionTransition); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	EnqueueAuditLog(ctx, AuditActionTransition, transfer.ID, DocumentTypeStockTransfer, fromStatus, StatusReceived, oldTransfer, transfer)
	return transfer, nil
}

// CancelStockTransfer cancels a transfer that has not been dispatched,
// releasing any source reservation.
func CancelStockTransfer(ctx context.Context, id int) (*StockTransfer, bool, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, false, errors.New("business id is required")
	}

	tx := db.Begin()
	transfer, err := lockStockTransfer(tx.WithContext(ctx), businessId, id)
	if err != nil {
		tx.Rollback()
		return nil, false, err
	}

	fromStatus := transfer.CurrentStatus
	if err := transitionRules.AssertTransition(DocumentTypeStockTransfer, fromStatus, StatusCancelled); err != nil {
		tx.Rollback()
		return nil, false, err
	}
	oldTransfer := *transfer

	wasReserved := transfer.Reservation == ReservationStatusReserved
	if wasReserved {
		if err := ReleaseReservationBatch(tx.WithContext(ctx), businessId, transfer.sourceRequests()); err != nil {
			tx.Rollback()
			return nil, false, err
		}
	}

	updates := map[string]interface{}{"CurrentStatus": StatusCancelled}
	if wasReserved {
		updates["Reservation"] = ReservationStatusReleased
	}
	if err := tx.WithContext(ctx).Model(&transfer).Updates(updates).Error; err != nil {
		tx.Rollback()
		return nil, false, err
	}
	transfer.CurrentStatus = StatusCancelled
	if wasReserved {
		transfer.Reservation = ReservationStatusReleased
	}

	if err := PublishDocumentEvent(ctx, tx, businessId, time.Now(), transfer.ID, DocumentTypeStockTransfer, transfer, oldTransfer, DocumentEventActionTransition); err != nil {
		tx.Rollback()
		return nil, false, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, false, err
	}

	EnqueueAuditLog(ctx, AuditActionTransition, transfer.ID, DocumentTypeStockTransfer, fromStatus, StatusCancelled, oldTransfer, transfer)
	return transfer, wasReserved, nil
}
