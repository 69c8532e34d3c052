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

// GoodsReceipt records goods arriving at a warehouse. Stock enters the
// ledger only at the stored step, net of damage; damaged lines spawn a
// deviation report and flagged receipts spawn an inspection request, both
// inside the submit transaction.
type GoodsReceipt struct {
	ID                  int                `gorm:"primary_key" json:"id"`
	BusinessId          string             `gorm:"index;not null" json:"business_id"`
	ReceiptNumber       string             `gorm:"size:50;not null" json:"receipt_number"`
	ProjectId           int                `gorm:"index;not null" json:"project_id"`
	WarehouseId         int                `gorm:"index;not null" json:"warehouse_id"`
	SupplierName        string             `gorm:"size:255" json:"supplier_name"`
	ReceiptDate         time.Time          `gorm:"not null" json:"receipt_date"`
	CurrentStatus       DocumentStatus     `gorm:"size:30;not null;index" json:"current_status"`
	RequiresInspection  *bool              `gorm:"not null;default:false" json:"requires_inspection"`
	DeviationReportId   *int               `gorm:"index" json:"deviation_report_id"`
	InspectionRequestId *int               `gorm:"index" json:"inspection_request_id"`
	TotalValue          decimal.Decimal    `gorm:"type:decimal(20,4);default:0" json:"total_value"`
	Items               []GoodsReceiptItem `gorm:"foreignKey:GoodsReceiptId" json:"items"`
	CreatedAt           time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

type GoodsReceiptItem struct {
	ID             int             `gorm:"primary_key" json:"id"`
	GoodsReceiptId int             `gorm:"index;not null" json:"goods_receipt_id"`
	ItemId         int             `gorm:"index;not null" json:"item_id"`
	ReceivedQty    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"received_qty"`
	DamagedQty     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"damaged_qty"`
	UnitCost       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_cost"`
	Remark         string          `gorm:"size:255" json:"remark"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// storableQty is what actually enters the ledger at the stored step.
func (item GoodsReceiptItem) storableQty() decimal.Decimal {
	return item.ReceivedQty.Sub(item.DamagedQty)
}

type NewGoodsReceipt struct {
	ProjectId          int                   `json:"project_id" binding:"required"`
	WarehouseId        int                   `json:"warehouse_id" binding:"required"`
	SupplierName       string                `json:"supplier_name"`
	ReceiptDate        time.Time             `json:"receipt_date"`
	RequiresInspection *bool                 `json:"requires_inspection"`
	Items              []NewGoodsReceiptItem `json:"items" binding:"required"`
}

type NewGoodsReceiptItem struct {
	ItemId      int             `json:"item_id" binding:"required"`
	ReceivedQty decimal.Decimal `json:"received_qty" binding:"required"`
	DamagedQty  decimal.Decimal `json:"damaged_qty"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	Remark      string          `json:"remark"`
}

func (obj GoodsReceipt) GetId() int {
	return obj.ID
}

func (input *NewGoodsReceipt) validate(ctx context.Context, businessId string) error {
	if err := utils.ValidateResourceId[Project](ctx, businessId, input.ProjectId); err != nil {
		return errors.New("project not found")
	}
	if err := utils.ValidateResourceId[Warehouse](ctx, businessId, input.WarehouseId); err != nil {
		return errors.New("warehouse not found")
	}
	if len(input.Items) == 0 {
		return errors.New("goods receipt must have at least one line")
	}
	for _, item := range input.Items {
		if item.ReceivedQty.Sign() <= 0 {
			return errors.New("received quantity must be positive")
		}
		if item.DamagedQty.Sign() < 0 {
			return errors.New("damaged quantity cannot be negative")
		}
		if item.DamagedQty.Cmp(item.ReceivedQty) > 0 {
			return errors.New("damaged quantity cannot exceed received quantity")
		}
		if err := utils.ValidateResourceId[Item](ctx, businessId, item.ItemId); err != nil {
			return errors.New("item not found")
		}
	}
	return nil
}

func CreateGoodsReceipt(ctx context.Context, input *NewGoodsReceipt) (*GoodsReceipt, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	receiptDate := input.ReceiptDate
	if receiptDate.IsZero() {
		receiptDate = time.Now()
	}
	requiresInspection := input.RequiresInspection
	if requiresInspection == nil {
		requiresInspection = utils.NewFalse()
	}

	var receiptItems []GoodsReceiptItem
	totalValue := decimal.Zero
	for _, item := range input.Items {
		receiptItems = append(receiptItems, GoodsReceiptItem{
			ItemId:      item.ItemId,
			ReceivedQty: item.ReceivedQty,
			DamagedQty:  item.DamagedQty,
			UnitCost:    item.UnitCost,
			Remark:      item.Remark,
		})
		totalValue = totalValue.Add(item.ReceivedQty.Mul(item.UnitCost))
	}

	tx := db.Begin()
	receiptNumber, err := NextDocumentNumber(tx.WithContext(ctx), businessId, ModuleGoodsReceipt)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	receipt := GoodsReceipt{
		BusinessId:         businessId,
		ReceiptNumber:      receiptNumber,
		ProjectId:          input.ProjectId,
		WarehouseId:        input.WarehouseId,
		SupplierName:       input.SupplierName,
		ReceiptDate:        receiptDate,
		CurrentStatus:      StatusDraft,
		RequiresInspection: requiresInspection,
		TotalValue:         totalValue,
		Items:              receiptItems,
	}
	if err := tx.WithContext(ctx).Create(&receipt).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := PublishDocumentEvent(ctx, tx, businessId, receipt.ReceiptDate, receipt.ID, DocumentTypeGoodsReceipt, receipt, nil, DocumentEventActionCreate); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	EnqueueAuditLog(ctx, AuditActionCreate, receipt.ID, DocumentTypeGoodsReceipt, "", StatusDraft, nil, receipt)
	return &receipt, nil
}

func lockGoodsReceipt(tx *gorm.DB, businessId string, id int) (*GoodsReceipt, error) {
	receipt, err := utils.FetchModelForUpdate[GoodsReceipt](tx, businessId, id, "Items")
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, utils.NewNotFoundError("goods receipt", id)
		}
		return nil, err
	}
	return receipt, nil
}

func transitionGoodsReceipt(ctx context.Context, id int, toStatus DocumentStatus) (*GoodsReceipt, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	tx := db.Begin()
	receipt, err := lockGoodsReceipt(tx.WithContext(ctx), businessId, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	fromStatus := receipt.CurrentStatus
	if err := transitionRules.AssertTransition(DocumentTypeGoodsReceipt, fromStatus, toStatus); err != nil {
		tx.Rollback()
		return nil, err
	}

	oldReceipt := *receipt
	if err := tx.WithContext(ctx).Model(&receipt).
		Update("CurrentStatus", toStatus).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	receipt.CurrentStatus = toStatus

	if err := PublishDocumentEvent(ctx, tx, businessId, time.Now(), receipt.ID, DocumentTypeGoodsReceipt, receipt, oldReceipt, DocumentEventActionTransition); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	EnqueueAuditLog(ctx, AuditActionTransition, receipt.ID, DocumentTypeGoodsReceipt, fromStatus, toStatus, oldReceipt, receipt)
	return receipt, nil
}

// SubmitGoodsReceipt moves draft -> pending and, in the same transaction,
// creates the deviation report for any damaged lines and the inspection
// request when the receipt is flagged.
func SubmitGoodsReceipt(ctx context.Context, id int) (*GoodsReceipt, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	tx := db.Begin()
	receipt, err := lockGoodsReceipt(tx.WithContext(ctx), businessId, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	fromStatus := receipt.CurrentStatus
	if err := transitionRules.AssertTransition(DocumentTypeGoodsReceipt, fromStatus, StatusPending); err != nil {
		tx.Rollback()
		return nil, err
	}
	oldReceipt := *receipt

	updates := map[string]interface{}{"CurrentStatus": StatusPending}

	report, err := createDeviationReportInTx(ctx, tx, businessId, receipt)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if report != nil {
		updates["DeviationReportId"] = report.ID
		receipt.DeviationReportId = &report.ID
	}

	if receipt.RequiresInspection != nil && *receipt.RequiresInspection {
		request, err := createInspectionRequestInTx(ctx, tx, businessId, receipt.ID)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		updates["InspectionRequestId"] = request.ID
		receipt.InspectionRequestId = &request.ID
	}

	if err := tx.WithContext(ctx).Model(&receipt).Updates(updates).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	receipt.CurrentStatus = StatusPending

	if err := PublishDocumentEvent(ctx, tx, businessId, time.Now(), receipt.ID, DocumentTypeGoodsReceipt, receipt, oldReceipt, DocumentEventActionTransition); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	EnqueueAuditLog(ctx, AuditActionTransition, receipt.ID, DocumentTypeGoodsReceipt, fromStatus, StatusPending, oldReceipt, receipt)
	return receipt, nil
}

// ReviewGoodsReceipt sends a pending receipt to inspection.
func ReviewGoodsReceipt(ctx context.Context, id int) (*GoodsReceipt, error) {
	return transitionGoodsReceipt(ctx, id, StatusInspecting)
}

// StoreGoodsReceipt moves the receipt to stored and adds every line's
// undamaged quantity to the warehouse ledger at the line's unit cost, in
// the same transaction as the status change.
func StoreGoodsReceipt(ctx context.Context, id int) (*GoodsReceipt, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	tx := db.Begin()
	receipt, err := lockGoodsReceipt(tx.WithContext(ctx), businessId, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	fromStatus := receipt.CurrentStatus
	if err := transitionRules.AssertTransition(DocumentTypeGoodsReceipt, fromStatus, StatusStored); err != nil {
		tx.Rollback()
		return nil, err
	}
	oldReceipt := *receipt

	additions := make([]StockAddition, 0, len(receipt.Items))
	for _, item := range receipt.Items {
		additions = append(additions, StockAddition{
			ItemId:      item.ItemId,
			WarehouseId: receipt.WarehouseId,
			Qty:         item.storableQty(),
			UnitCost:    item.UnitCost,
		})
	}
	if err := AddStockBatch(tx.WithContext(ctx), businessId, additions); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.WithContext(ctx).Model(&receipt).
		Update("CurrentStatus", StatusStored).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	receipt.CurrentStatus = StatusStored

	if err := PublishDocumentEvent(ctx, tx, businessId, time.Now(), receipt.ID, DocumentTypeGoodsReceipt, receipt, oldReceipt, DocumentEventActionTransition); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	EnqueueAuditLog(ctx, AuditActionTransition, receipt.ID, DocumentTypeGoodsReceipt, fromStatus, StatusStored, oldReceipt, receipt)
	return receipt, nil
}

func CompleteGoodsReceipt(ctx context.Context, id int) (*GoodsReceipt, error) {
	return transitionGoodsReceipt(ctx, id, StatusCompleted)
}

func RejectGoodsReceipt(ctx context.Context, id int) (*GoodsReceipt, error) {
	return transitionGoodsReceipt(ctx, id, StatusRejected)
}

func ResubmitGoodsReceipt(ctx context.Context, id int) (*GoodsReceipt, error) {
	return transitionGoodsReceipt(ctx, id, StatusDraft)
}

func CancelGoodsReceipt(ctx context.Context, id int) (*GoodsReceipt, error) {
	return transitionGoodsReceipt(ctx, id, StatusCancelled)
}

func GetGoodsReceipt(ctx context.Context, id int) (*GoodsReceipt, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	receipt, err := utils.FetchModel[GoodsReceipt](ctx, businessId, id, "Items")
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, utils.NewNotFoundError("goods receipt", id)
		}
		return nil, err
	}
	return receipt, nil
}
