package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/wms_backend/config"
	"bitbucket.org/mmdatafocus/wms_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// MaterialIssue moves stock out of warehouses to a project. Approval
// reserves stock when it can but never blocks on shortage; issuing is the
// strict step that actually decrements the ledger.
type MaterialIssue struct {
	ID            int                 `gorm:"primary_key" json:"id"`
	BusinessId    string              `gorm:"index;not null" json:"business_id"`
	IssueNumber   string              `gorm:"size:50;not null" json:"issue_number"`
	ProjectId     int                 `gorm:"index;not null" json:"project_id"`
	RequisitionId *int                `gorm:"index" json:"requisition_id"`
	GatePassId    *int                `gorm:"index" json:"gate_pass_id"`
	IssueDate     time.Time           `gorm:"not null" json:"issue_date"`
	CurrentStatus DocumentStatus      `gorm:"size:30;not null;index" json:"current_status"`
	Reservation   ReservationStatus   `gorm:"size:20;not null;default:'none'" json:"reservation_status"`
	TotalCost     decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"total_cost"`
	Items         []MaterialIssueItem `gorm:"foreignKey:MaterialIssueId" json:"items"`

	// LastReservation reports the most recent reservation attempt to the
	// caller; never persisted.
	LastReservation *ReservationResult `gorm:"-" json:"last_reservation,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type MaterialIssueItem struct {
	ID              int             `gorm:"primary_key" json:"id"`
	MaterialIssueId int             `gorm:"index;not null" json:"material_issue_id"`
	ItemId          int             `gorm:"index;not null" json:"item_id"`
	WarehouseId     int             `gorm:"index;not null" json:"warehouse_id"`
	RequestedQty    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"requested_qty"`
	// ApprovedQty overrides RequestedQty when the approver trims a line;
	// zero means "as requested".
	ApprovedQty decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"approved_qty"`
	IssuedQty   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"issued_qty"`
	// Amount is the realized cost written at issue time, rounded to the
	// currency minor unit.
	Amount    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// effectiveQty is the quantity all ledger operations act on.
func (item MaterialIssueItem) effectiveQty() decimal.Decimal {
	if item.ApprovedQty.Sign() > 0 {
		return item.ApprovedQty
	}
	return item.RequestedQty
}

type NewMaterialIssue struct {
	ProjectId int                    `json:"project_id" binding:"required"`
	IssueDate time.Time              `json:"issue_date"`
	Items     []NewMaterialIssueItem `json:"items" binding:"required"`
}

type NewMaterialIssueItem struct {
	ItemId       int             `json:"item_id" binding:"required"`
	WarehouseId  int             `json:"warehouse_id" binding:"required"`
	RequestedQty decimal.Decimal `json:"requested_qty" binding:"required"`
}

// MaterialIssueApproval optionally trims line quantities at approval.
type MaterialIssueApproval struct {
	Items []MaterialIssueApprovalItem `json:"items"`
}

type MaterialIssueApprovalItem struct {
	LineId      int             `json:"line_id" binding:"required"`
	ApprovedQty decimal.Decimal `json:"approved_qty" binding:"required"`
}

func (obj MaterialIssue) GetId() int {
	return obj.ID
}

func (input *NewMaterialIssue) validate(ctx context.Context, businessId string) error {
	if err := utils.ValidateResourceId[Project](ctx, businessId, input.ProjectId); err != nil {
		return errors.New("project not found")
	}
	if len(input.Items) == 0 {
		return errors.New("material issue must have at least one line")
	}
	for _, item := range input.Items {
		if item.RequestedQty.Sign() <= 0 {
			return errors.New("requested quantity must be positive")
		}
		if err := utils.ValidateResourceId[Item](ctx, businessId, item.ItemId); err != nil {
			return errors.New("item not found")
		}
		if err := utils.ValidateResourceId[Warehouse](ctx, businessId, item.WarehouseId); err != nil {
			return errors.New("warehouse not found")
		}
	}
	return nil
}

func (issue MaterialIssue) stockRequests() []StockRequest {
	requests := make([]StockRequest, 0, len(issue.Items))
	for _, item := range issue.Items {
		requests = append(requests, StockRequest{
			ItemId:      item.ItemId,
			WarehouseId: item.WarehouseId,
			Qty:         item.effectiveQty(),
		})
	}
	return requests
}

// createMaterialIssueInTx builds a draft issue inside an existing
// transaction. Requisition conversion shares the tx so the issue and the
// requisition status move commit or fail together.
func createMaterialIssueInTx(ctx context.Context, tx *gorm.DB, businessId string, requisitionId *int, projectId int, items []MaterialIssueItem) (*MaterialIssue, error) {
	issueNumber, err := NextDocumentNumber(tx.WithContext(ctx), businessId, ModuleMaterialIssue)
	if err != nil {
		return nil, err
	}

	issue := MaterialIssue{
		BusinessId:    businessId,
		IssueNumber:   issueNumber,
		ProjectId:     projectId,
		RequisitionId: requisitionId,
		IssueDate:     time.Now(),
		CurrentStatus: StatusDraft,
		Reservation:   ReservationStatusNone,
		Items:         items,
	}
	if err := tx.WithContext(ctx).Create(&issue).Error; err != nil {
		return nil, err
	}
	if err := PublishDocumentEvent(ctx, tx, businessId, issue.IssueDate, issue.ID, DocumentTypeMaterialIssue, issue, nil, DocumentEventActionCreate); err != nil {
		return nil, err
	}
	return &issue, nil
}

func CreateMaterialIssue(ctx context.Context, input *NewMaterialIssue) (*MaterialIssue, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	var issueItems []MaterialIssueItem
	for _, item := range input.Items {
		issueItems = append(issueItems, MaterialIssueItem{
			ItemId:       item.ItemId,
			WarehouseId:  item.WarehouseId,
			RequestedQty: item.RequestedQty,
		})
	}

	tx := db.Begin()
	issue, err := createMaterialIssueInTx(ctx, tx, businessId, nil, input.ProjectId, issueItems)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if !input.IssueDate.IsZero() {
		if err := tx.WithContext(ctx).Model(&issue).
			Update("IssueDate", input.IssueDate).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
		issue.IssueDate = input.IssueDate
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	EnqueueAuditLog(ctx, AuditActionCreate, issue.ID, DocumentTypeMaterialIssue, "", StatusDraft, nil, issue)
	return issue, nil
}

// lockMaterialIssue loads the header and lines under FOR UPDATE. A losing
// concurrent caller re-reads the winner's committed status and fails the
// transition assertion.
func lockMaterialIssue(tx *gorm.DB, businessId string, id int) (*MaterialIssue, error) {
	issue, err := utils.FetchModelForUpdate[MaterialIssue](tx, businessId, id, "Items")
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, utils.NewNotFoundError("material issue", id)
		}
		return nil, err
	}
	return issue, nil
}

func transitionMaterialIssue(ctx context.Context, id int, toStatus DocumentStatus) (*MaterialIssue, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	tx := db.Begin()
	issue, err := lockMaterialIssue(tx.WithContext(ctx), businessId, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	fromStatus := issue.CurrentStatus
	if err := transitionRules.AssertTransition(DocumentTypeMaterialIssue, fromStatus, toStatus); err != nil {
		tx.Rollback()
		return nil, err
	}

	oldIssue := *issue
	if err := tx.WithContext(ctx).Model(&issue).
		Update("CurrentStatus", toStatus).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	issue.CurrentStatus = toStatus

	if err := PublishDocumentEvent(ctx, tx, businessId, time.Now(), issue.ID, DocumentTypeMaterialIssue, issue, oldIssue, DocumentEventActionTransition); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	EnqueueAuditLog(ctx, AuditActionTransition, issue.ID, DocumentTypeMaterialIssue, fromStatus, toStatus, oldIssue, issue)
	return issue, nil
}

func SubmitMaterialIssue(ctx context.Context, id int) (*MaterialIssue, error) {
	return transitionMaterialIssue(ctx, id, StatusPending)
}

func RejectMaterialIssue(ctx context.Context, id int) (*MaterialIssue, error) {
	return transitionMaterialIssue(ctx, id, StatusRejected)
}

func ResubmitMaterialIssue(ctx context.Context, id int) (*MaterialIssue, error) {
	return transitionMaterialIssue(ctx, id, StatusDraft)
}

func CompleteMaterialIssue(ctx context.Context, id int) (*MaterialIssue, error) {
	return transitionMaterialIssue(ctx, id, StatusCompleted)
}

func GetMaterialIssue(ctx context.Context, id int) (*MaterialIssue, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	issue, err := utils.FetchModel[MaterialIssue](ctx, businessId, id, "Items")
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, utils.NewNotFoundError("material issue", id)
		}
		return nil, err
	}
	return issue, nil
}

// ApproveMaterialIssue moves pending -> approved and tries to reserve the
// effective quantities. Shortage does not block approval: the document is
// approved with no reservation held and the shortfall is reported on
// LastReservation. The strict availability check happens at issue time.
func ApproveMaterialIssue(ctx context.Context, id int, input *MaterialIssueApproval) (*MaterialIssue, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	tx := db.Begin()
	issue, err := lockMaterialIssue(tx.WithContext(ctx), businessId, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	fromStatus := issue.CurrentStatus
	if err := transitionRules.AssertTransition(DocumentTypeMaterialIssue, fromStatus, StatusApproved); err != nil {
		tx.Rollback()
		return nil, err
	}
	oldIssue := *issue

	if input != nil {
		for _, approval := range input.Items {
			if approval.ApprovedQty.Sign() <= 0 {
				tx.Rollback()
				return nil, utils.NewBusinessRuleError("approved quantity must be positive")
			}
			matched := false
			for idx := range issue.Items {
				if issue.Items[idx].ID == approval.LineId {
					if approval.ApprovedQty.Cmp(issue.Items[idx].RequestedQty) > 0 {
						tx.Rollback()
						return nil, utils.NewBusinessRuleError("approved quantity cannot exceed requested quantity on line %d", approval.LineId)
					}
					issue.Items[idx].ApprovedQty = approval.ApprovedQty
					matched = true
					break
				}
			}
			if !matched {
				tx.Rollback()
				return nil, utils.NewNotFoundError("material issue line", approval.LineId)
			}
		}
		for _, item := range issue.Items {
			if item.ApprovedQty.Sign() <= 0 {
				continue
			}
			if err := tx.WithContext(ctx).Model(&MaterialIssueItem{}).
				Where("id = ?", item.ID).
				Update("ApprovedQty", item.ApprovedQty).Error; err != nil {
				tx.Rollback()
				return nil, err
			}
		}
	}

	reservation, err := ReserveStockBatch(tx.WithContext(ctx), businessId, issue.stockRequests())
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	reservationStatus := ReservationStatusNone
	if reservation.Success {
		reservationStatus = ReservationStatusReserved
	}

	if err := tx.WithContext(ctx).Model(&issue).
		Updates(map[string]interface{}{
			"CurrentStatus": StatusApproved,
			"Reservation":   reservationStatus,
		}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	issue.CurrentStatus = StatusApproved
	issue.Reservation = reservationStatus
	issue.LastReservation = reservation

	if err := PublishDocumentEvent(ctx, tx, businessId, time.Now(), issue.ID, DocumentTypeMaterialIssue, issue, oldIssue, DocumentEventActionTransition); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	if !reservation.Success {
		logger.WithFields(logrus.Fields{
			"business_id":       businessId,
			"material_issue_id": issue.ID,
			"failed_items":      reservation.FailedItems,
		}).Info("material issue approved without reservation")
	}
	EnqueueAuditLog(ctx, AuditActionTransition, issue.ID, DocumentTypeMaterialIssue, fromStatus, StatusApproved, oldIssue, issue)
	return issue, nil
}

// IssueMaterialIssue performs the physical issue: approved -> issued,
// consuming the effective quantity of every line and writing realized
// costs back onto the lines. If approval could not reserve, the reservation
// is attempted again here and shortage is now a hard failure. A gate pass
// is created in the same transaction so goods never leave without one.
func IssueMaterialIssue(ctx context.Context, id int) (*MaterialIssue, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	tx := db.Begin()
	issue, err := lockMaterialIssue(tx.WithContext(ctx), businessId, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	fromStatus := issue.CurrentStatus
	if err := transitionRules.AssertTransition(DocumentTypeMaterialIssue, fromStatus, StatusIssued); err != nil {
		tx.Rollback()
		return nil, err
	}
	oldIssue := *issue

	if issue.Reservation != ReservationStatusReserved {
		reservation, err := ReserveStockBatch(tx.WithContext(ctx), businessId, issue.stockRequests())
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if !reservation.Success {
			tx.Rollback()
			return nil, utils.NewBusinessRuleError("insufficient stock to issue: items %v", reservation.FailedItems)
		}
	}

	consumptions := make([]StockConsumption, 0, len(issue.Items))
	for _, item := range issue.Items {
		consumptions = append(consumptions, StockConsumption{
			ItemId:      item.ItemId,
			WarehouseId: item.WarehouseId,
			Qty:         item.effectiveQty(),
			LineRef:     item.ID,
		})
	}
	consumed, err := ConsumeReservationBatch(tx.WithContext(ctx), businessId, consumptions)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	for idx := range issue.Items {
		item := &issue.Items[idx]
		item.IssuedQty = item.effectiveQty()
		item.Amount = consumed.LineCosts[item.ID]
		if err := tx.WithContext(ctx).Model(&MaterialIssueItem{}).
			Where("id = ?", item.ID).
			Updates(map[string]interface{}{
				"IssuedQty": item.IssuedQty,
				"Amount":    item.Amount,
			}).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	gatePass, err := createGatePassInTx(ctx, tx, businessId, issue)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.WithContext(ctx).Model(&issue).
		Updates(map[string]interface{}{
			"CurrentStatus": StatusIssued,
			"Reservation":   ReservationStatusReleased,
			"TotalCost":     consumed.TotalCost,
			"GatePassId":    gatePass.ID,
		}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	issue.CurrentStatus = StatusIssued
	issue.Reservation = ReservationStatusReleased
	issue.TotalCost = consumed.TotalCost
	issue.GatePassId = &gatePass.ID

	if err := PublishDocumentEvent(ctx, tx, businessId, time.Now(), issue.ID, DocumentTypeMaterialIssue, issue, oldIssue, DocumentEventActionTransition); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	EnqueueAuditLog(ctx, AuditActionTransition, issue.ID, DocumentTypeMaterialIssue, fromStatus, StatusIssued, oldIssue, issue)
	return issue, nil
}

// CancelMaterialIssue cancels the document and releases any reservation it
// still holds. The second return value reports whether stock was freed.
func CancelMaterialIssue(ctx context.Context, id int) (*MaterialIssue, bool, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, false, errors.New("business id is required")
	}

	tx := db.Begin()
	issue, err := lockMaterialIssue(tx.WithContext(ctx), businessId, id)
	if err != nil {
		tx.Rollback()
		return nil, false, err
	}

	fromStatus := issue.CurrentStatus
	if err := transitionRules.AssertTransition(DocumentTypeMaterialIssue, fromStatus, StatusCancelled); err != nil {
		tx.Rollback()
		return nil, false, err
	}
	oldIssue := *issue

	wasReserved := issue.Reservation == ReservationStatusReserved
	if wasReserved {
		if err := ReleaseReservationBatch(tx.WithContext(ctx), businessId, issue.stockRequests()); err != nil {
			tx.Rollback()
			return nil, false, err
		}
	}

	updates := map[string]interface{}{"CurrentStatus": StatusCancelled}
	if wasReserved {
		updates["Reservation"] = ReservationStatusReleased
	}
	if err := tx.WithContext(ctx).Model(&issue).Updates(updates).Error; err != nil {
		tx.Rollback()
		return nil, false, err
	}
	issue.CurrentStatus = StatusCancelled
	if wasReserved {
		issue.Reservation = ReservationStatusReleased
	}

	if err := PublishDocumentEvent(ctx, tx, businessId, time.Now(), issue.ID, DocumentTypeMaterialIssue, issue, oldIssue, DocumentEventActionTransition); err != nil {
		tx.Rollback()
		return nil, false, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, false, err
	}

	EnqueueAuditLog(ctx, AuditActionTransition, issue.ID, DocumentTypeMaterialIssue, fromStatus, StatusCancelled, oldIssue, issue)
	return issue, wasReserved, nil
}
