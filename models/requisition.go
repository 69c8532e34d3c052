package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/wms_backend/config"
	"bitbucket.org/mmdatafocus/wms_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Requisition is a site's request for materials. It is the entry point of
// the document chain: once approved it either converts into a material
// issue (stock on hand), routes to purchasing, or both.
type Requisition struct {
	ID                int               `gorm:"primary_key" json:"id"`
	BusinessId        string            `gorm:"index;not null" json:"business_id"`
	RequisitionNumber string            `gorm:"size:50;not null" json:"requisition_number"`
	ProjectId         int               `gorm:"index;not null" json:"project_id"`
	RequestDate       time.Time         `gorm:"not null" json:"request_date"`
	CurrentStatus     DocumentStatus    `gorm:"size:30;not null;index" json:"current_status"`
	Notes             string            `gorm:"type:text" json:"notes"`
	EstimatedTotal    decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"estimated_total"`
	MaterialIssueId   *int              `gorm:"index" json:"material_issue_id"`
	Items             []RequisitionItem `gorm:"foreignKey:RequisitionId" json:"items"`
	CreatedAt         time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

type RequisitionItem struct {
	ID                int             `gorm:"primary_key" json:"id"`
	RequisitionId     int             `gorm:"index;not null" json:"requisition_id"`
	ItemId            int             `gorm:"index;not null" json:"item_id"`
	RequestedQty      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"requested_qty"`
	EstimatedUnitCost decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"estimated_unit_cost"`
	EstimatedAmount   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"estimated_amount"`
	// Coverage and CoveredQty are written by the stock check during
	// conversion; empty until the requisition leaves approved.
	Coverage   LineCoverage    `gorm:"size:20" json:"coverage"`
	CoveredQty decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"covered_qty"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewRequisition struct {
	ProjectId   int                  `json:"project_id" binding:"required"`
	RequestDate time.Time            `json:"request_date"`
	Notes       string               `json:"notes"`
	Items       []NewRequisitionItem `json:"items" binding:"required"`
}

type NewRequisitionItem struct {
	ItemId       int             `json:"item_id" binding:"required"`
	RequestedQty decimal.Decimal `json:"requested_qty" binding:"required"`
}

// RequisitionLineCheck is the stock-check verdict for one line.
type RequisitionLineCheck struct {
	ItemId       int             `json:"item_id"`
	RequestedQty decimal.Decimal `json:"requested_qty"`
	AvailableQty decimal.Decimal `json:"available_qty"`
	Coverage     LineCoverage    `json:"coverage"`
}

func (obj Requisition) GetId() int {
	return obj.ID
}

func (input *NewRequisition) validate(ctx context.Context, businessId string) error {
	if err := utils.ValidateResourceId[Project](ctx, businessId, input.ProjectId); err != nil {
		return errors.New("project not found")
	}
	if len(input.Items) == 0 {
		return errors.New("requisition must have at least one line")
	}
	for _, item := range input.Items {
		if item.RequestedQty.Sign() <= 0 {
			return errors.New("requested quantity must be positive")
		}
		if err := utils.ValidateResourceId[Item](ctx, businessId, item.ItemId); err != nil {
			return errors.New("item not found")
		}
	}
	return nil
}

// classifyLine maps requested vs available onto the three coverage buckets.
func classifyLine(requestedQty decimal.Decimal, availableQty decimal.Decimal) LineCoverage {
	switch {
	case availableQty.Cmp(requestedQty) >= 0:
		return LineCoverageFromStock
	case availableQty.Sign() > 0:
		return LineCoverageBoth
	default:
		return LineCoveragePurchaseRequired
	}
}

func CreateRequisition(ctx context.Context, input *NewRequisition) (*Requisition, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	requestDate := input.RequestDate
	if requestDate.IsZero() {
		requestDate = time.Now()
	}

	tx := db.Begin()

	var requisitionItems []RequisitionItem
	estimatedTotal := decimal.Zero
	for _, item := range input.Items {
		unitCost, err := lookupItemCost(tx.WithContext(ctx), businessId, item.ItemId)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		amount := item.RequestedQty.Mul(unitCost)
		requisitionItems = append(requisitionItems, RequisitionItem{
			ItemId:            item.ItemId,
			RequestedQty:      item.RequestedQty,
			EstimatedUnitCost: unitCost,
			EstimatedAmount:   amount,
		})
		estimatedTotal = estimatedTotal.Add(amount)
	}

	requisitionNumber, err := NextDocumentNumber(tx.WithContext(ctx), businessId, ModuleRequisition)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	requisition := Requisition{
		BusinessId:        businessId,
		RequisitionNumber: requisitionNumber,
		ProjectId:         input.ProjectId,
		RequestDate:       requestDate,
		CurrentStatus:     StatusDraft,
		Notes:             input.Notes,
		EstimatedTotal:    estimatedTotal,
		Items:             requisitionItems,
	}
	if err := tx.WithContext(ctx).Create(&requisition).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := PublishDocumentEvent(ctx, tx, businessId, requisition.RequestDate, requisition.ID, DocumentTypeRequisition, requisition, nil, DocumentEventActionCreate); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	EnqueueAuditLog(ctx, AuditActionCreate, requisition.ID, DocumentTypeRequisition, "", StatusDraft, nil, requisition)
	return &requisition, nil
}

// transitionRequisition applies a pure status move with no ledger effects.
func transitionRequisition(ctx context.Context, id int, toStatus DocumentStatus) (*Requisition, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	tx := db.Begin()
	requisition, err := utils.FetchModelForUpdate[Requisition](tx.WithContext(ctx), businessId, id, "Items")
	if err != nil {
		tx.Rollback()
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, utils.NewNotFoundError("requisition", id)
		}
		return nil, err
	}

	fromStatus := requisition.CurrentStatus
	if err := transitionRules.AssertTransition(DocumentTypeRequisition, fromStatus, toStatus); err != nil {
		tx.Rollback()
		return nil, err
	}

	oldRequisition := *requisition
	if err := tx.WithContext(ctx).Model(&requisition).
		Update("CurrentStatus", toStatus).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	requisition.CurrentStatus = toStatus

	if err := PublishDocumentEvent(ctx, tx, businessId, time.Now(), requisition.ID, DocumentTypeRequisition, requisition, oldRequisition, DocumentEventActionTransition); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	EnqueueAuditLog(ctx, AuditActionTransition, requisition.ID, DocumentTypeRequisition, fromStatus, toStatus, oldRequisition, requisition)
	return requisition, nil
}

func SubmitRequisition(ctx context.Context, id int) (*Requisition, error) {
	return transitionRequisition(ctx, id, StatusPending)
}

func ApproveRequisition(ctx context.Context, id int) (*Requisition, error) {
	return transitionRequisition(ctx, id, StatusApproved)
}

func RejectRequisition(ctx context.Context, id int) (*Requisition, error) {
	return transitionRequisition(ctx, id, StatusRejected)
}

// ResubmitRequisition reopens a rejected requisition for editing.
func ResubmitRequisition(ctx context.Context, id int) (*Requisition, error) {
	return transitionRequisition(ctx, id, StatusDraft)
}

func FulfillRequisition(ctx context.Context, id int) (*Requisition, error) {
	return transitionRequisition(ctx, id, StatusFulfilled)
}

func CancelRequisition(ctx context.Context, id int) (*Requisition, error) {
	return transitionRequisition(ctx, id, StatusCancelled)
}

func GetRequisition(ctx context.Context, id int) (*Requisition, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	requisition, err := utils.FetchModel[Requisition](ctx, businessId, id, "Items")
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, utils.NewNotFoundError("requisition", id)
		}
		return nil, err
	}
	return requisition, nil
}

// CheckRequisitionStock reports, without mutating anything, how much of
// each line the owning project's warehouses can cover right now.
func CheckRequisitionStock(ctx context.Context, id int) ([]RequisitionLineCheck, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	requisition, err := utils.FetchModel[Requisition](ctx, businessId, id, "Items")
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, utils.NewNotFoundError("requisition", id)
		}
		return nil, err
	}

	warehouseIds, err := projectWarehouseIds(ctx, businessId, requisition.ProjectId)
	if err != nil {
		return nil, err
	}

	checks := make([]RequisitionLineCheck, 0, len(requisition.Items))
	for _, line := range requisition.Items {
		availabilities, err := availabilityByWarehouse(db.WithContext(ctx), businessId, warehouseIds, line.ItemId, false)
		if err != nil {
			return nil, err
		}
		availableQty := decimal.Zero
		for _, availability := range availabilities {
			availableQty = availableQty.Add(availability.AvailableQty)
		}
		checks = append(checks, RequisitionLineCheck{
			ItemId:       line.ItemId,
			RequestedQty: line.RequestedQty,
			AvailableQty: availableQty,
			Coverage:     classifyLine(line.RequestedQty, availableQty),
		})
	}
	return checks, nil
}

// ConvertRequisitionToMaterialIssue snapshots availability across the
// project's warehouses, copies every covered portion into a new draft
// material issue linked back to the requisition, and moves the requisition
// to from_stock only when every line is fully covered. A single short line
// routes the whole requisition to needs_purchase; the covered portions are
// still issued.
func ConvertRequisitionToMaterialIssue(ctx context.Context, id int) (*Requisition, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	tx := db.Begin()
	requisition, err := utils.FetchModelForUpdate[Requisition](tx.WithContext(ctx), businessId, id, "Items")
	if err != nil {
		tx.Rollback()
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, utils.NewNotFoundError("requisition", id)
		}
		return nil, err
	}
	fromStatus := requisition.CurrentStatus
	if fromStatus != StatusApproved {
		tx.Rollback()
		return nil, transitionRules.AssertTransition(DocumentTypeRequisition, fromStatus, StatusFromStock)
	}

	warehouseIds, err := projectWarehouseIds(ctx, businessId, requisition.ProjectId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	// Allocation locks the ledger rows it reads so the availability the
	// decision is based on is the availability the material issue will
	// later reserve against.
	var issueItems []MaterialIssueItem
	allCovered := true
	oldRequisition := *requisition
	for idx := range requisition.Items {
		line := &requisition.Items[idx]
		availabilities, err := availabilityByWarehouse(tx.WithContext(ctx), businessId, warehouseIds, line.ItemId, true)
		if err != nil {
			tx.Rollback()
			return nil, err
		}

		remaining := line.RequestedQty
		coveredQty := decimal.Zero
		for _, availability := range availabilities {
			if remaining.Sign() <= 0 {
				break
			}
			take := decimal.Min(remaining, availability.AvailableQty)
			issueItems = append(issueItems, MaterialIssueItem{
				ItemId:       line.ItemId,
				WarehouseId:  availability.WarehouseId,
				RequestedQty: take,
			})
			coveredQty = coveredQty.Add(take)
			remaining = remaining.Sub(take)
		}

		line.CoveredQty = coveredQty
		line.Coverage = classifyLine(line.RequestedQty, coveredQty)
		if line.Coverage != LineCoverageFromStock {
			allCovered = false
		}
		if err := tx.WithContext(ctx).Model(&RequisitionItem{}).
			Where("id = ?", line.ID).
			Updates(map[string]interface{}{
				"Coverage":   line.Coverage,
				"CoveredQty": line.CoveredQty,
			}).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	toStatus := StatusFromStock
	if !allCovered {
		toStatus = StatusNeedsPurchase
	}
	if err := transitionRules.AssertTransition(DocumentTypeRequisition, fromStatus, toStatus); err != nil {
		tx.Rollback()
		return nil, err
	}

	if len(issueItems) > 0 {
		materialIssue, err := createMaterialIssueInTx(ctx, tx, businessId, &requisition.ID, requisition.ProjectId, issueItems)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		requisition.MaterialIssueId = &materialIssue.ID
		if err := tx.WithContext(ctx).Model(&requisition).
			Update("MaterialIssueId", materialIssue.ID).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.WithContext(ctx).Model(&requisition).
		Update("CurrentStatus", toStatus).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	requisition.CurrentStatus = toStatus

	if err := PublishDocumentEvent(ctx, tx, businessId, time.Now(), requisition.ID, DocumentTypeRequisition, requisition, oldRequisition, DocumentEventActionTransition); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	if config.DebugDocFor(string(DocumentTypeRequisition)) {
		logger.WithFields(logrus.Fields{
			"business_id":    businessId,
			"requisition_id": requisition.ID,
			"to_status":      toStatus,
			"issue_lines":    len(issueItems),
		}).Info("requisition converted")
	}
	EnqueueAuditLog(ctx, AuditActionTransition, requisition.ID, DocumentTypeRequisition, fromStatus, toStatus, oldRequisition, requisition)
	return requisition, nil
}
