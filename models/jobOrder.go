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

// JobOrder consumes component materials for fabrication work. Approval
// reserves the component lines under the same optimistic policy as
// material issues; completion is the strict step that consumes them.
type JobOrder struct {
	ID              int                 `gorm:"primary_key" json:"id"`
	BusinessId      string              `gorm:"index;not null" json:"business_id"`
	OrderNumber     string              `gorm:"size:50;not null" json:"order_number"`
	ProjectId       int                 `gorm:"index;not null" json:"project_id"`
	Description     string              `gorm:"type:text" json:"description"`
	OrderDate       time.Time           `gorm:"not null" json:"order_date"`
	CurrentStatus   DocumentStatus      `gorm:"size:30;not null;index" json:"current_status"`
	Reservation     ReservationStatus   `gorm:"size:20;not null;default:'none'" json:"reservation_status"`
	TotalCost       decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"total_cost"`
	Components      []JobOrderComponent `gorm:"foreignKey:JobOrderId" json:"components"`
	LastReservation *ReservationResult  `gorm:"-" json:"last_reservation,omitempty"`
	CreatedAt       time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

type JobOrderComponent struct {
	ID          int             `gorm:"primary_key" json:"id"`
	JobOrderId  int             `gorm:"index;not null" json:"job_order_id"`
	ItemId      int             `gorm:"index;not null" json:"item_id"`
	WarehouseId int             `gorm:"index;not null" json:"warehouse_id"`
	RequiredQty decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"required_qty"`
	ConsumedQty decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"consumed_qty"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewJobOrder struct {
	ProjectId   int                    `json:"project_id" binding:"required"`
	Description string                 `json:"description"`
	OrderDate   time.Time              `json:"order_date"`
	Components  []NewJobOrderComponent `json:"components" binding:"required"`
}

type NewJobOrderComponent struct {
	ItemId      int             `json:"item_id" binding:"required"`
	WarehouseId int             `json:"warehouse_id" binding:"required"`
	RequiredQty decimal.Decimal `json:"required_qty" binding:"required"`
}

func (obj JobOrder) GetId() int {
	return obj.ID
}

func (input *NewJobOrder) validate(ctx context.Context, businessId string) error {
	if err := utils.ValidateResourceId[Project](ctx, businessId, input.ProjectId); err != nil {
		return errors.New("project not found")
	}
	if len(input.Components) == 0 {
		return errors.New("job order must have at least one component")
	}
	for _, component := range input.Components {
		if component.RequiredQty.Sign() <= 0 {
			return errors.New("required quantity must be positive")
		}
		if err := utils.ValidateResourceId[Item](ctx, businessId, component.ItemId); err != nil {
			return errors.New("item not found")
		}
		if err := utils.ValidateResourceId[Warehouse](ctx, businessId, component.WarehouseId); err != nil {
			return errors.New("warehouse not found")
		}
	}
	return nil
}

func (order JobOrder) stockRequests() []StockRequest {
	requests := make([]StockRequest, 0, len(order.Components))
	for _, component := range order.Components {
		requests = append(requests, StockRequest{
			ItemId:      component.ItemId,
			WarehouseId: component.WarehouseId,
			Qty:         component.RequiredQty,
		})
	}
	return requests
}

func CreateJobOrder(ctx context.Context, input *NewJobOrder) (*JobOrder, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	orderDate := input.OrderDate
	if orderDate.IsZero() {
		orderDate = time.Now()
	}

	var components []JobOrderComponent
	for _, component := range input.Components {
		components = append(components, JobOrderComponent{
			ItemId:      component.ItemId,
			WarehouseId: component.WarehouseId,
			RequiredQty: component.RequiredQty,
		})
	}

	tx := db.Begin()
	orderNumber, err := NextDocumentNumber(tx.WithContext(ctx), businessId, ModuleJobOrder)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	order := JobOrder{
		BusinessId:    businessId,
		OrderNumber:   orderNumber,
		ProjectId:     input.ProjectId,
		Description:   input.Description,
		OrderDate:     orderDate,
		CurrentStatus: StatusDraft,
		Reservation:   ReservationStatusNone,
		Components:    components,
	}
	if err := tx.WithContext(ctx).Create(&order).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := PublishDocumentEvent(ctx, tx, businessId, order.OrderDate, order.ID, DocumentTypeJobOrder, order, nil, DocumentEventActionCreate); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	EnqueueAuditLog(ctx, AuditActionCreate, order.ID, DocumentTypeJobOrder, "", StatusDraft, nil, order)
	return &order, nil
}

func lockJobOrder(tx *gorm.DB, businessId string, id int) (*JobOrder, error) {
	order, err := utils.FetchModelForUpdate[JobOrder](tx, businessId, id, "Components")
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, utils.NewNotFoundError("job order", id)
		}
		return nil, err
	}
	return order, nil
}

func transitionJobOrder(ctx context.Context, id int, toStatus DocumentStatus) (*JobOrder, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	tx := db.Begin()
	order, err := lockJobOrder(tx.WithContext(ctx), businessId, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	fromStatus := order.CurrentStatus
	if err := transitionRules.AssertTransition(DocumentTypeJobOrder, fromStatus, toStatus); err != nil {
		tx.Rollback()
		return nil, err
	}

	oldOrder := *order
	if err := tx.WithContext(ctx).Model(&order).
		Update("CurrentStatus", toStatus).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	order.CurrentStatus = toStatus

	if err := PublishDocumentEvent(ctx, tx, businessId, time.Now(), order.ID, DocumentTypeJobOrder, order, oldOrder, DocumentEventActionTransition); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	EnqueueAuditLog(ctx, AuditActionTransition, order.ID, DocumentTypeJobOrder, fromStatus, toStatus, oldOrder, order)
	return order, nil
}

func SubmitJobOrder(ctx context.Context, id int) (*JobOrder, error) {
	return transitionJobOrder(ctx, id, StatusPending)
}

func RejectJobOrder(ctx context.Context, id int) (*JobOrder, error) {
	return transitionJobOrder(ctx, id, StatusRejected)
}

func ResubmitJobOrder(ctx context.Context, id int) (*JobOrder, error) {
	return transitionJobOrder(ctx, id, StatusDraft)
}

func StartJobOrder(ctx context.Context, id int) (*JobOrder, error) {
	return transitionJobOrder(ctx, id, StatusInProgress)
}

func GetJobOrder(ctx context.Context, id int) (*JobOrder, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	order, err := utils.FetchModel[JobOrder](ctx, businessId, id, "Components")
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, utils.NewNotFoundError("job order", id)
		}
		return nil, err
	}
	return order, nil
}

// ApproveJobOrder moves pending -> approved and tries to reserve the
// component lines. Shortage does not block approval.
func ApproveJobOrder(ctx context.Context, id int) (*JobOrder, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	tx := db.Begin()
	order, err := lockJobOrder(tx.WithContext(ctx), businessId, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	fromStatus := order.CurrentStatus
	if err := transitionRules.AssertTransition(DocumentTypeJobOrder, fromStatus, StatusApproved); err != nil {
		tx.Rollback()
		return nil, err
	}
	oldOrder := *order

	reservation, err := ReserveStockBatch(tx.WithContext(ctx), businessId, order.stockRequests())
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	reservationStatus := ReservationStatusNone
	if reservation.Success {
		reservationStatus = ReservationStatusReserved
	}

	if err := tx.WithContext(ctx).Model(&order).
		Updates(map[string]interface{}{
			"CurrentStatus": StatusApproved,
			"Reservation":   reservationStatus,
		}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	order.CurrentStatus = StatusApproved
	order.Reservation = reservationStatus
	order.LastReservation = reservation

	if err := PublishDocumentEvent(ctx, tx, businessId, time.Now(), order.ID, DocumentTypeJobOrder, order, oldOrder, DocumentEventActionTransition); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	EnqueueAuditLog(ctx, AuditActionTransition, order.ID, DocumentTypeJobOrder, fromStatus, StatusApproved, oldOrder, order)
	return order, nil
}

// CompleteJobOrder consumes every component's required quantity and books
// the realized costs on the components. Missing reservation is re-attempted
// first; shortage at this point is a hard failure.
func CompleteJobOrder(ctx context.Context, id int) (*JobOrder, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	tx := db.Begin()
	order, err := lockJobOrder(tx.WithContext(ctx), businessId, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	fromStatus := order.CurrentStatus
	if err := transitionRules.AssertTransition(DocumentTypeJobOrder, fromStatus, StatusCompleted); err != nil {
		tx.Rollback()
		return nil, err
	}
	oldOrder := *order

	if order.Reservation != ReservationStatusReserved {
		reservation, err := ReserveStockBatch(tx.WithContext(ctx), businessId, order.stockRequests())
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if !reservation.Success {
			tx.Rollback()
			return nil, utils.NewBusinessRuleError("insufficient stock to complete job order: items %v", reservation.FailedItems)
		}
	}

	consumptions := make([]StockConsumption, 0, len(order.Components))
	for _, component := range order.Components {
		consumptions = append(consumptions, StockConsumption{
			ItemId:      component.ItemId,
			WarehouseId: component.WarehouseId,
			Qty:         component.RequiredQty,
			LineRef:     component.ID,
		})
	}
	consumed, err := ConsumeReservationBatch(tx.WithContext(ctx), businessId, consumptions)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	for idx := range order.Components {
		component := &order.Components[idx]
		component.ConsumedQty = component.RequiredQty
		component.Amount = consumed.LineCosts[component.ID]
		if err := tx.WithContext(ctx).Model(&JobOrderComponent{}).
			Where("id = ?", component.ID).
			Updates(map[string]interface{}{
				"ConsumedQty": component.ConsumedQty,
				"Amount":      component.Amount,
			}).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.WithContext(ctx).Model(&order).
		Updates(map[string]interface{}{
			"CurrentStatus": StatusCompleted,
			"Reservation":   ReservationStatusReleased,
			"TotalCost":     consumed.TotalCost,
		}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	order.CurrentStatus = StatusCompleted
	order.Reservation = ReservationStatusReleased
	order.TotalCost = consumed.TotalCost

	if err := PublishDocumentEvent(ctx, tx, businessId, time.Now(), order.ID, DocumentTypeJobOrder, order, oldOrder, DocumentEventActionTransition); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	EnqueueAuditLog(ctx, AuditActionTransition, order.ID, DocumentTypeJobOrder, fromStatus, StatusCompleted, oldOrder, order)
	return order, nil
}

// CancelJobOrder cancels the order, releasing any held reservation.
func CancelJobOrder(ctx context.Context, id int) (*JobOrder, bool, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, false, errors.New("business id is required")
	}

	tx := db.Begin()
	order, err := lockJobOrder(tx.WithContext(ctx), businessId, id)
	if err != nil {
		tx.Rollback()
		return nil, false, err
	}

	fromStatus := order.CurrentStatus
	if err := transitionRules.AssertTransition(DocumentTypeJobOrder, fromStatus, StatusCancelled); err != nil {
		tx.Rollback()
		return nil, false, err
	}
	oldOrder := *order

	wasReserved := order.Reservation == ReservationStatusReserved
	if wasReserved {
		if err := ReleaseReservationBatch(tx.WithContext(ctx), businessId, order.stockRequests()); err != nil {
			tx.Rollback()
			return nil, false, err
		}
	}

	updates := map[string]interface{}{"CurrentStatus": StatusCancelled}
	if wasReserved {
		updates["Reservation"] = ReservationStatusReleased
	}
	if err := tx.WithContext(ctx).Model(&order).Updates(updates).Error; err != nil {
		tx.Rollback()
		return nil, false, err
	}
	order.CurrentStatus = StatusCancelled
	if wasReserved {
		order.Reservation = ReservationStatusReleased
	}

	if err := PublishDocumentEvent(ctx, tx, businessId, time.Now(), order.ID, DocumentTypeJobOrder, order, oldOrder, DocumentEventActionTransition); err != nil {
		tx.Rollback()
		return nil, false, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, false, err
	}

	EnqueueAuditLog(ctx, AuditActionTransition, order.ID, DocumentTypeJobOrder, fromStatus, StatusCancelled, oldOrder, order)
	return order, wasReserved, nil
}
