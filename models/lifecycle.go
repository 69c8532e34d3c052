package models

import (
	"context"

	"bitbucket.org/mmdatafocus/wms_backend/utils"
)

// LifecycleResult is the uniform answer of a generic lifecycle step.
type LifecycleResult struct {
	DocumentId   int            `json:"document_id"`
	DocumentType DocumentType   `json:"document_type"`
	Status       DocumentStatus `json:"status"`
	WasReserved  bool           `json:"was_reserved"`
}

// DocumentLifecycle is the common surface over the per-type services,
// selected by explicit document-type tag. Submit routes the document into
// review, Approve accepts it, Issue performs the type's physical step
// (issue, store, dispatch, start of work, close of pass, conversion), and
// Cancel aborts it.
type DocumentLifecycle interface {
	Submit(ctx context.Context, id int) (*LifecycleResult, error)
	Approve(ctx context.Context, id int) (*LifecycleResult, error)
	Issue(ctx context.Context, id int) (*LifecycleResult, error)
	Cancel(ctx context.Context, id int) (*LifecycleResult, error)
}

// LifecycleFor returns the service for a document type. Unknown types are
// rejected; the set is closed.
func LifecycleFor(docType DocumentType) (DocumentLifecycle, error) {
	switch docType {
	case DocumentTypeRequisition:
		return requisitionLifecycle{}, nil
	case DocumentTypeGoodsReceipt:
		return goodsReceiptLifecycle{}, nil
	case DocumentTypeMaterialIssue:
		return materialIssueLifecycle{}, nil
	case DocumentTypeJobOrder:
		return jobOrderLifecycle{}, nil
	case DocumentTypeStockTransfer:
		return stockTransferLifecycle{}, nil
	case DocumentTypeGatePass:
		return gatePassLifecycle{}, nil
	default:
		return nil, utils.NewBusinessRuleError("unknown document type %q", string(docType))
	}
}

type requisitionLifecycle struct{}

func (requisitionLifecycle) Submit(ctx context.Context, id int) (*LifecycleResult, error) {
	requisition, err := SubmitRequisition(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LifecycleResult{DocumentId: requisition.ID, DocumentType: DocumentTypeRequisition, Status: requisition.CurrentStatus}, nil
}

func (requisitionLifecycle) Approve(ctx context.Context, id int) (*LifecycleResult, error) {
	requisition, err := ApproveRequisition(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LifecycleResult{DocumentId: requisition.ID, DocumentType: DocumentTypeRequisition, Status: requisition.CurrentStatus}, nil
}

func (requisitionLifecycle) Issue(ctx context.Context, id int) (*LifecycleResult, error) {
	requisition, err := ConvertRequisitionToMaterialIssue(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LifecycleResult{DocumentId: requisition.ID, DocumentType: DocumentTypeRequisition, Status: requisition.CurrentStatus}, nil
}

func (requisitionLifecycle) Cancel(ctx context.Context, id int) (*LifecycleResult, error) {
	requisition, err := CancelRequisition(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LifecycleResult{DocumentId: requisition.ID, DocumentType: DocumentTypeRequisition, Status: requisition.CurrentStatus}, nil
}

type goodsReceiptLifecycle struct{}

func (goodsReceiptLifecycle) Submit(ctx context.Context, id int) (*LifecycleResult, error) {
	receipt, err := SubmitGoodsReceipt(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LifecycleResult{DocumentId: receipt.ID, DocumentType: DocumentTypeGoodsReceipt, Status: receipt.CurrentStatus}, nil
}

// Approve for a goods receipt is the stored step: accepting the goods into
// the warehouse.
func (goodsReceiptLifecycle) Approve(ctx context.Context, id int) (*LifecycleResult, error) {
	receipt, err := StoreGoodsReceipt(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LifecycleResult{DocumentId: receipt.ID, DocumentType: DocumentTypeGoodsReceipt, Status: receipt.CurrentStatus}, nil
}

func (goodsReceiptLifecycle) Issue(ctx context.Context, id int) (*LifecycleResult, error) {
	receipt, err := CompleteGoodsReceipt(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LifecycleResult{DocumentId: receipt.ID, DocumentType: DocumentTypeGoodsReceipt, Status: receipt.CurrentStatus}, nil
}

func (goodsReceiptLifecycle) Cancel(ctx context.Context, id int) (*LifecycleResult, error) {
	receipt, err := CancelGoodsReceipt(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LifecycleResult{DocumentId: receipt.ID, DocumentType: DocumentTypeGoodsReceipt, Status: receipt.CurrentStatus}, nil
}

type materialIssueLifecycle struct{}

func (materialIssueLifecycle) Submit(ctx context.Context, id int) (*LifecycleResult, error) {
	issue, err := SubmitMaterialIssue(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LifecycleResult{DocumentId: issue.ID, DocumentType: DocumentTypeMaterialIssue, Status: issue.CurrentStatus}, nil
}

func (materialIssueLifecycle) Approve(ctx context.Context, id int) (*LifecycleResult, error) {
	issue, err := ApproveMaterialIssue(ctx, id, nil)
	if err != nil {
		return nil, err
	}
	return &LifecycleResult{
		DocumentId:   issue.ID,
		DocumentType: DocumentTypeMaterialIssue,
		Status:       issue.CurrentStatus,
		WasReserved:  issue.Reservation == ReservationStatusReserved,
	}, nil
}

func (materialIssueLifecycle) Issue(ctx context.Context, id int) (*LifecycleResult, error) {
	issue, err := IssueMaterialIssue(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LifecycleResult{DocumentId: issue.ID, DocumentType: DocumentTypeMaterialIssue, Status: issue.CurrentStatus}, nil
}

func (materialIssueLifecycle) Cancel(ctx context.Context, id int) (*LifecycleResult, error) {
	issue, wasReserved, err := CancelMaterialIssue(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LifecycleResult{
		DocumentId:   issue.ID,
		DocumentType: DocumentTypeMaterialIssue,
		Status:       issue.CurrentStatus,
		WasReserved:  wasReserved,
	}, nil
}

type jobOrderLifecycle struct{}

func (jobOrderLifecycle) Submit(ctx context.Context, id int) (*LifecycleResult, error) {
	order, err := SubmitJobOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LifecycleResult{DocumentId: order.ID, DocumentType: DocumentTypeJobOrder, Status: order.CurrentStatus}, nil
}

func (jobOrderLifecycle) Approve(ctx context.Context, id int) (*LifecycleResult, error) {
	order, err := ApproveJobOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LifecycleResult{
		DocumentId:   order.ID,
		DocumentType: DocumentTypeJobOrder,
		Status:       order.CurrentStatus,
		WasReserved:  order.Reservation == ReservationStatusReserved,
	}, nil
}

func (jobOrderLifecycle) Issue(ctx context.Context, id int) (*LifecycleResult, error) {
	order, err := CompleteJobOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LifecycleResult{DocumentId: order.ID, DocumentType: DocumentTypeJobOrder, Status: order.CurrentStatus}, nil
}

func (jobOrderLifecycle) Cancel(ctx context.Context, id int) (*LifecycleResult, error) {
	order, wasReserved, err := CancelJobOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LifecycleResult{
		DocumentId:   order.ID,
		DocumentType: DocumentTypeJobOrder,
		Status:       order.CurrentStatus,
		WasReserved:  wasReserved,
	}, nil
}

type stockTransferLifecycle struct{}

func (stockTransferLifecycle) Submit(ctx context.Context, id int) (*LifecycleResult, error) {
	transfer, err := SubmitStockTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LifecycleResult{DocumentId: transfer.ID, DocumentType: DocumentTypeStockTransfer, Status: transfer.CurrentStatus}, nil
}

func (stockTransferLifecycle) Approve(ctx context.Context, id int) (*LifecycleResult, error) {
	transfer, err := ApproveStockTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LifecycleResult{
		DocumentId:   transfer.ID,
		DocumentType: DocumentTypeStockTransfer,
		Status:       transfer.CurrentStatus,
		WasReserved:  transfer.Reservation == ReservationStatusReserved,
	}, nil
}

func (stockTransferLifecycle) Issue(ctx context.Context, id int) (*LifecycleResult, error) {
	transfer, err := DispatchStockTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LifecycleResult{DocumentId: transfer.ID, DocumentType: DocumentTypeStockTransfer, Status: transfer.CurrentStatus}, nil
}

func (stockTransferLifecycle) Cancel(ctx context.Context, id int) (*LifecycleResult, error) {
	transfer, wasReserved, err := CancelStockTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LifecycleResult{
		DocumentId:   transfer.ID,
		DocumentType: DocumentTypeStockTransfer,
		Status:       transfer.CurrentStatus,
		WasReserved:  wasReserved,
	}, nil
}

type gatePassLifecycle struct{}

// Submit is undefined for gate passes; they are born pending by the
// material issue that created them.
func (gatePassLifecycle) Submit(ctx context.Context, id int) (*LifecycleResult, error) {
	return nil, utils.NewBusinessRuleError("gate passes are created by material issues and cannot be submitted")
}

func (gatePassLifecycle) Approve(ctx context.Context, id int) (*LifecycleResult, error) {
	gatePass, err := ApproveGatePass(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LifecycleResult{DocumentId: gatePass.ID, DocumentType: DocumentTypeGatePass, Status: gatePass.CurrentStatus}, nil
}

func (gatePassLifecycle) Issue(ctx context.Context, id int) (*LifecycleResult, error) {
	gatePass, err := CloseGatePass(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LifecycleResult{DocumentId: gatePass.ID, DocumentType: DocumentTypeGatePass, Status: gatePass.CurrentStatus}, nil
}

func (gatePassLifecycle) Cancel(ctx context.Context, id int) (*LifecycleResult, error) {
	gatePass, err := CancelGatePass(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LifecycleResult{DocumentId: gatePass.ID, DocumentType: DocumentTypeGatePass, Status: gatePass.CurrentStatus}, nil
}
