package models

import (
	"sort"

	"bitbucket.org/mmdatafocus/wms_backend/utils"
)

// TransitionRules is the frozen per-document-type status graph. It is built
// once at process start and never mutated afterwards; lookups are pure and
// safe for concurrent use.
type TransitionRules struct {
	tables map[DocumentType]map[DocumentStatus][]DocumentStatus
}

// NewTransitionRules deep-copies the given tables so later mutation of the
// caller's maps cannot leak into the frozen rule set.
func NewTransitionRules(tables map[DocumentType]map[DocumentStatus][]DocumentStatus) *TransitionRules {
	frozen := make(map[DocumentType]map[DocumentStatus][]DocumentStatus, len(tables))
	for docType, table := range tables {
		t := make(map[DocumentStatus][]DocumentStatus, len(table))
		for from, next := range table {
			t[from] = append([]DocumentStatus(nil), next...)
		}
		frozen[docType] = t
	}
	return &TransitionRules{tables: frozen}
}

// DefaultTransitionRules builds the fixed status graphs for all six document
// types. The only backward edge is rejected -> draft (resubmission).
func DefaultTransitionRules() *TransitionRules {
	return NewTransitionRules(map[DocumentType]map[DocumentStatus][]DocumentStatus{
		DocumentTypeRequisition: {
			StatusDraft:         {StatusPending, StatusCancelled},
			StatusPending:       {StatusApproved, StatusRejected, StatusCancelled},
			StatusApproved:      {StatusFromStock, StatusNeedsPurchase, StatusCancelled},
			StatusFromStock:     {StatusFulfilled, StatusCancelled},
			StatusNeedsPurchase: {StatusFulfilled, StatusCancelled},
			StatusRejected:      {StatusDraft},
			StatusFulfilled:     {},
			StatusCancelled:     {},
		},
		DocumentTypeMaterialIssue: {
			StatusDraft:     {StatusPending, StatusCancelled},
			StatusPending:   {StatusApproved, StatusRejected, StatusCancelled},
			StatusApproved:  {StatusIssued, StatusCancelled},
			StatusIssued:    {StatusCompleted},
			StatusRejected:  {StatusDraft},
			StatusCompleted: {},
			StatusCancelled: {},
		},
		DocumentTypeGoodsReceipt: {
			StatusDraft:      {StatusPending, StatusCancelled},
			StatusPending:    {StatusInspecting, StatusStored, StatusRejected, StatusCancelled},
			StatusInspecting: {StatusStored, StatusRejected, StatusCancelled},
			StatusStored:     {StatusCompleted},
			StatusRejected:   {StatusDraft},
			StatusCompleted:  {},
			StatusCancelled:  {},
		},
		DocumentTypeJobOrder: {
			StatusDraft:      {StatusPending, StatusCancelled},
			StatusPending:    {StatusApproved, StatusRejected, StatusCancelled},
			StatusApproved:   {StatusInProgress, StatusCancelled},
			StatusInProgress: {StatusCompleted, StatusCancelled},
			StatusRejected:   {StatusDraft},
			StatusCompleted:  {},
			StatusCancelled:  {},
		},
		DocumentTypeStockTransfer: {
			StatusDraft:     {StatusPending, StatusCancelled},
			StatusPending:   {StatusApproved, StatusRejected, StatusCancelled},
			StatusApproved:  {StatusInTransit, StatusCancelled},
			StatusInTransit: {StatusReceived},
			StatusRejected:  {StatusDraft},
			StatusReceived:  {},
			StatusCancelled: {},
		},
		DocumentTypeGatePass: {
			StatusPending:   {StatusApproved, StatusCancelled},
			StatusApproved:  {StatusClosed, StatusCancelled},
			StatusClosed:    {},
			StatusCancelled: {},
		},
	})
}

// CanTransition reports whether from -> to is a legal edge for docType.
// Unknown document types and unknown from-statuses are always illegal.
func (r *TransitionRules) CanTransition(docType DocumentType, from, to DocumentStatus) bool {
	table, ok := r.tables[docType]
	if !ok {
		return false
	}
	next, ok := table[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// NextStatuses returns the legal next statuses from the given status,
// sorted for stable output. Unknown type or status yields nil.
func (r *TransitionRules) NextStatuses(docType DocumentType, from DocumentStatus) []DocumentStatus {
	table, ok := r.tables[docType]
	if !ok {
		return nil
	}
	next, ok := table[from]
	if !ok {
		return nil
	}
	out := append([]DocumentStatus(nil), next...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsTerminal reports whether status has no outgoing edges for docType.
// Unknown statuses are not terminal, they are unknown; AssertTransition
// still rejects them.
func (r *TransitionRules) IsTerminal(docType DocumentType, status DocumentStatus) bool {
	table, ok := r.tables[docType]
	if !ok {
		return false
	}
	next, ok := table[status]
	if !ok {
		return false
	}
	return len(next) == 0
}

// AssertTransition is the single call site lifecycle services use. It fails
// closed and returns an *utils.InvalidTransitionError naming the document
// type, the attempted edge and the legal alternatives.
func (r *TransitionRules) AssertTransition(docType DocumentType, from, to DocumentStatus) error {
	if r.CanTransition(docType, from, to) {
		return nil
	}
	allowed := r.NextStatuses(docType, from)
	allowedStr := make([]string, 0, len(allowed))
	for _, s := range allowed {
		allowedStr = append(allowedStr, string(s))
	}
	return &utils.InvalidTransitionError{
		DocType:  string(docType),
		From:     string(from),
		To:       string(to),
		Allowed:  allowedStr,
		Terminal: r.IsTerminal(docType, from),
	}
}

// KnownStatuses returns every status appearing as a key in docType's table.
func (r *TransitionRules) KnownStatuses(docType DocumentType) []DocumentStatus {
	table, ok := r.tables[docType]
	if !ok {
		return nil
	}
	out := make([]DocumentStatus, 0, len(table))
	for s := range table {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DocumentTypes returns every document type the rule set knows about.
func (r *TransitionRules) DocumentTypes() []DocumentType {
	out := make([]DocumentType, 0, len(r.tables))
	for t := range r.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// transitionRules is the process-wide rule set used by the lifecycle
// services. Tests construct their own via NewTransitionRules.
var transitionRules = DefaultTransitionRules()

// Rules exposes the process-wide transition rule set.
func Rules() *TransitionRules {
	return transitionRules
}
