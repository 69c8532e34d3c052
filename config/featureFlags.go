package config

import (
	"os"
	"strings"
)

// DebugDocFor enables verbose lifecycle logging per document type.
//
// Set via env:
// - DEBUG_DOCS="MATERIAL_ISSUE,GOODS_RECEIPT,REQUISITION,STOCK_TRANSFER,JOB_ORDER,GATE_PASS"
//
// Doc keys are case-insensitive.
func DebugDocFor(doc string) bool {
	doc = strings.ToUpper(strings.TrimSpace(doc))
	if doc == "" {
		return false
	}
	raw := os.Getenv("DEBUG_DOCS")
	if strings.TrimSpace(raw) == "" {
		return false
	}
	for _, part := range strings.Split(raw, ",") {
		if strings.ToUpper(strings.TrimSpace(part)) == doc {
			return true
		}
	}
	return false
}
