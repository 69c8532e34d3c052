package utils

import (
	"context"
)

// check if id exists, using ctx's business_id in WHERE, return RecordNotFound Error
func ValidateResourceId[T any](ctx context.Context, businessId string, id interface{}) error {

	count, err := ResourceCountWhere[T](ctx, businessId, "id = ?", id)
	if err != nil {
		return err
	}
	if count <= 0 {
		return ErrorRecordNotFound
	}

	return nil
}

// check if value is unique within the business for the given column,
// excluding id (id = 0 for create)
func ValidateUnique[T any](ctx context.Context, businessId string, column string, value string, id int) error {
	count, err := ResourceCountWhere[T](ctx, businessId, column+" = ? AND id != ?", value, id)
	if err != nil {
		return err
	}
	if count > 0 {
		return NewBusinessRuleError("%s %q already exists", column, value)
	}
	return nil
}
