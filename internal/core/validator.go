package core

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"rastermill/internal/types"
)

// Validator wraps go-playground/validator so handlers translate struct
// validation failures into the standard AppError shape.
type Validator struct {
	v *validator.Validate
}

// NewValidator creates the shared request validator.
func NewValidator() *Validator {
	return &Validator{v: validator.New()}
}

// ValidateStruct validates a request payload. Failures become a 400
// AppError listing the offending fields.
func (val *Validator) ValidateStruct(s any) error {
	err := val.v.Struct(s)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return types.NewAppError(types.ErrCodeValidationMissingField, "request validation failed", err)
	}

	fields := make([]string, 0, len(verrs))
	details := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		name := strings.ToLower(fe.Field())
		fields = append(fields, name)
		details[name] = fmt.Sprintf("failed %q constraint", fe.Tag())
	}
	return types.NewAppErrorWithDetails(
		types.ErrCodeValidationMissingField,
		fmt.Sprintf("invalid request fields: %s", strings.Join(fields, ", ")),
		err,
		details,
	)
}
