package rest

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

// Letters (Latin and Cyrillic), digits, space, hyphen.
var parcelNameRe = regexp.MustCompile(`^[a-zA-Zа-яА-ЯёЁ0-9\- ]+$`)

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("parcel_name", func(fl validator.FieldLevel) bool {
		return parcelNameRe.MatchString(fl.Field().String())
	})
}

type RegisterParcelRequest struct {
	Name              string  `json:"name" validate:"required,min=2,max=255,parcel_name"`
	WeightKg          float64 `json:"weight_kg" validate:"min=0.01,max=100"`
	TypeID            int     `json:"type_id" validate:"min=1,max=3"`
	CostAdjustmentUSD float64 `json:"cost_adjustment_usd" validate:"min=0.1,max=1000000"`
}

// applyDefaults trims the name and fills the documented defaults for
// omitted numeric fields before validation runs.
func (r *RegisterParcelRequest) applyDefaults() {
	r.Name = strings.TrimSpace(r.Name)
	if r.WeightKg == 0 {
		r.WeightKg = 0.01
	}
	if r.TypeID == 0 {
		r.TypeID = 1
	}
	if r.CostAdjustmentUSD == 0 {
		r.CostAdjustmentUSD = 0.1
	}
}

type BindCompanyRequest struct {
	CompanyID int `json:"company_id" validate:"required,min=1"`
}

// validateRequest runs struct validation and flattens violations into a
// single user-facing message.
func validateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	messages := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		messages = append(messages, formatFieldError(fe))
	}
	return fmt.Errorf("%s", strings.Join(messages, "; "))
}

func formatFieldError(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "parcel_name":
		return fmt.Sprintf("%s can only contain letters, digits, spaces and hyphens", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
