package services

import (
	"reflect"
	"strings"

	"example.com/fooddelivery/services/orders/internal/domain"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	// Report JSON field names so errors match what the client sent.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation("cancelled_by", func(fl validator.FieldLevel) bool {
		return domain.CancelledBy(fl.Field().String()).Valid()
	})
	_ = validate.RegisterValidation("order_status", func(fl validator.FieldLevel) bool {
		return domain.Status(fl.Field().String()).Valid()
	})
}

// validateStruct converts the first validator failure into a domain.ValidationError.
func validateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return errors.Wrap(domain.ErrValidation, err.Error())
	}

	fe := verrs[0]
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	return domain.NewValidationError(field, describe(fe))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "min":
		return "must have at least " + fe.Param() + " entries"
	case "oneof":
		return "must be one of " + fe.Param()
	case "cancelled_by":
		return "must be CUSTOMER, RESTAURANT or SYSTEM"
	case "order_status":
		return "is not a known order status"
	case "gte", "lte":
		return "is out of range"
	}
	return "is invalid"
}
