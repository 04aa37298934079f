package model

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/klytics/sheetkit/internal/cellref"
)

// ErrInvalid marks input that failed validation.
var ErrInvalid = errors.New("invalid input")

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		RegisterValidations(validate)
	})
	return validate
}

// RegisterValidations installs the custom tags used by the model on v.
func RegisterValidations(v *validator.Validate) {
	_ = v.RegisterValidation("cellref", func(fl validator.FieldLevel) bool {
		return cellref.Valid(fl.Field().String())
	})
	_ = v.RegisterValidation("cellrange", func(fl validator.FieldLevel) bool {
		return cellref.ValidRange(fl.Field().String())
	})
	_ = v.RegisterValidation("sheetname", func(fl validator.FieldLevel) bool {
		return ValidSheetName(fl.Field().String())
	})
}

// Validate checks the struct tags of v and returns an error wrapping ErrInvalid.
func Validate(v interface{}) error {
	err := validatorInstance().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, describe(fe))
		}
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
	}
	return fmt.Errorf("%w: %v", ErrInvalid, err)
}

func describe(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "len", "hexcolor":
		return field + " must be a #RRGGBB color"
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "email":
		return field + " must be a valid email address"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "cellref":
		return field + " must be an A1 cell reference"
	case "cellrange":
		return field + " must be a cell range like A1:C3"
	case "sheetname":
		return field + " contains characters not allowed in sheet names"
	}
	return fmt.Sprintf("%s failed %s", field, fe.Tag())
}

// ValidSheetName reports whether name is usable as an xlsx sheet name.
func ValidSheetName(name string) bool {
	if strings.TrimSpace(name) == "" || len([]rune(name)) > 31 {
		return false
	}
	if strings.HasPrefix(name, "'") || strings.HasSuffix(name, "'") {
		return false
	}
	return !strings.ContainsAny(name, `:\/?*[]`)
}
