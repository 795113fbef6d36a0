package eventstore

import (
	"errors"
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PayFox/app/models"
)

var (
	eventNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
	maxAmount        = decimal.NewFromInt(999999999)
)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("eventname", func(fl validator.FieldLevel) bool {
		return eventNamePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("category", func(fl validator.FieldLevel) bool {
		return isKnownCategory(fl.Field().String())
	})
	return v
}

func isKnownCategory(category string) bool {
	for _, c := range models.EventCategories() {
		if c == category {
			return true
		}
	}
	return false
}

func validateBatch(v *validator.Validate, events []EventInput) error {
	if len(events) == 0 || len(events) > MaxBatchSize {
		return &ValidationError{Index: -1, Field: "events", Rule: "len=1..40"}
	}
	for i := range events {
		if err := validateEvent(v, i, &events[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateEvent(v *validator.Validate, index int, e *EventInput) error {
	if err := v.Struct(e); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return &ValidationError{Index: index, Field: fieldErrs[0].Namespace(), Rule: fieldErrs[0].Tag()}
		}
		return &ValidationError{Index: index, Field: "event", Rule: err.Error()}
	}
	if e.Amount != nil && (e.Amount.IsNegative() || e.Amount.GreaterThan(maxAmount)) {
		return &ValidationError{Index: index, Field: "EventInput.Amount", Rule: "range"}
	}
	return nil
}
