package validation

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	phonePattern   = regexp.MustCompile(`^\+?[0-9][0-9 ().-]{5,19}$`)
	amountPattern  = regexp.MustCompile(`^\d+(\.\d{1,8})?$`)
	ethPattern     = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	btcPattern     = regexp.MustCompile(`^(bc1[a-z0-9]{25,59}|[13][a-km-zA-HJ-NP-Z1-9]{25,34})$`)
	tronPattern    = regexp.MustCompile(`^T[1-9A-HJ-NP-Za-km-z]{33}$`)
	genericPattern = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
)

// ValidationError carries the failed rules of a request
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, rule := range e.Fields {
		parts = append(parts, field+" failed "+rule)
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// Validator wraps the validator library with custom validation rules
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a new validator instance
func NewValidator() *Validator {
	v := validator.New()

	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})

	_ = v.RegisterValidation("phone_number", validatePhoneNumber)
	_ = v.RegisterValidation("safe_string", validateSafeString)
	_ = v.RegisterValidation("blockchain_address", validateBlockchainAddress)
	_ = v.RegisterValidation("amount", validateAmount)
	_ = v.RegisterValidation("positive_amount", validatePositiveAmount)

	return &Validator{validate: v}
}

// Validate validates a struct and returns a *ValidationError on failure
func (v *Validator) Validate(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	out := &ValidationError{Fields: make(map[string]string, len(fieldErrs))}
	for _, fe := range fieldErrs {
		out.Fields[fe.Namespace()] = fe.Tag()
	}
	return out
}

// validatePhoneNumber accepts local and international numbers with common separators
func validatePhoneNumber(fl validator.FieldLevel) bool {
	return phonePattern.MatchString(strings.TrimSpace(fl.Field().String()))
}

// validateSafeString rejects markup and quoting characters in identifiers
func validateSafeString(fl validator.FieldLevel) bool {
	str := strings.ToLower(fl.Field().String())
	for _, pattern := range []string{"<", ">", "\"", "'", "&", "/*", "*/", "--", ";", "\\", "javascript:"} {
		if strings.Contains(str, pattern) {
			return false
		}
	}
	return true
}

func validateBlockchainAddress(fl validator.FieldLevel) bool {
	address := strings.TrimSpace(fl.Field().String())
	return ethPattern.MatchString(address) ||
		btcPattern.MatchString(address) ||
		tronPattern.MatchString(address) ||
		genericPattern.MatchString(address)
}

// validateAmount validates monetary amounts
func validateAmount(fl validator.FieldLevel) bool {
	return amountPattern.MatchString(fl.Field().String())
}

func validatePositiveAmount(fl validator.FieldLevel) bool {
	d, err := decimal.NewFromString(fl.Field().String())
	if err != nil {
		return false
	}
	return d.IsPositive()
}
