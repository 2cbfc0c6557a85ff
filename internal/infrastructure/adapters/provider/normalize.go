package provider

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/rail-service/payout_service/internal/domain/entities"
)

var nonDigits = regexp.MustCompile(`[^0-9]`)

// Phone is a normalized recipient number
type Phone struct {
	// National is the subscriber number without the country prefix
	National string
	// Prefix is the dialing prefix without "+"
	Prefix string
}

// International returns prefix and national number concatenated
func (p Phone) International() string {
	return p.Prefix + p.National
}

// Format returns the number in the shape the route expects
func (p Phone) Format(c entities.Constraints) string {
	if c.RequiresCountryPrefix {
		return p.International()
	}
	return p.National
}

// NormalizePhone strips non-digits and splits off the dialing prefix when present
func NormalizePhone(raw, dialPrefix string) (Phone, error) {
	digits := nonDigits.ReplaceAllString(raw, "")
	digits = strings.TrimPrefix(digits, "00")
	if digits == "" {
		return Phone{}, fmt.Errorf("%w: phone number has no digits", entities.ErrInvalidPayoutRequest)
	}
	if dialPrefix != "" && strings.HasPrefix(digits, dialPrefix) && len(digits) > len(dialPrefix)+6 {
		digits = digits[len(dialPrefix):]
	}
	if len(digits) < 6 || len(digits) > 12 {
		return Phone{}, fmt.Errorf("%w: phone number length %d out of range", entities.ErrInvalidPayoutRequest, len(digits))
	}
	return Phone{National: digits, Prefix: dialPrefix}, nil
}

// SanitizeDescription folds accents, drops characters outside the allowed
// class, trims to the maximum length and falls back to the default when the
// result is shorter than the minimum.
func SanitizeDescription(raw string, c entities.Constraints) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), raw)
	if err != nil {
		folded = raw
	}

	out := folded
	if c.DescriptionCharset != "" {
		disallowed, err := regexp.Compile("[^" + c.DescriptionCharset + "]")
		if err == nil {
			out = disallowed.ReplaceAllString(out, "")
		}
	}
	out = strings.Join(strings.Fields(out), " ")

	if c.DescriptionMaxLength > 0 && len(out) > c.DescriptionMaxLength {
		out = strings.TrimSpace(out[:c.DescriptionMaxLength])
	}
	if len(out) < c.DescriptionMinLength || out == "" {
		return c.DefaultDescription
	}
	return out
}

// CheckAmount enforces the route limits
func CheckAmount(req *entities.PayoutRequest, c entities.Constraints, providerID string) error {
	if !c.MinAmount.IsZero() && req.Amount.LessThan(c.MinAmount) {
		return &entities.TerminalError{
			Provider: providerID,
			Code:     "amount_below_minimum",
			Message:  fmt.Sprintf("amount %s is below the minimum of %s", req.Amount.String(), c.MinAmount.String()),
		}
	}
	if !c.MaxAmount.IsZero() && req.Amount.GreaterThan(c.MaxAmount) {
		return &entities.TerminalError{
			Provider: providerID,
			Code:     "amount_above_maximum",
			Message:  fmt.Sprintf("amount %s exceeds the maximum of %s", req.Amount.String(), c.MaxAmount.String()),
		}
	}
	if !c.AmountMultipleOf.IsZero() && !req.Amount.Mod(c.AmountMultipleOf).IsZero() {
		return &entities.TerminalError{
			Provider: providerID,
			Code:     "amount_not_multiple",
			Message:  fmt.Sprintf("amount %s must be a multiple of %s", req.Amount.String(), c.AmountMultipleOf.String()),
		}
	}
	if c.Currency != "" && !strings.EqualFold(c.Currency, req.Currency) {
		return &entities.TerminalError{
			Provider: providerID,
			Code:     "currency_mismatch",
			Message:  fmt.Sprintf("route pays out %s, request is in %s", c.Currency, req.Currency),
		}
	}
	return nil
}

// InvalidDestination wraps a normalization failure as a terminal provider error
func InvalidDestination(providerID string, err error) error {
	return &entities.TerminalError{Provider: providerID, Code: "invalid_destination", Message: err.Error(), Err: err}
}
