package handler

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Nzyazin/fanledger/internal/core/models"
	"github.com/shopspring/decimal"
)

var amountRegexp = regexp.MustCompile(`^\d{1,15}([.,]\d{1,6})?$`)

// parseAmount converts a major-unit decimal string such as "12.50" into
// integer minor units of currency. Amounts finer than the currency's minor
// unit are rejected rather than rounded.
func parseAmount(raw string, currency models.Currency) (int64, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(raw), ",", ".")
	if !amountRegexp.MatchString(cleaned) {
		return 0, fmt.Errorf("invalid amount format: %q", raw)
	}

	amount, err := decimal.NewFromString(cleaned)
	if err != nil {
		return 0, fmt.Errorf("could not parse amount: %v", err)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return 0, fmt.Errorf("amount must be positive")
	}

	minor := amount.Shift(currency.Exponent)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%s allows at most %d decimal places", currency.Code, currency.Exponent)
	}
	return minor.IntPart(), nil
}

// formatAmount renders minor units of currency as a fixed-point string.
func formatAmount(minor int64, currencyCode string) string {
	exp := int32(2)
	if c, ok := models.LookupCurrency(currencyCode); ok {
		exp = c.Exponent
	}
	return decimal.New(minor, -exp).StringFixed(exp)
}
