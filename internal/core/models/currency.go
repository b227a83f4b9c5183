package models

import "strings"

type Currency struct {
	Code          string `json:"code" db:"code"`                       // ISO 4217, for example "USD"
	Name          string `json:"name" db:"name"`                       // Full currency name
	MinorUnitName string `json:"minor_unit_name" db:"minor_unit_name"` // "cent", "kopeck"
	Exponent      int32  `json:"exponent" db:"exponent"`               // Digits after the decimal point: 2 for USD, 0 for JPY
}

var currencies = map[string]Currency{
	"USD": {Code: "USD", Name: "US Dollar", MinorUnitName: "cent", Exponent: 2},
	"EUR": {Code: "EUR", Name: "Euro", MinorUnitName: "cent", Exponent: 2},
	"GBP": {Code: "GBP", Name: "Pound Sterling", MinorUnitName: "penny", Exponent: 2},
	"RUB": {Code: "RUB", Name: "Russian Ruble", MinorUnitName: "kopeck", Exponent: 2},
	"JPY": {Code: "JPY", Name: "Yen", MinorUnitName: "", Exponent: 0},
	"KWD": {Code: "KWD", Name: "Kuwaiti Dinar", MinorUnitName: "fils", Exponent: 3},
}

// LookupCurrency resolves a currency code case-insensitively.
func LookupCurrency(code string) (Currency, bool) {
	c, ok := currencies[strings.ToUpper(strings.TrimSpace(code))]
	return c, ok
}
