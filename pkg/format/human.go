package format

import (
	"fmt"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// Number formats a count with thousand separators.
// Example: Number(1234567) => "1,234,567"
func Number(n int64) string {
	return printer.Sprintf("%d", n)
}

// Rate formats an events-per-second figure.
// Example: Rate(250, 10) => "25.0/s"
func Rate(count int64, seconds float64) string {
	if seconds <= 0 {
		return "0.0/s"
	}
	return fmt.Sprintf("%.1f/s", float64(count)/seconds)
}
