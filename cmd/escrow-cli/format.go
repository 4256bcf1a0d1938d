package main

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

const (
	unitDecimals = 6
	microPerUnit = 1_000_000
)

// formatUnits renders a micro-unit amount as a decimal unit string, dropping
// trailing zeros: 10050000 -> "10.05".
func formatUnits(micro uint64) string {
	whole := micro / microPerUnit
	frac := micro % microPerUnit
	if frac == 0 {
		return strconv.FormatUint(whole, 10)
	}
	fracStr := strings.TrimRight(fmt.Sprintf("%0*d", unitDecimals, frac), "0")
	return strconv.FormatUint(whole, 10) + "." + fracStr
}

// parseUnits converts a decimal unit string to micro-units without floating
// point. At most six fractional digits are accepted.
func parseUnits(value string) (uint64, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return 0, fmt.Errorf("amount is required")
	}
	if strings.HasPrefix(trimmed, "-") {
		return 0, fmt.Errorf("amount must not be negative")
	}
	trimmed = strings.TrimPrefix(trimmed, "+")
	parts := strings.Split(trimmed, ".")
	if len(parts) > 2 {
		return 0, fmt.Errorf("invalid amount %q", value)
	}
	wholeStr, fracStr := parts[0], ""
	if len(parts) == 2 {
		fracStr = parts[1]
	}
	if wholeStr == "" && fracStr == "" {
		return 0, fmt.Errorf("invalid amount %q", value)
	}
	if len(fracStr) > unitDecimals {
		return 0, fmt.Errorf("amount %q has more than %d decimal places", value, unitDecimals)
	}
	var whole uint64
	if wholeStr != "" {
		parsed, err := strconv.ParseUint(wholeStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid amount %q", value)
		}
		whole = parsed
	}
	var frac uint64
	if fracStr != "" {
		parsed, err := strconv.ParseUint(fracStr+strings.Repeat("0", unitDecimals-len(fracStr)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid amount %q", value)
		}
		frac = parsed
	}
	hi, lo := bits.Mul64(whole, microPerUnit)
	if hi != 0 {
		return 0, fmt.Errorf("amount %q overflows", value)
	}
	total, carry := bits.Add64(lo, frac, 0)
	if carry != 0 {
		return 0, fmt.Errorf("amount %q overflows", value)
	}
	return total, nil
}

// formatDuration renders seconds in the largest whole unit: 45s, 70m, 3h, 2d.
func formatDuration(seconds uint64) string {
	switch {
	case seconds < 60:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%dm", seconds/60)
	case seconds < 86400:
		return fmt.Sprintf("%dh", seconds/3600)
	default:
		return fmt.Sprintf("%dd", seconds/86400)
	}
}

// parseLockDuration accepts plain seconds, Go durations ("90m") or whole days
// ("7d") and returns seconds.
func parseLockDuration(value string) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || trimmed == "0" {
		return 0, nil
	}
	if secs, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
		return secs, nil
	}
	if strings.HasSuffix(trimmed, "d") || strings.HasSuffix(trimmed, "D") {
		days, err := strconv.ParseUint(trimmed[:len(trimmed)-1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid lock duration %q", value)
		}
		hi, secs := bits.Mul64(days, 86400)
		if hi != 0 {
			return 0, fmt.Errorf("lock duration %q overflows", value)
		}
		return secs, nil
	}
	dur, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid lock duration %q", value)
	}
	if dur < 0 {
		return 0, fmt.Errorf("lock duration must not be negative")
	}
	return uint64(dur / time.Second), nil
}

// normalizeText folds compatibility forms (fullwidth letters, ligatures,
// non-breaking spaces) to their canonical equivalents so text typed from a
// non-ASCII keyboard layout passes the ledger's printable ASCII check.
func normalizeText(value string) string {
	return strings.TrimSpace(norm.NFKC.String(value))
}
