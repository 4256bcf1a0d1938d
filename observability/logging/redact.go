package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces credential material in log output.
const RedactedValue = "[REDACTED]"

// ledgerKeys are emitted verbatim by MaskField. Keys are compared lower-cased.
var ledgerKeys = map[string]struct{}{
	"service":           {},
	"env":               {},
	"message":           {},
	"severity":          {},
	"timestamp":         {},
	"error":             {},
	"reason":            {},
	"code":              {},
	"method":            {},
	"operation":         {},
	"requestid":         {},
	"addr":              {},
	"path":              {},
	"escrow_id":         {},
	"status":            {},
	"type":              {},
	"amount":            {},
	"fee":               {},
	"net":               {},
	"favor_beneficiary": {},
	"storage":           {},
	"vault":             {},
	"audit_head":        {},
}

// credentialMarkers flag keys that the handler always masks, whoever logs them.
var credentialMarkers = []string{"secret", "token", "authorization", "password", "passphrase"}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// IsAllowlisted reports whether key is a ledger field that MaskField passes
// through.
func IsAllowlisted(key string) bool {
	_, ok := ledgerKeys[normalizeKey(key)]
	return ok
}

// IsCredential reports whether key names secret material.
func IsCredential(key string) bool {
	normalized := normalizeKey(key)
	for _, marker := range credentialMarkers {
		if strings.Contains(normalized, marker) {
			return true
		}
	}
	return false
}

// RedactionAllowlist returns the pass-through keys in sorted order.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(ledgerKeys))
	for key := range ledgerKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskField returns value under key unless key is not a known ledger field,
// in which case non-empty values are replaced with RedactedValue.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || (IsAllowlisted(key) && !IsCredential(key)) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// redactAttr masks string attributes whose key names a credential. It runs
// inside the JSON handler so a stray slog.String("token", ...) never reaches
// the log sink.
func redactAttr(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() != slog.KindString || !IsCredential(attr.Key) {
		return attr
	}
	if v := attr.Value.String(); v == "" || v == RedactedValue {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}
