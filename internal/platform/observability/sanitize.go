package observability

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

const defaultStringLimit = 256

// routeParams maps a path segment to the placeholder for the identifier that follows it. Raw
// paths are only seen before chi has matched a route, or for requests that matched nothing.
var routeParams = map[string]string{
	"intent":   "{checkoutID}",
	"callback": "{provider}",
	"orders":   "{orderID}",
	"stock":    "{productID}",
}

// staticSegments are literal routes that sit where an identifier would.
var staticSegments = map[string]struct{}{
	"stream": {},
}

// sanitizeString drops control characters other than whitespace and truncates to limit runes.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = defaultStringLimit
	}
	var b strings.Builder
	n := 0
	for _, r := range value {
		if n == limit {
			break
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// SanitizeRoute returns a low-cardinality route for logs, span names and metrics. Chi patterns pass
// through; raw paths have checkout, order, product and provider identifiers replaced by
// placeholders.
func SanitizeRoute(route string) string {
	route = sanitizeString(route, 180)
	if route == "" {
		return "/"
	}
	if strings.Contains(route, "{") {
		return route
	}
	segments := strings.Split(route, "/")
	for i := 1; i < len(segments); i++ {
		placeholder, ok := routeParams[segments[i-1]]
		if !ok || segments[i] == "" {
			continue
		}
		if _, static := staticSegments[segments[i]]; static {
			continue
		}
		segments[i] = placeholder
	}
	return strings.Join(segments, "/")
}

func SanitizeMethod(method string) string {
	return sanitizeString(strings.ToUpper(strings.TrimSpace(method)), 10)
}

// SanitizeUserID pseudonymises a buyer or operator uid. The same uid always maps to the same
// value, so one caller's requests can still be correlated.
func SanitizeUserID(uid string) string {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(uid))
	return "u_" + hex.EncodeToString(sum[:8])
}

// SanitizeIdentifier cleans a checkout, order or provider id before it is logged.
func SanitizeIdentifier(id string) string {
	return sanitizeString(strings.TrimSpace(id), 128)
}
