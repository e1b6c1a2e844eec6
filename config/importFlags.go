package config

import (
	"os"
	"strings"
	"time"
)

// Import policy knobs. Business policy lives here, not in the algorithms.
//
// Set via env:
// - PO_TYPE_PRIORITY="Seed,Greengood,Hardgood,Supplies" tie-break order for PO type votes
// - PO_TYPE_DEFAULT="Supplies" type used when no line item produced a hint (empty = leave unset)
// - IMPORT_MATCH_WORKERS=8 concurrent row matchers per batch
// - IMPORT_FUZZY_DISTANCE=0 max Levenshtein distance for the fuzzy strategy (0 disables it)
// - IMPORT_LOCK_TTL_SECONDS=60 advisory lock TTL, refreshed while a run is active
// - PHONE_DEFAULT_REGION="US" region used to parse phone numbers without a country code
// - IMPORT_UPLOAD_URL_TTL_MINUTES=15 lifetime of signed source upload URLs

const defaultPoTypePriority = "Seed,Greengood,Hardgood,Supplies"

func PoTypePriority() []string {
	raw := os.Getenv("PO_TYPE_PRIORITY")
	if strings.TrimSpace(raw) == "" {
		raw = defaultPoTypePriority
	}
	return SplitAndTrim(raw)
}

func PoTypeDefault() string {
	return strings.TrimSpace(os.Getenv("PO_TYPE_DEFAULT"))
}

func ImportMatchWorkers() int {
	n := intFromEnv("IMPORT_MATCH_WORKERS", 8)
	if n <= 0 {
		return 1
	}
	return n
}

func ImportFuzzyDistance() int {
	n := intFromEnv("IMPORT_FUZZY_DISTANCE", 0)
	if n < 0 {
		return 0
	}
	return n
}

func ImportLockTTL() time.Duration {
	return time.Duration(intFromEnv("IMPORT_LOCK_TTL_SECONDS", 60)) * time.Second
}

func ImportUploadURLTTL() time.Duration {
	n := intFromEnv("IMPORT_UPLOAD_URL_TTL_MINUTES", 15)
	if n <= 0 {
		n = 15
	}
	return time.Duration(n) * time.Minute
}

func PhoneDefaultRegion() string {
	region := strings.ToUpper(strings.TrimSpace(os.Getenv("PHONE_DEFAULT_REGION")))
	if region == "" {
		return "US"
	}
	return region
}

func EnvBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

func SplitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
