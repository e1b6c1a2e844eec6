package importer

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ttacon/libphonenumber"
	"github.com/xuri/excelize/v2"

	"github.com/mmdatafocus/ops_backend/utils"
)

var (
	errInvalidInt   = errors.New("not a whole number")
	errInvalidDate  = errors.New("unrecognized date")
	errInvalidPhone = errors.New("invalid phone number")
	errInvalidBool  = errors.New("not a yes/no value")
)

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
	"1/2/06",
	"02-Jan-2006",
	"2-Jan-06",
	"Jan 2, 2006",
	"January 2, 2006",
	"01-02-06",
}

func parseValue(kind FieldKind, s string, opts Options) (any, error) {
	switch kind {
	case KindDecimal:
		return utils.ParseDecimal(s)
	case KindInt:
		return parseInt(s)
	case KindDate:
		return parseDate(s)
	case KindPhone:
		return parsePhone(s, opts.PhoneRegion)
	case KindBool:
		return parseBool(s)
	default:
		return s, nil
	}
}

// parseInt accepts "1998" and the float rendering "1998.0" spreadsheets produce.
func parseInt(s string) (int, error) {
	clean := strings.ReplaceAll(s, ",", "")
	if n, err := strconv.Atoi(clean); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(clean, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %q", errInvalidInt, s)
	}
	return int(f), nil
}

// parseDate accepts the common text layouts and Excel serial day numbers.
func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if serial, err := strconv.ParseFloat(s, 64); err == nil && serial >= 1 && serial < 2958466 {
		t, err := excelize.ExcelDateToTime(serial, false)
		if err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", errInvalidDate, s)
}

// parsePhone normalizes to E.164 using region for numbers without a country code.
func parsePhone(s, region string) (string, error) {
	if region == "" {
		region = "US"
	}
	num, err := libphonenumber.Parse(s, region)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", errInvalidPhone, s, err)
	}
	if !libphonenumber.IsValidNumber(num) {
		return "", fmt.Errorf("%w: %q", errInvalidPhone, s)
	}
	return libphonenumber.Format(num, libphonenumber.E164), nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "y", "x":
		return true, nil
	case "false", "0", "no", "n":
		return false, nil
	}
	return false, fmt.Errorf("%w: %q", errInvalidBool, s)
}
