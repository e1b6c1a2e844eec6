package utils

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSplitGCSObject(t *testing.T) {
	t.Setenv("GCS_BUCKET", "uploads")

	b, o := splitGCSObject("gs://legacy-dumps/2024/po.xlsx")
	if b != "legacy-dumps" || o != "2024/po.xlsx" {
		t.Fatalf("got %q %q", b, o)
	}
	b, o = splitGCSObject("/imports/po.csv")
	if b != "uploads" || o != "imports/po.csv" {
		t.Fatalf("got %q %q", b, o)
	}
}

func TestSourceObjectKey(t *testing.T) {
	now := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)

	key, err := SourceObjectKey("biz-1", `C:\exports\PO List.xlsx`, now)
	if err != nil {
		t.Fatalf("SourceObjectKey: %v", err)
	}
	if !strings.HasPrefix(key, "imports/biz-1/20240309/") || !strings.HasSuffix(key, "-PO List.xlsx") {
		t.Fatalf("key = %q", key)
	}

	cases := []struct {
		biz, name string
		want      error
	}{
		{"biz-1", "po.pdf", ErrUnsupportedSourceFile},
		{"biz-1", "..", nil},
		{"a/b", "po.csv", nil},
		{"", "po.csv", nil},
	}
	for _, tc := range cases {
		_, err := SourceObjectKey(tc.biz, tc.name, now)
		if err == nil || (tc.want != nil && !errors.Is(err, tc.want)) {
			t.Fatalf("SourceObjectKey(%q,%q) err = %v", tc.biz, tc.name, err)
		}
	}
}

func TestSourceContentType(t *testing.T) {
	if ct, err := SourceContentType("dump.CSV"); err != nil || ct != "text/csv" {
		t.Fatalf("csv = %q %v", ct, err)
	}
	if _, err := SourceContentType("dump"); !errors.Is(err, ErrUnsupportedSourceFile) {
		t.Fatalf("no extension err = %v", err)
	}
}
