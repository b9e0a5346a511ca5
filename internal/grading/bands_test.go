package grading

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

func TestDefaultBands_Boundaries(t *testing.T) {
	tests := []struct {
		percentage string
		grade      string
		remark     string
	}{
		{"100", "A", "Excellent"},
		{"70", "A", "Excellent"},
		{"69.99", "B", "Very Good"},
		{"60", "B", "Very Good"},
		{"59.99", "C", "Good"},
		{"50", "C", "Good"},
		{"49.99", "D", "Pass"},
		{"45", "D", "Pass"},
		{"44.99", "F", "Fail"},
		{"0", "F", "Fail"},
	}

	bands := DefaultBands()
	for _, tc := range tests {
		t.Run(tc.percentage, func(t *testing.T) {
			got := bands.Classify(decimal.RequireFromString(tc.percentage))
			if got.Grade != tc.grade || got.Remark != tc.remark {
				t.Fatalf("expected %s/%s, got %s/%s", tc.grade, tc.remark, got.Grade, got.Remark)
			}
		})
	}
}

func TestParseBands(t *testing.T) {
	data := []byte(`
bands:
  - {min: 0, grade: F, remark: Fail}
  - {min: 80, grade: A, remark: Distinction}
  - {min: 40, grade: P, remark: Pass}
`)
	bands, err := ParseBands(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bands) != 3 || bands[0].Grade != "A" || bands[2].Grade != "F" {
		t.Fatalf("bands not sorted by threshold: %+v", bands)
	}
	if got := bands.Classify(decimal.RequireFromString("79.99")); got.Grade != "P" {
		t.Fatalf("expected P, got %s", got.Grade)
	}
}

func TestParseBands_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "empty", data: "bands: []"},
		{name: "duplicate threshold", data: "bands:\n  - {min: 50, grade: A}\n  - {min: 50, grade: B}\n"},
		{name: "missing grade", data: "bands:\n  - {min: 50}\n"},
		{name: "not yaml", data: "bands: [\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseBands([]byte(tc.data)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadBands(t *testing.T) {
	bands, err := LoadBands("")
	if err != nil || len(bands) != len(DefaultBands()) {
		t.Fatalf("expected defaults, got %v %v", bands, err)
	}

	path := filepath.Join(t.TempDir(), "bands.yaml")
	if err := os.WriteFile(path, []byte("bands:\n  - {min: 0, grade: X, remark: Any}\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	bands, err = LoadBands(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bands[0].Grade != "X" {
		t.Fatalf("expected X, got %s", bands[0].Grade)
	}

	if _, err := LoadBands(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
