package grading

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/stemsi/exstem-cbt/internal/model"
)

// Band maps every percentage >= Min to a letter grade.
type Band struct {
	Min    decimal.Decimal
	Grade  string
	Remark string
}

// Bands is evaluated top to bottom; the first band whose Min is reached wins.
// The last band acts as the floor and should have Min 0.
type Bands []Band

// DefaultBands reproduces the portal's historical grading scale.
func DefaultBands() Bands {
	return Bands{
		{Min: decimal.NewFromInt(70), Grade: "A", Remark: "Excellent"},
		{Min: decimal.NewFromInt(60), Grade: "B", Remark: "Very Good"},
		{Min: decimal.NewFromInt(50), Grade: "C", Remark: "Good"},
		{Min: decimal.NewFromInt(45), Grade: "D", Remark: "Pass"},
		{Min: decimal.Zero, Grade: "F", Remark: "Fail"},
	}
}

// Classify returns the grade for percentage p.
func (b Bands) Classify(p decimal.Decimal) model.Grade {
	for _, band := range b {
		if p.GreaterThanOrEqual(band.Min) {
			return model.Grade{Grade: band.Grade, Remark: band.Remark}
		}
	}
	if len(b) == 0 {
		return model.Grade{}
	}
	last := b[len(b)-1]
	return model.Grade{Grade: last.Grade, Remark: last.Remark}
}

// Validate requires a non-empty table with strictly descending thresholds.
func (b Bands) Validate() error {
	if len(b) == 0 {
		return errors.New("grade bands: table is empty")
	}
	for i, band := range b {
		if band.Grade == "" {
			return fmt.Errorf("grade bands: entry %d has no grade", i)
		}
		if i > 0 && !band.Min.LessThan(b[i-1].Min) {
			return fmt.Errorf("grade bands: %s threshold must be below %s", band.Grade, b[i-1].Grade)
		}
	}
	return nil
}

type bandFile struct {
	Bands []struct {
		Min    float64 `yaml:"min"`
		Grade  string  `yaml:"grade"`
		Remark string  `yaml:"remark"`
	} `yaml:"bands"`
}

// ParseBands decodes a YAML band table:
//
//	bands:
//	  - {min: 70, grade: A, remark: Excellent}
//	  - {min: 0, grade: F, remark: Fail}
func ParseBands(data []byte) (Bands, error) {
	var f bandFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode grade bands: %w", err)
	}

	bands := make(Bands, 0, len(f.Bands))
	for _, fb := range f.Bands {
		bands = append(bands, Band{Min: decimal.NewFromFloat(fb.Min), Grade: fb.Grade, Remark: fb.Remark})
	}
	sort.SliceStable(bands, func(i, j int) bool { return bands[i].Min.GreaterThan(bands[j].Min) })

	if err := bands.Validate(); err != nil {
		return nil, err
	}
	return bands, nil
}

// LoadBands reads a band table from path, or returns the defaults when path is empty.
func LoadBands(path string) (Bands, error) {
	if path == "" {
		return DefaultBands(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read grade bands: %w", err)
	}
	return ParseBands(data)
}
