// Package manifest loads the SAROS case manifest CSV that drives downloading
// and dataset generation. Columns are resolved by header name so the file may
// carry extra columns in any order.
package manifest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// Column names expected in the manifest header.
const (
	IDColumnName     = "id"
	SeriesColumnName = "tcia_series_instance_uid"
	SplitColumnName  = "split"
)

// Case is one row of the manifest: a single CT series of one subject.
type Case struct {
	ID        string
	SeriesUID string
	Split     string
}

// IsTest reports whether the case belongs to the held-out test split.
func (c Case) IsTest() bool {
	return c.Split == "test"
}

// Fold returns the cross-validation fold index (0-4) for training cases,
// or an error for test cases and unknown split values.
func (c Case) Fold() (int, error) {
	switch c.Split {
	case "fold-1":
		return 0, nil
	case "fold-2":
		return 1, nil
	case "fold-3":
		return 2, nil
	case "fold-4":
		return 3, nil
	case "fold-5":
		return 4, nil
	default:
		return 0, fmt.Errorf("case %s has no fold (split=%q)", c.ID, c.Split)
	}
}

// validSplits are the split values a manifest row may carry.
var validSplits = map[string]bool{
	"fold-1": true,
	"fold-2": true,
	"fold-3": true,
	"fold-4": true,
	"fold-5": true,
	"test":   true,
}

// Load reads and validates a manifest CSV file.
func Load(path string) ([]Case, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	cases, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return cases, nil
}

// Parse reads manifest rows from r.
func Parse(r io.Reader) ([]Case, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	idCol, seriesCol, splitCol := -1, -1, -1

	var cases []Case
	for i := 0; ; i++ {
		cols, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}

		if i == 0 {
			for k, col := range cols {
				switch strings.TrimSpace(col) {
				case IDColumnName:
					idCol = k
				case SeriesColumnName:
					seriesCol = k
				case SplitColumnName:
					splitCol = k
				}
			}
			if idCol < 0 || seriesCol < 0 {
				return nil, fmt.Errorf("manifest header must contain %q and %q columns", IDColumnName, SeriesColumnName)
			}
			continue
		}

		c := Case{
			ID:        strings.TrimSpace(cols[idCol]),
			SeriesUID: strings.TrimSpace(cols[seriesCol]),
		}
		if splitCol >= 0 {
			c.Split = strings.TrimSpace(cols[splitCol])
		}

		if c.ID == "" {
			return nil, fmt.Errorf("row %d: empty case id", i)
		}
		if c.SeriesUID == "" {
			return nil, fmt.Errorf("row %d: case %s has no series instance UID", i, c.ID)
		}
		if c.Split != "" && !validSplits[c.Split] {
			return nil, fmt.Errorf("row %d: case %s has invalid split %q", i, c.ID, c.Split)
		}

		cases = append(cases, c)
	}

	if len(cases) == 0 {
		return nil, fmt.Errorf("manifest contains no cases")
	}

	return cases, nil
}
