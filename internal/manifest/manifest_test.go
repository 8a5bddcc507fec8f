package manifest

import (
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	csv := `id,tcia_series_instance_uid,split
case_001,1.2.3.4,fold-1
case_002,1.2.3.5,test
`
	cases, err := Parse(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cases) != 2 {
		t.Fatalf("got %d cases, want 2", len(cases))
	}

	if cases[0].ID != "case_001" || cases[0].SeriesUID != "1.2.3.4" || cases[0].Split != "fold-1" {
		t.Errorf("unexpected first case: %+v", cases[0])
	}
	if cases[0].IsTest() {
		t.Error("fold-1 case reported as test")
	}
	if !cases[1].IsTest() {
		t.Error("test case not reported as test")
	}
}

func TestParseColumnOrder(t *testing.T) {
	// Columns may appear in any order with extras in between.
	csv := `split,age,tcia_series_instance_uid,id
fold-3,61,1.2.3.4,case_001
`
	cases, err := Parse(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cases[0].ID != "case_001" || cases[0].Split != "fold-3" {
		t.Errorf("unexpected case: %+v", cases[0])
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		csv  string
	}{
		{"missing header", "name,value\na,b\n"},
		{"empty id", "id,tcia_series_instance_uid\n,1.2.3\n"},
		{"empty series uid", "id,tcia_series_instance_uid\ncase_001,\n"},
		{"invalid split", "id,tcia_series_instance_uid,split\ncase_001,1.2.3,fold-9\n"},
		{"no cases", "id,tcia_series_instance_uid\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(tt.csv)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestFold(t *testing.T) {
	for i, split := range []string{"fold-1", "fold-2", "fold-3", "fold-4", "fold-5"} {
		c := Case{ID: "x", Split: split}
		fold, err := c.Fold()
		if err != nil {
			t.Fatalf("%s: %v", split, err)
		}
		if fold != i {
			t.Errorf("%s: fold = %d, want %d", split, fold, i)
		}
	}

	if _, err := (Case{ID: "x", Split: "test"}).Fold(); err == nil {
		t.Error("expected error for test split")
	}
}
