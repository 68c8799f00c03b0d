package project

import (
	"encoding/json"
	"fmt"
	"os"
)

// Report is the objdiff match report the build emits after each ninja run.
type Report struct {
	Units []ReportUnit `json:"units"`
}

// ReportUnit is one translation unit's match state.
type ReportUnit struct {
	Name      string           `json:"name"`
	Functions []ReportFunction `json:"functions"`
}

// ReportFunction is one function's measured match against the target.
type ReportFunction struct {
	Name         string  `json:"name"`
	MatchPercent float64 `json:"fuzzy_match_percent"`
}

// LoadReport parses a report.json from the build directory.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse report %s: %w", path, err)
	}
	return &r, nil
}

// Unit returns the report entry for a source file.
func (r *Report) Unit(name string) (*ReportUnit, bool) {
	for i := range r.Units {
		if r.Units[i].Name == name {
			return &r.Units[i], true
		}
	}
	return nil, false
}

// FullyMatched reports whether every function in the unit is at 100%.
// An empty unit is not considered matched.
func (u *ReportUnit) FullyMatched() bool {
	if len(u.Functions) == 0 {
		return false
	}
	for _, f := range u.Functions {
		if f.MatchPercent < 100 {
			return false
		}
	}
	return true
}

// MatchPercentOf returns the measured percent for a function in the unit.
func (u *ReportUnit) MatchPercentOf(name string) (float64, bool) {
	for _, f := range u.Functions {
		if f.Name == name {
			return f.MatchPercent, true
		}
	}
	return 0, false
}
