// Package validation re-checks canonical fact partitions against the row
// rules after the fact: schema, numeric ranges, partition agreement and
// ordering. Ingest drops what it cannot parse; validation reports what a
// human should look at.
package validation

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/waitline/waitline/internal/facts"
	"github.com/waitline/waitline/internal/paths"
	"github.com/waitline/waitline/internal/types"
	"github.com/waitline/waitline/internal/utils"
)

// Rule names as they appear in findings and reports.
const (
	RuleSchema    = "schema"
	RuleRange     = "range"
	RulePartition = "partition"
	RuleOrdering  = "ordering"
	RuleDuplicate = "duplicate"
)

// DefaultLookbackDays bounds a default run to recent partitions.
const DefaultLookbackDays = 30

// Finding is one invalid row or file-level problem.
type Finding struct {
	File   string `json:"file"`
	Line   int    `json:"line,omitempty"`
	Entity string `json:"entity_code,omitempty"`
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

// PartitionReport summarizes one checked partition.
type PartitionReport struct {
	Park     string         `json:"park_code"`
	Date     types.ParkDate `json:"park_date"`
	Rows     int            `json:"rows"`
	Invalid  int            `json:"invalid"`
	Outliers int            `json:"outliers"`
}

// Report is the persisted outcome of a validation run.
type Report struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Lookback    int               `json:"lookback_days,omitempty"`
	Partitions  []PartitionReport `json:"partitions"`
	Rows        int               `json:"rows_checked"`
	Invalid     int               `json:"invalid_rows"`
	Outliers    int               `json:"outlier_rows"`
	Findings    []Finding         `json:"findings,omitempty"`
}

// Clean reports whether the run found no invalid rows.
func (r *Report) Clean() bool { return r.Invalid == 0 }

// Options select which partitions a run covers.
type Options struct {
	// LookbackDays restricts the run to partitions at most this many days
	// old. Zero means DefaultLookbackDays.
	LookbackDays int

	// All checks every partition regardless of age.
	All bool

	// Park restricts the run to one park when non-empty.
	Park string

	// MaxFindings caps the findings kept in the report; counts are always
	// complete. Zero keeps everything.
	MaxFindings int
}

// Checker validates fact partitions under a layout.
type Checker struct {
	Layout paths.Layout
	Zone   func(parkCode string) *time.Location

	// Now is stubbed in tests.
	Now func() time.Time
}

func (c *Checker) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Run checks the selected partitions and returns the report. A nil report
// with a nil error means there was nothing to check.
func (c *Checker) Run(ctx context.Context, opts Options) (*Report, error) {
	parts, err := facts.ListPartitions(c.Layout, opts.Park)
	if err != nil {
		return nil, err
	}
	now := c.now()

	report := &Report{GeneratedAt: now.UTC()}
	if !opts.All {
		days := opts.LookbackDays
		if days <= 0 {
			days = DefaultLookbackDays
		}
		report.Lookback = days
		floor := types.ParkDate(now.AddDate(0, 0, -days).Format("2006-01-02"))
		kept := parts[:0]
		for _, p := range parts {
			if p.Date >= floor {
				kept = append(kept, p)
			}
		}
		parts = kept
	}
	if len(parts) == 0 {
		return nil, nil
	}

	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pr, findings := c.checkPartition(p)
		report.Partitions = append(report.Partitions, pr)
		report.Rows += pr.Rows
		report.Invalid += pr.Invalid
		report.Outliers += pr.Outliers
		report.Findings = append(report.Findings, findings...)
	}
	if opts.MaxFindings > 0 && len(report.Findings) > opts.MaxFindings {
		report.Findings = report.Findings[:opts.MaxFindings]
	}
	return report, nil
}

// checkPartition reads one file row by row so a single bad record is a
// finding, not an abort.
func (c *Checker) checkPartition(p facts.PartitionInfo) (PartitionReport, []Finding) {
	pr := PartitionReport{Park: p.Park, Date: p.Date}
	var findings []Finding
	add := func(line int, entity, rule, detail string) {
		pr.Invalid++
		findings = append(findings, Finding{
			File:   filepath.Base(p.Path),
			Line:   line,
			Entity: entity,
			Rule:   rule,
			Detail: detail,
		})
	}

	f, err := os.Open(p.Path)
	if err != nil {
		add(0, "", RuleSchema, err.Error())
		return pr, findings
	}
	defer f.Close()

	loc := c.Zone(p.Park)
	if loc == nil {
		loc = time.UTC
	}

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	if _, err := r.Read(); err != nil {
		add(0, "", RuleSchema, fmt.Sprintf("unreadable header: %v", err))
		return pr, findings
	}

	var prev time.Time
	seen := make(map[types.ObservationKey]int)
	line := 1
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			add(line, "", RuleSchema, err.Error())
			continue
		}
		o, err := facts.ParseRow(record)
		if err != nil {
			pr.Rows++
			add(line, "", RuleSchema, err.Error())
			continue
		}
		pr.Rows++

		if !o.InRange() {
			add(line, o.EntityCode, RuleRange,
				fmt.Sprintf("%s value %d out of range", o.Type, o.Minutes))
		}
		if o.IsOutlier() {
			pr.Outliers++
		}
		if park := o.ParkCode(); park != p.Park {
			add(line, o.EntityCode, RulePartition,
				fmt.Sprintf("entity park %q in a %q partition", park, p.Park))
		}
		if date := types.ParkDateOf(o.ObservedAt, loc); date != p.Date {
			add(line, o.EntityCode, RulePartition,
				fmt.Sprintf("observation belongs to %s, filed under %s", date, p.Date))
		}
		if o.ObservedAt.Before(prev) {
			add(line, o.EntityCode, RuleOrdering, "observed_at earlier than previous row")
		}
		prev = o.ObservedAt

		key := o.Key()
		if first, dup := seen[key]; dup {
			add(line, o.EntityCode, RuleDuplicate,
				fmt.Sprintf("duplicate of line %d", first))
		} else {
			seen[key] = line
		}
	}
	return pr, findings
}

// Save writes the report as validation/report_{timestamp}.json and returns
// the path.
func (c *Checker) Save(report *Report) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("report_%s.json", report.GeneratedAt.Format("20060102T150405Z"))
	path := filepath.Join(c.Layout.ValidationDir(), name)
	if err := utils.WriteFileAtomic(path, append(data, '\n'), 0644); err != nil {
		return "", err
	}
	return path, nil
}
