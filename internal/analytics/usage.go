// Package analytics aggregates stored runs into usage reports.
package analytics

import (
	"context"
	"time"

	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

// Granularity is the width of one usage bucket.
type Granularity string

const (
	Hour  Granularity = "hour"
	Day   Granularity = "day"
	Week  Granularity = "week"
	Month Granularity = "month"
)

// maxBuckets bounds the series so a wide window at hourly granularity
// cannot allocate without limit.
const maxBuckets = 2000

// ParseGranularity maps a query value to a Granularity. Empty means Day.
func ParseGranularity(raw string) (Granularity, error) {
	switch g := Granularity(raw); g {
	case "":
		return Day, nil
	case Hour, Day, Week, Month:
		return g, nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "granularity must be one of hour, day, week, month; got %q", raw)
	}
}

// Floor returns the start of the bucket holding t, in UTC. Weeks start on
// Monday.
func (g Granularity) Floor(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case Hour:
		return t.Truncate(time.Hour)
	case Week:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// Next returns the start of the bucket after the one starting at t.
func (g Granularity) Next(t time.Time) time.Time {
	switch g {
	case Hour:
		return t.Add(time.Hour)
	case Week:
		return t.AddDate(0, 0, 7)
	case Month:
		return t.AddDate(0, 1, 0)
	default:
		return t.AddDate(0, 0, 1)
	}
}

// Query selects the runs a report covers. Start is inclusive and End
// exclusive.
type Query struct {
	Start       time.Time
	End         time.Time
	Granularity Granularity
	UserID      string
	WorkflowID  string
}

// Counts summarizes a set of runs. AvgDurationMs covers finished runs only.
type Counts struct {
	Runs          int                      `json:"runs"`
	ByStatus      map[schema.RunStatus]int `json:"by_status"`
	Finished      int                      `json:"finished"`
	AvgDurationMs float64                  `json:"avg_duration_ms"`
	Workflows     int                      `json:"workflows"`
}

// Bucket is one period of the series.
type Bucket struct {
	PeriodStart time.Time `json:"period_start"`
	Counts
}

// Report is the usage over a window.
type Report struct {
	StartDate   time.Time   `json:"start_date"`
	EndDate     time.Time   `json:"end_date"`
	Granularity Granularity `json:"granularity"`
	Totals      Counts      `json:"totals"`
	Series      []Bucket    `json:"series"`
}

// RunLister is the store surface a report reads. store.Store satisfies it.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error)
}

// Usage builds the report for q. Every bucket between Start and End is
// present, empty ones included.
func Usage(ctx context.Context, runs RunLister, q Query) (*Report, error) {
	if q.Granularity == "" {
		q.Granularity = Day
	}
	if !q.End.After(q.Start) {
		return nil, schema.NewError(schema.ErrCodeValidation, "end_date must be after start_date")
	}

	first := q.Granularity.Floor(q.Start)
	index := make(map[time.Time]int)
	var accs []*tally
	for at := first; at.Before(q.End); at = q.Granularity.Next(at) {
		if len(accs) == maxBuckets {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"window spans more than %d %s buckets; narrow the dates or widen the granularity", maxBuckets, q.Granularity)
		}
		index[at] = len(accs)
		accs = append(accs, newTally())
	}

	list, err := runs.ListRuns(ctx, store.RunFilter{
		WorkflowID:    q.WorkflowID,
		UserID:        q.UserID,
		StartedFrom:   q.Start,
		StartedBefore: q.End,
	})
	if err != nil {
		return nil, err
	}

	total := newTally()
	for _, run := range list {
		i, ok := index[q.Granularity.Floor(run.StartedAt)]
		if !ok {
			continue
		}
		accs[i].add(run)
		total.add(run)
	}

	report := &Report{
		StartDate:   q.Start.UTC(),
		EndDate:     q.End.UTC(),
		Granularity: q.Granularity,
		Totals:      total.counts(),
		Series:      make([]Bucket, len(accs)),
	}
	at := first
	for i, acc := range accs {
		report.Series[i] = Bucket{PeriodStart: at, Counts: acc.counts()}
		at = q.Granularity.Next(at)
	}
	return report, nil
}

type tally struct {
	runs      int
	byStatus  map[schema.RunStatus]int
	finished  int
	durations time.Duration
	workflows map[string]struct{}
}

func newTally() *tally {
	return &tally{byStatus: make(map[schema.RunStatus]int), workflows: make(map[string]struct{})}
}

func (t *tally) add(run *store.Run) {
	t.runs++
	t.byStatus[run.Status]++
	t.workflows[run.WorkflowID] = struct{}{}
	if run.FinishedAt != nil && run.Status.IsTerminal() {
		t.finished++
		t.durations += run.FinishedAt.Sub(run.StartedAt)
	}
}

func (t *tally) counts() Counts {
	c := Counts{
		Runs:      t.runs,
		ByStatus:  t.byStatus,
		Finished:  t.finished,
		Workflows: len(t.workflows),
	}
	if t.finished > 0 {
		c.AvgDurationMs = float64(t.durations.Milliseconds()) / float64(t.finished)
	}
	return c
}
