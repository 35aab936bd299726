package generic

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// DATE - calendar day a record belongs to (UTC, no time of day)
// =============================================================================

type Date struct {
	Time time.Time
}

// Layouts accepted by ParseDate. The last one is what browser date pickers send.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z",
}

// Constructors
func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func DateOf(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return NewDate(y, m, d)
}

func Today() Date { return DateOf(time.Now()) }

// ParseDate accepts a plain date or a timestamp; the time of day is dropped.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return DateOf(t), nil
		}
	}
	return Date{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD)", s)
}

// Comparison
func (d Date) Before(o Date) bool { return d.Time.Before(o.Time) }
func (d Date) After(o Date) bool  { return d.Time.After(o.Time) }
func (d Date) Equal(o Date) bool  { return d.Time.Equal(o.Time) }
func (d Date) Compare(o Date) int { return d.Time.Compare(o.Time) }
func (d Date) IsZero() bool       { return d.Time.IsZero() }

// Arithmetic and properties
func (d Date) AddDays(n int) Date { return Date{Time: d.Time.AddDate(0, 0, n)} }
func (d Date) Year() int          { return d.Time.Year() }

func (d Date) String() string { return d.Time.Format("2006-01-02") }

func (d Date) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// =============================================================================
// GROUPING - buckets for listings and summaries
// =============================================================================

type Grouping string

const (
	GroupByDay   Grouping = "day"
	GroupByWeek  Grouping = "week"
	GroupByMonth Grouping = "month"
	GroupByYear  Grouping = "year"
)

func ParseGrouping(s string) (Grouping, error) {
	switch g := Grouping(strings.ToLower(strings.TrimSpace(s))); g {
	case "":
		return GroupByDay, nil
	case GroupByDay, GroupByWeek, GroupByMonth, GroupByYear:
		return g, nil
	default:
		return "", fmt.Errorf("invalid grouping %q (use day, week, month or year)", s)
	}
}

// StartOfWeek returns the Monday of the date's week.
func (d Date) StartOfWeek() Date {
	offset := (int(d.Time.Weekday()) + 6) % 7
	return d.AddDays(-offset)
}

func (d Date) StartOfMonth() Date { return NewDate(d.Time.Year(), d.Time.Month(), 1) }
func (d Date) StartOfYear() Date  { return NewDate(d.Time.Year(), time.January, 1) }

// Bucket returns the first day of the period containing d.
func (d Date) Bucket(g Grouping) Date {
	switch g {
	case GroupByWeek:
		return d.StartOfWeek()
	case GroupByMonth:
		return d.StartOfMonth()
	case GroupByYear:
		return d.StartOfYear()
	default:
		return d
	}
}

// BucketLabel renders the period containing d for display.
func (d Date) BucketLabel(g Grouping) string {
	switch g {
	case GroupByWeek:
		start := d.StartOfWeek()
		return start.String() + " - " + start.AddDays(6).String()
	case GroupByMonth:
		return d.Time.Format("2006-01")
	case GroupByYear:
		return fmt.Sprintf("%d", d.Year())
	default:
		return d.String()
	}
}
