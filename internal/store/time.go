package store

import (
	"database/sql"
	"fmt"
	"time"
)

// writeTimeFormat is fixed-width (always nine fractional digits, always an
// explicit offset) so that stored timestamps compare lexically the same way
// they compare as instants. Every write goes through fmtTime; reads tolerate
// the wider set of formats below.
const writeTimeFormat = "2006-01-02 15:04:05.000000000-07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(writeTimeFormat)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func scanTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseSQLiteTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// parseSQLiteTime parses a timestamp string returned by SQLite.
// Handles formats produced by the modernc.org/sqlite driver, SQLite built-in
// functions (datetime, strftime), and RFC3339. Times without an explicit
// timezone are assumed UTC.
func parseSQLiteTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}

	for _, f := range sqliteTimeFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UTC(), nil
		}
	}

	for _, f := range sqliteTimeFormatsNoTZ {
		if t, err := time.ParseInLocation(f, s, time.UTC); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse time: %q", s)
}

var sqliteTimeFormats = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05Z",
}

var sqliteTimeFormatsNoTZ = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
}
