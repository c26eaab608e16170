package models

import "time"

// DailyMetric is the per-calendar-day rollup. Day is midnight UTC.
type DailyMetric struct {
	Day                time.Time `db:"day"                 json:"day"`
	RequestCount       int       `db:"request_count"       json:"request_count"`
	AnalysisCount      int       `db:"analysis_count"      json:"analysis_count"`
	FailedCount        int       `db:"failed_count"        json:"failed_count"`
	AvgCompletion      float64   `db:"avg_completion"      json:"avg_completion"`
	AvgProfessionalism float64   `db:"avg_professionalism" json:"avg_professionalism"`
	AvgAppealSuccess   float64   `db:"avg_appeal_success"  json:"avg_appeal_success"`
	UpdatedAt          time.Time `db:"updated_at"          json:"updated_at"`
}

// DayStart truncates t to midnight UTC.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
