// internal/store/metrics.go
package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// MetricPoint is one aggregated bucket from QueryMetric
type MetricPoint struct {
	Bucket time.Time `json:"bucket"`
	Count  int       `json:"count"`
	Sum    float64   `json:"sum"`
	Avg    float64   `json:"avg"`
}

// RecordMetric appends one sample to the timeseries
func (s *Store) RecordMetric(name string, tags map[string]string, value float64, ts time.Time) error {
	var rawTags interface{}
	if len(tags) > 0 {
		b, _ := json.Marshal(tags)
		rawTags = string(b)
	}
	_, err := s.db.Exec(`
		INSERT INTO metrics_timeseries (name, tags, value, ts) VALUES (?, ?, ?, ?)
	`, name, rawTags, value, ts.UTC())
	if err != nil {
		return fmt.Errorf("record metric: %w", err)
	}
	return nil
}

// QueryMetric aggregates samples for a metric since the given time into
// fixed-width buckets.
func (s *Store) QueryMetric(name string, since time.Time, bucket time.Duration) ([]MetricPoint, error) {
	if bucket <= 0 {
		bucket = time.Minute
	}
	secs := int64(bucket / time.Second)
	if secs <= 0 {
		secs = 60
	}

	rows, err := s.db.Query(`
		SELECT (CAST(strftime('%s', ts) AS INTEGER) / ?) * ? AS bucket_start,
		       COUNT(*), SUM(value), AVG(value)
		FROM metrics_timeseries
		WHERE name = ? AND ts >= ?
		GROUP BY bucket_start
		ORDER BY bucket_start
	`, secs, secs, name, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query metric: %w", err)
	}
	defer rows.Close()

	var points []MetricPoint
	for rows.Next() {
		var start int64
		var p MetricPoint
		if err := rows.Scan(&start, &p.Count, &p.Sum, &p.Avg); err != nil {
			return nil, err
		}
		p.Bucket = time.Unix(start, 0).UTC()
		points = append(points, p)
	}
	return points, rows.Err()
}
