package api

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/prakriti-bh/disaster-mgmt-platform/internal/storage"
)

type seedRecord struct {
	col    storage.Collection
	fields map[string]any
	// ttl, when set, becomes expiresAt relative to the seed time.
	ttl time.Duration
}

var seedRecords = []seedRecord{
	{col: storage.Alerts, ttl: 24 * time.Hour, fields: map[string]any{
		"title":       "Heavy Rain Warning",
		"description": "Heavy rainfall expected in the next 24 hours. Please stay indoors.",
		"severity":    "warning",
		"area":        "Bhubaneswar City",
		"source":      "IMD Weather Service",
		"location":    map[string]any{"lat": 20.2961, "lng": 85.8245},
	}},
	{col: storage.Alerts, ttl: 12 * time.Hour, fields: map[string]any{
		"title":       "Flash Flood Alert",
		"description": "Flash flooding reported in low-lying areas. Avoid these regions.",
		"severity":    "critical",
		"area":        "Mancheswar Industrial Area",
		"source":      "City Emergency Services",
		"location":    map[string]any{"lat": 20.3149, "lng": 85.8566},
	}},
	{col: storage.Resources, fields: map[string]any{
		"name":        "Kalinga Stadium Relief Camp",
		"type":        "shelter",
		"description": "Main relief camp with basic amenities",
		"address":     "Kalinga Stadium, Bhubaneswar",
		"location":    map[string]any{"lat": 20.2961, "lng": 85.8245},
		"contact":     map[string]any{"phone": "0674-2301525"},
		"capacity":    map[string]any{"total": 500.0, "available": 120.0},
		"status":      "active",
	}},
	{col: storage.Resources, fields: map[string]any{
		"name":        "AIIMS Bhubaneswar",
		"type":        "medical",
		"description": "Full service hospital with emergency facilities",
		"address":     "Sijua, Patrapada, Bhubaneswar",
		"location":    map[string]any{"lat": 20.2467, "lng": 85.7743},
		"contact":     map[string]any{"phone": "0674-2476789"},
		"capacity":    map[string]any{"total": 100.0, "available": 35.0},
		"status":      "active",
	}},
	{col: storage.Resources, fields: map[string]any{
		"name":        "Central School Shelter",
		"type":        "shelter",
		"description": "Temporary shelter with basic facilities",
		"address":     "Unit-9, Bhubaneswar",
		"location":    map[string]any{"lat": 20.2758, "lng": 85.8417},
		"contact":     map[string]any{"phone": "0674-2550534"},
		"capacity":    map[string]any{"total": 300.0, "available": 75.0},
		"status":      "active",
	}},
}

// Seed inserts sample alerts and resources into collections that are empty.
// It returns the number of records written.
func Seed(store *storage.Store, now time.Time) (int, error) {
	now = now.UTC()
	stamp := now.Format(time.RFC3339Nano)

	empty := make(map[storage.Collection]bool)
	for _, col := range []storage.Collection{storage.Alerts, storage.Resources} {
		recs, err := store.ListRecords(col)
		if err != nil {
			return 0, fmt.Errorf("checking %s: %w", col, err)
		}
		empty[col] = len(recs) == 0
	}

	n := 0
	for _, s := range seedRecords {
		if !empty[s.col] {
			continue
		}
		fields := make(map[string]any, len(s.fields)+4)
		for k, v := range s.fields {
			fields[k] = v
		}
		fields["timestamp"] = stamp
		fields["updatedAt"] = stamp
		if s.col == storage.Resources {
			fields["lastUpdated"] = stamp
		}
		if s.ttl > 0 {
			fields["expiresAt"] = now.Add(s.ttl).Format(time.RFC3339)
		}
		if err := store.PutRecord(s.col, storage.Record{ID: uuid.NewString(), Fields: fields}, now); err != nil {
			return n, fmt.Errorf("seeding %s: %w", s.col, err)
		}
		n++
	}
	return n, nil
}
