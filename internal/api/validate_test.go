package api

import (
	"testing"

	"github.com/prakriti-bh/disaster-mgmt-platform/internal/storage"
)

func validReport() map[string]any {
	return map[string]any{
		"title":       "Road flooded",
		"description": "Water over the road near the school",
		"type":        "flooding",
		"severity":    3,
		"location":    map[string]any{"lat": 20.29, "lng": 85.82},
	}
}

func TestValidateReportNumbers(t *testing.T) {
	v, err := loadValidators()
	if err != nil {
		t.Fatalf("loadValidators: %v", err)
	}

	if details := validate(v.create[storage.Reports], validReport()); details != nil {
		t.Fatalf("valid report rejected: %v", details)
	}

	body := validReport()
	body["severity"] = 2.5
	body["location"] = map[string]any{"lat": 91.0, "lng": 85.82}
	details := validate(v.create[storage.Reports], body)
	for _, field := range []string{"severity", "location.lat"} {
		if _, ok := details[field]; !ok {
			t.Errorf("details = %v, want an entry for %s", details, field)
		}
	}
}

func TestValidateMissingFields(t *testing.T) {
	v, err := loadValidators()
	if err != nil {
		t.Fatalf("loadValidators: %v", err)
	}

	body := validReport()
	delete(body, "title")
	details := validate(v.create[storage.Reports], body)
	if details["title"] != "required" {
		t.Errorf("details = %v, want title required", details)
	}

	if details := validate(v.update[storage.Reports], map[string]any{"severity": 4}); details != nil {
		t.Errorf("partial update rejected: %v", details)
	}
}
