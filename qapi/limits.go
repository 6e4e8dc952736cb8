package qapi

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kardianos/qtel/qdef"
)

const (
	megabytesToBytes  = 1_000_000
	secondsToDuration = time.Second
	defaultPlanDay    = 1
	maxPlanDayOfMonth = 31
)

type limitsDoc struct {
	EmissionPeriod *float64 `json:"emission_period"`
	Storage        struct {
		StorageLimit *float64 `json:"storage_limit"`
	} `json:"storage"`
	Data struct {
		CellularDataLimit      *float64 `json:"cellular_data_limit"`
		NormalizedCellPlanDate *int     `json:"normalized_cell_plan_date"`
	} `json:"data"`
}

// DecodeLimits converts a usage-limit document (seconds and megabytes) into
// Limits (durations and bytes). Missing or null limits mean unlimited.
func DecodeLimits(data []byte) (qdef.Limits, error) {
	data, err := unwrapConfig(data)
	if err != nil {
		return qdef.Limits{}, err
	}
	var doc limitsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return qdef.Limits{}, fmt.Errorf("qapi: decode limits: %w", err)
	}
	if doc.EmissionPeriod == nil {
		return qdef.Limits{}, fmt.Errorf("qapi: limits missing emission_period")
	}

	l := qdef.Limits{
		EmissionPeriod:       time.Duration(*doc.EmissionPeriod * float64(secondsToDuration)),
		CellularPlanResetDay: defaultPlanDay,
	}
	if v := doc.Storage.StorageLimit; v != nil {
		l.StorageLimit = int64(*v * megabytesToBytes)
	}
	if v := doc.Data.CellularDataLimit; v != nil {
		l.CellularDataLimit = int64(*v * megabytesToBytes)
	}
	if v := doc.Data.NormalizedCellPlanDate; v != nil && *v != 0 {
		if *v < 1 || *v > maxPlanDayOfMonth {
			return qdef.Limits{}, fmt.Errorf("qapi: cell plan date %d out of range", *v)
		}
		l.CellularPlanResetDay = *v
	}
	if l.EmissionPeriod < 0 || l.StorageLimit < 0 || l.CellularDataLimit < 0 {
		return qdef.Limits{}, fmt.Errorf("qapi: negative limit in %s", data)
	}
	return l, nil
}

// unwrapConfig strips an optional {"config": {...}} envelope.
func unwrapConfig(data []byte) ([]byte, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("qapi: decode limits: %w", err)
	}
	if inner, ok := env["config"]; ok && len(inner) > 0 && inner[0] == '{' {
		return inner, nil
	}
	return data, nil
}
