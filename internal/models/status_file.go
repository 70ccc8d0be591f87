package models

import (
	"encoding/json"
	"fmt"
)

// EncodeStatus serialises a ledger entry into the status file format.
// Timestamps are written as RFC 3339 strings in UTC with nanosecond precision.
func EncodeStatus(info ModelInfo) ([]byte, error) {
	info.LastUpdate = info.LastUpdate.UTC()
	return json.Marshal(info)
}

// DecodeStatus parses a status file written by EncodeStatus
func DecodeStatus(data []byte) (ModelInfo, error) {
	var info ModelInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return ModelInfo{}, fmt.Errorf("failed to parse status: %w", err)
	}
	if info.Key == "" {
		return ModelInfo{}, fmt.Errorf("failed to parse status: missing key")
	}
	switch info.Status {
	case StatusTraining, StatusAvailable, StatusFailed:
	default:
		return ModelInfo{}, fmt.Errorf("failed to parse status: unknown status %q", info.Status)
	}
	return info, nil
}
