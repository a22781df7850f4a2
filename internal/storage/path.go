package storage

import (
	"fmt"
	"path"
	"regexp"
	"time"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}$`)

// BuildUploadPath returns the archive key for an uploaded CSV, partitioned
// by upload date.
func BuildUploadPath(datasetID, tableName string, uploadedAt time.Time) (string, error) {
	if err := validatePathComponent(datasetID, "dataset id"); err != nil {
		return "", err
	}
	if err := validatePathComponent(tableName, "table name"); err != nil {
		return "", err
	}
	ts := uploadedAt.UTC()
	return path.Join(
		"uploads",
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		datasetID,
		tableName+".csv",
	), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
