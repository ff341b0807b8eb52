package model

import (
	"fmt"
	"strings"
	"time"
)

// PartitionDateLayout is the date half of a WAL partition key.
const PartitionDateLayout = "2006-01-02"

// PartitionKey returns the WAL partition for a tenant on t's UTC date.
// Format: "<tenant_id>/<YYYY-MM-DD>".
func PartitionKey(tenantID string, t time.Time) string {
	return tenantID + "/" + t.UTC().Format(PartitionDateLayout)
}

// PartitionKeyFor joins an already formatted date with a tenant,
// validating both halves.
func PartitionKeyFor(tenantID, date string) (string, error) {
	if tenantID == "" || strings.Contains(tenantID, "/") {
		return "", NewValidationError("invalid tenant id %q", tenantID)
	}
	if _, err := time.Parse(PartitionDateLayout, date); err != nil {
		return "", NewValidationError("invalid partition date %q", date)
	}
	return tenantID + "/" + date, nil
}

// ParsePartitionKey splits a partition key into tenant and date.
func ParsePartitionKey(key string) (tenantID string, date time.Time, err error) {
	i := strings.LastIndexByte(key, '/')
	if i <= 0 || i == len(key)-1 {
		return "", time.Time{}, fmt.Errorf("malformed partition key %q", key)
	}
	date, err = time.Parse(PartitionDateLayout, key[i+1:])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed partition key %q: %w", key, err)
	}
	return key[:i], date, nil
}
