package objectstore

import (
	"regexp"

	"recordexport/internal/apperr"
)

var safeSegment = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateSegment checks that value is present and safe to splice into a
// storage key.
func ValidateSegment(field, value string) error {
	if value == "" {
		return apperr.NewValidation(field, "is required")
	}
	if !safeSegment.MatchString(value) {
		return apperr.NewValidation(field, "may only contain letters, digits, underscore and hyphen")
	}
	return nil
}

// RecordPrefix is the key prefix of every object belonging to one record.
func RecordPrefix(entityID, recordID string) string {
	return entityID + "/" + recordID + "/"
}
