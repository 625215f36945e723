// Package dedupe identifies rides by content rather than by upstream id and
// collapses re-uploads onto a single stored record.
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"example.com/stravasync/internal/domain"
)

// Hash fingerprints a ride by owner, distance, elevation gain and UTC start time.
func Hash(userID string, distance, elevationGain float64, startTime time.Time) string {
	var b strings.Builder
	b.WriteString(userID)
	b.WriteByte('|')
	b.WriteString(strconv.FormatFloat(distance, 'f', -1, 64))
	b.WriteByte('|')
	b.WriteString(strconv.FormatFloat(elevationGain, 'f', -1, 64))
	b.WriteByte('|')
	b.WriteString(startTime.UTC().Format(time.RFC3339))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Fingerprint sets ContentHash on every record and returns the slice.
func Fingerprint(records []domain.Activity) []domain.Activity {
	for i := range records {
		records[i].ContentHash = Hash(records[i].UserID, records[i].Distance, records[i].ElevationGain, records[i].StartTime)
	}
	return records
}
