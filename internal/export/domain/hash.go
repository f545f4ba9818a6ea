package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// RequestHash identifies the job record created for one export request.
// A redelivered first attempt uses it to find the record an earlier delivery
// already stored.
func RequestHash(groupID, requestURI string, exportType ExportType, resourceType string, since *time.Time, patientGroupID string) string {
	sinceValue := ""
	if since != nil {
		sinceValue = since.UTC().Format(time.RFC3339Nano)
	}

	h := sha256.New()
	h.Write([]byte(strings.Join([]string{
		groupID,
		requestURI,
		string(exportType),
		resourceType,
		sinceValue,
		patientGroupID,
	}, "\x00")))
	return hex.EncodeToString(h.Sum(nil))
}
