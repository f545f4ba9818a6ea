package task

import (
	"encoding/base64"
	"fmt"
	"strconv"
)

// DecodeContinuationToken returns the last exported resource id, or 0 for an empty token
func DecodeContinuationToken(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("invalid continuation token: %w", err)
	}

	lastID, err := strconv.ParseInt(string(decoded), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid resource id in continuation token: %w", err)
	}

	if lastID < 0 {
		return 0, fmt.Errorf("invalid resource id in continuation token: %d", lastID)
	}

	return lastID, nil
}

// EncodeContinuationToken encodes the last exported resource id
func EncodeContinuationToken(lastID int64) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.FormatInt(lastID, 10)))
}
