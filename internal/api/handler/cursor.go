package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	apidomain "github.com/cuongbtq/bulk-export/internal/api/domain"
	"github.com/cuongbtq/bulk-export/internal/api/storage"
)

func DecodeGroupCursor(cursorStr string) (*storage.GroupCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apidomain.ErrInvalidCursor, err)
	}

	decodedParts := strings.SplitN(string(decoded), "|", 2)
	if len(decodedParts) != 2 || decodedParts[1] == "" {
		return nil, apidomain.ErrInvalidCursor
	}

	var createdAt int64
	_, err = fmt.Sscanf(decodedParts[0], "%d", &createdAt)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp: %v", apidomain.ErrInvalidCursor, err)
	}

	return &storage.GroupCursor{
		CreatedAt: time.Unix(0, createdAt).UTC(),
		GroupID:   decodedParts[1],
	}, nil
}

func EncodeGroupCursor(cursor *storage.GroupCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.CreatedAt.UnixNano(), cursor.GroupID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}
