// Package pagination normalizes page sizes and encodes opaque cursors for
// list endpoints.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// PageSizeConfig configures page size normalization.
type PageSizeConfig struct {
	Default int
	Max     int
}

// ClampPageSize applies defaults and limits for page sizes.
func ClampPageSize(value int, cfg PageSizeConfig) int {
	pageSize := value
	if pageSize <= 0 {
		pageSize = cfg.Default
	}
	if cfg.Max > 0 && pageSize > cfg.Max {
		pageSize = cfg.Max
	}
	if pageSize <= 0 {
		pageSize = 1
	}
	return pageSize
}

// EncodeCursor turns the last-seen row id into an opaque page token.
func EncodeCursor(lastID int64) string {
	if lastID <= 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(lastID, 10)))
}

// DecodeCursor parses a page token produced by EncodeCursor. An empty token
// decodes to zero (start of the list).
func DecodeCursor(token string) (int64, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("invalid page token")
	}
	lastID, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || lastID <= 0 {
		return 0, fmt.Errorf("invalid page token")
	}
	return lastID, nil
}
