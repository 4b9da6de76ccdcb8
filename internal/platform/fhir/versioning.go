package fhir

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// SetVersionHeaders sets ETag and Last-Modified headers on the response.
// There is no If-Match enforcement in this server (writes are always
// unconditional); these headers are emitted on reads only so clients can
// still build conditional requests against other FHIR servers that do
// enforce them.
func SetVersionHeaders(c echo.Context, versionID int, lastModified string) {
	c.Response().Header().Set("ETag", fmt.Sprintf(`W/"%d"`, versionID))
	if lastModified != "" {
		c.Response().Header().Set("Last-Modified", lastModified)
	}
}

// ParseETag extracts the version number from an ETag value like W/"3" or "3".
func ParseETag(etag string) (int, error) {
	etag = strings.TrimSpace(etag)
	// Remove weak indicator
	etag = strings.TrimPrefix(etag, "W/")
	// Remove quotes
	etag = strings.Trim(etag, `"`)

	v, err := strconv.Atoi(etag)
	if err != nil {
		return 0, fmt.Errorf("ETag must contain a numeric version: %s", etag)
	}
	return v, nil
}

// FormatETag creates a weak ETag from a version ID.
func FormatETag(versionID int) string {
	return fmt.Sprintf(`W/"%d"`, versionID)
}

// CheckIfNoneMatch checks If-None-Match for conditional reads.
// Returns true if the client's version matches (304 Not Modified should be returned).
func CheckIfNoneMatch(c echo.Context, currentVersion int) bool {
	ifNoneMatch := c.Request().Header.Get("If-None-Match")
	if ifNoneMatch == "" {
		return false
	}

	clientVersion, err := ParseETag(ifNoneMatch)
	if err != nil {
		return false
	}

	return clientVersion == currentVersion
}
