// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type AppID string
type RunID string

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

// ParseAppIDs splits comma-separated values and drops blanks, so both
// "-A a -A b" and "-A a,b" produce the same list.
func ParseAppIDs(values ...string) []AppID {
	var ids []AppID
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				ids = append(ids, AppID(part))
			}
		}
	}
	return ids
}
