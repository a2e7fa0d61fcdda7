// internal/types/models.go
package types

import "time"

// Checkpoint records how far an application's log has been exported.
// Newest is the largest event timestamp written; NewestIDs holds the
// identities of the events at exactly that timestamp.
type Checkpoint struct {
	AppID     AppID     `json:"app_id"`
	Newest    float64   `json:"newest"`
	NewestIDs []string  `json:"newest_ids,omitempty"`
	Count     int64     `json:"count"`
	LastRunID RunID     `json:"last_run_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// App is a registered Smooch application.
type App struct {
	ID   AppID  `json:"_id"`
	Name string `json:"name"`
}
