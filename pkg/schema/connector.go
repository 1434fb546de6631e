package schema

import "time"

// Connector kinds understood by the preview executor.
const (
	ConnectorKindLibSQL = "libsql"
	ConnectorKindHTTP   = "http"
)

// Connector is a registered external data location that database and
// warehouse nodes reference by id.
type Connector struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Kind      string         `json:"kind"`
	DSN       string         `json:"dsn"`
	Options   map[string]any `json:"options,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
