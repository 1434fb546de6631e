// Package secrets keeps connector credentials encrypted at rest.
package secrets

import (
	"context"

	"github.com/rendis/pipekit/pkg/schema"
)

// Sealer encrypts and decrypts short secret strings.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// ConnectorStore is the persistence interface the sealed directory wraps.
// Satisfied by store.Store.
type ConnectorStore interface {
	UpsertConnector(ctx context.Context, c *schema.Connector) error
	GetConnector(ctx context.Context, id string) (*schema.Connector, error)
	ListConnectors(ctx context.Context, kind string) ([]*schema.Connector, error)
	DeleteConnector(ctx context.Context, id string) error
}
