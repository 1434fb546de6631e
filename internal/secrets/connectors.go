package secrets

import (
	"context"

	"github.com/rendis/pipekit/pkg/schema"
)

// SealedConnectors is a connector directory whose DSNs are sealed before
// they reach the store and opened on the way back out. It satisfies
// preview.ConnectorDirectory.
type SealedConnectors struct {
	store  ConnectorStore
	sealer Sealer
}

// NewSealedConnectors wraps store with sealer.
func NewSealedConnectors(store ConnectorStore, sealer Sealer) *SealedConnectors {
	return &SealedConnectors{store: store, sealer: sealer}
}

// UpsertConnector stores c with its DSN sealed. c itself is not modified.
func (s *SealedConnectors) UpsertConnector(ctx context.Context, c *schema.Connector) error {
	sealed, err := s.sealer.Seal(c.DSN)
	if err != nil {
		return err
	}
	cp := *c
	cp.DSN = sealed
	return s.store.UpsertConnector(ctx, &cp)
}

// GetConnector returns a connector with its DSN in the clear.
func (s *SealedConnectors) GetConnector(ctx context.Context, id string) (*schema.Connector, error) {
	c, err := s.store.GetConnector(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.open(c)
}

// ListConnectors returns connectors of kind (all kinds when empty) with
// their DSNs in the clear.
func (s *SealedConnectors) ListConnectors(ctx context.Context, kind string) ([]*schema.Connector, error) {
	list, err := s.store.ListConnectors(ctx, kind)
	if err != nil {
		return nil, err
	}
	for i, c := range list {
		if list[i], err = s.open(c); err != nil {
			return nil, err
		}
	}
	return list, nil
}

// DeleteConnector removes a connector.
func (s *SealedConnectors) DeleteConnector(ctx context.Context, id string) error {
	return s.store.DeleteConnector(ctx, id)
}

func (s *SealedConnectors) open(c *schema.Connector) (*schema.Connector, error) {
	dsn, err := s.sealer.Open(c.DSN)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "connector %s: cannot open DSN", c.ID).WithCause(err)
	}
	c.DSN = dsn
	return c, nil
}
