// Package discovery lists the subnets the backend host can see so the
// operator can pick one. It holds no state.
package discovery

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/HerbHall/subnetgrid/internal/backend"
	"github.com/HerbHall/subnetgrid/pkg/models"
)

// Source lists candidate networks.
type Source interface {
	DiscoverNetworks(ctx context.Context) (*backend.DiscoverResponse, error)
}

// Discoverer wraps a Source.
type Discoverer struct {
	client Source
	logger *zap.Logger
}

// New returns a Discoverer.
func New(client Source, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{client: client, logger: logger}
}

// Discover returns the candidate networks. The slice is never nil: on any
// failure, including one the backend reports inside a successful response,
// it is empty and the error is returned alongside it. Entries whose subnet
// is not a three-octet prefix are skipped.
func (d *Discoverer) Discover(ctx context.Context) ([]models.Network, error) {
	resp, err := d.client.DiscoverNetworks(ctx)
	if err != nil {
		d.logger.Warn("network discovery failed", zap.Error(err))
		return []models.Network{}, err
	}
	if resp.Error != "" {
		d.logger.Warn("backend reported discovery error", zap.String("error", resp.Error))
		return []models.Network{}, errors.New(resp.Error)
	}

	out := make([]models.Network, 0, len(resp.Networks))
	for _, n := range resp.Networks {
		norm, err := models.NormalizeSubnet(n.Subnet)
		if err != nil {
			d.logger.Debug("skipping network", zap.String("subnet", n.Subnet), zap.Error(err))
			continue
		}
		n.Subnet = norm
		out = append(out, n)
	}
	d.logger.Debug("networks discovered", zap.Int("count", len(out)))
	return out, nil
}

// Primary returns the subnet flagged primary, or the first one, and false
// when networks is empty.
func Primary(networks []models.Network) (string, bool) {
	for _, n := range networks {
		if n.IsPrimary {
			return n.Subnet, true
		}
	}
	if len(networks) > 0 {
		return networks[0].Subnet, true
	}
	return "", false
}
