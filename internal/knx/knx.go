// Package knx is the bus sink: it connects to the KNX installation over
// KNXnet/IP and writes datapoint values to group addresses.
package knx

import (
	"fmt"

	knxgo "github.com/vapourismo/knx-go/knx"
	"github.com/vapourismo/knx-go/knx/cemi"

	"github.com/ixs/knxcal/internal/config"
	"github.com/ixs/knxcal/internal/log"
)

// groupClient is the subset of knx-go's group clients used here; both the
// tunnel and the router satisfy it.
type groupClient interface {
	Send(event knxgo.GroupEvent) error
	Close()
}

// Sink sends values onto the KNX bus through an established connection.
type Sink struct {
	client groupClient
}

// Dial connects to the KNX installation per the connection configuration.
// With type "auto", tunneling is chosen when a gateway address is set,
// routing otherwise.
func Dial(cfg config.ConnectionConfig) (*Sink, error) {
	mode := cfg.Type
	if mode == config.ConnAuto || mode == "" {
		if cfg.Gateway != "" {
			mode = config.ConnTunneling
		} else {
			mode = config.ConnRouting
		}
	}

	switch mode {
	case config.ConnTunneling:
		gt, err := knxgo.NewGroupTunnel(cfg.Gateway, knxgo.DefaultTunnelConfig)
		if err != nil {
			return nil, fmt.Errorf("knx tunnel to %s: %w", cfg.Gateway, err)
		}
		log.Debug("knx tunnel connected", "gateway", cfg.Gateway)
		return &Sink{client: &gt}, nil

	case config.ConnRouting:
		gr, err := knxgo.NewGroupRouter(cfg.Multicast, knxgo.DefaultRouterConfig)
		if err != nil {
			return nil, fmt.Errorf("knx routing on %s: %w", cfg.Multicast, err)
		}
		log.Debug("knx routing joined", "multicast", cfg.Multicast)
		return &Sink{client: &gr}, nil

	default:
		return nil, fmt.Errorf("unsupported connection type %q", cfg.Type)
	}
}

// Send writes value to the group address as the given datapoint type.
func (s *Sink) Send(address, valueType, value string) error {
	dest, err := cemi.NewGroupAddrString(address)
	if err != nil {
		return fmt.Errorf("group address %q: %w", address, err)
	}

	data, err := encodeValue(valueType, value)
	if err != nil {
		return err
	}

	log.Info("sending value to bus", "address", address, "type", valueType, "value", value)
	if err := s.client.Send(knxgo.GroupEvent{
		Command:     knxgo.GroupWrite,
		Destination: dest,
		Data:        data,
	}); err != nil {
		return fmt.Errorf("group write to %s: %w", address, err)
	}
	return nil
}

// Close tears down the bus connection.
func (s *Sink) Close() {
	s.client.Close()
}

// Disabled is a dry-run sink that logs instead of touching the bus.
type Disabled struct{}

// Send logs the would-be write and does nothing else.
func (Disabled) Send(address, valueType, value string) error {
	log.Warn("bus access disabled, not sending", "address", address, "type", valueType, "value", value)
	return nil
}
