// Package adapter dispatches a device protocol onto its terminal implementation
package adapter

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"zk-bridge/internal/device"
	"zk-bridge/internal/device/zkteco"
	"zk-bridge/internal/models"
)

// Dialer opens terminals for every supported protocol
type Dialer struct {
	opts   zkteco.Options
	logger *zap.Logger
}

// NewDialer creates a dialer using opts for ZKTeco sessions
func NewDialer(opts zkteco.Options, logger *zap.Logger) *Dialer {
	return &Dialer{opts: opts, logger: logger}
}

// Native reports whether the bridge talks to this protocol's hardware itself
func Native(p models.Protocol) bool {
	return p == models.ProtocolZKTeco
}

// FallbackMessage is reported when a protocol variant is served by the simulator
func FallbackMessage(p models.Protocol) string {
	if p == models.ProtocolSimulated {
		return "simulated mode"
	}
	return string(p) + " protocol not implemented, falling back to simulation"
}

// Dial implements device.DialFunc. ADMS, Anviz and Suprema have no hardware
// implementation and return ErrNotImplemented; use DialOrSimulate to fall back.
func (d *Dialer) Dial(ctx context.Context, addr string, protocol models.Protocol, timeout time.Duration) (device.Terminal, error) {
	switch protocol {
	case models.ProtocolZKTeco:
		opts := d.opts
		opts.ConnectTimeout = timeout
		c, err := zkteco.Dial(ctx, addr, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	case models.ProtocolSimulated:
		return device.NewSimulated(protocol), nil
	case models.ProtocolADMS, models.ProtocolAnviz, models.ProtocolSuprema:
		return nil, errors.Wrapf(device.ErrNotImplemented, "%s", protocol)
	}
	return nil, errors.Newf("unknown protocol %q", protocol)
}

// DialOrSimulate is Dial with unimplemented variants served by the simulated terminal
func (d *Dialer) DialOrSimulate(ctx context.Context, addr string, protocol models.Protocol, timeout time.Duration) (device.Terminal, error) {
	t, err := d.Dial(ctx, addr, protocol, timeout)
	if errors.Is(err, device.ErrNotImplemented) {
		d.logger.Info(FallbackMessage(protocol), zap.String("device", addr))
		return device.NewSimulated(protocol), nil
	}
	return t, err
}
