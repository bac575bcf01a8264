package gtr9

import (
	"context"
	"net"
	"sync"

	"github.com/geotrail/gtrd/metrics"
	"github.com/geotrail/gtrd/model"
)

// ClientConn is the live channel back to a device, independent of the
// transport. Commands and acknowledgments go out through it.
type ClientConn interface {
	Send(data []byte) error
	RemoteAddr() net.Addr
	Key() string
}

// DeviceResolver binds a decoded box identity to a platform device and is
// told when a channel goes away. Implemented by the session registry.
type DeviceResolver interface {
	ResolveDevice(ctx context.Context, conn ClientConn, protocol string, uniqueId string) (*model.Device, error)
	DeviceDisconnected(ctx context.Context, conn ClientConn)
}

/*
PositionCallback reports positions decoded from one message. Processing
happens on the caller's goroutine; decoding for a single connection stays
strictly sequential.
*/
type PositionCallback func(ctx context.Context, conn ClientConn, device *model.Device, positions []*model.Position)

type Server struct {
	wg       *sync.WaitGroup
	host     string
	tcpPort  int
	udpPort  int
	decoder  *Decoder
	resolver DeviceResolver
	callback PositionCallback
	metrics  metrics.GatewayMetricsInterface
	ctx      context.Context
	localCtx context.Context
	stopFunc context.CancelFunc
}
