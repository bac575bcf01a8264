package gtr9

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/geotrail/gtrd/config"
	"github.com/geotrail/gtrd/metrics"
	"github.com/geotrail/gtrd/model"
)

func NewServer(ctx context.Context, wg *sync.WaitGroup, cfg *config.Gtr9Config,
	resolver DeviceResolver, m metrics.GatewayMetricsInterface, callback PositionCallback) *Server {
	return &Server{
		wg:       wg,
		host:     cfg.Host,
		tcpPort:  cfg.TcpPort,
		udpPort:  cfg.UdpPort,
		decoder:  NewDecoder(ctx, cfg.DeviceOffset),
		resolver: resolver,
		callback: callback,
		metrics:  m,
		ctx:      ctx,
	}
}

func (s *Server) Start() error {
	log := config.GetLogger(s.ctx)

	log.Infof("Start GTR-9 server on %s (tcp %d, udp %d)", s.host, s.tcpPort, s.udpPort)

	s.localCtx, s.stopFunc = context.WithCancel(s.ctx)

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.host, s.tcpPort))
	if err != nil {
		return fmt.Errorf("failed to open tcp listening socket. %v", err)
	}

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{
		Port: s.udpPort,
		IP:   net.ParseIP(s.host),
	})
	if err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to open udp listening socket. %v", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-s.localCtx.Done()
		if err := listener.Close(); err != nil {
			log.Errorf("failed to close tcp listening socket. %v", err)
		}
		if err := udpConn.Close(); err != nil {
			log.Errorf("failed to close udp listening socket. %v", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(listener)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.datagramLoop(udpConn)
	}()

	return nil
}

func (s *Server) Stop() error {
	if s.stopFunc == nil {
		return fmt.Errorf("server is not running")
	}

	s.stopFunc()
	s.stopFunc = nil
	return nil
}

func (s *Server) acceptLoop(listener net.Listener) {
	log := config.GetLogger(s.ctx)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.localCtx.Done():
				return
			default:
				log.Errorf("failed to accept connection. %v", err)
				return
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConnection(conn)
		}()
	}
}

// serveConnection reads one device's TCP stream. Decoding is strictly
// sequential per connection; parallelism exists only across devices.
func (s *Server) serveConnection(conn net.Conn) {
	log := config.GetLogger(s.ctx)

	client := &tcpClientConn{conn: conn, metrics: s.metrics}
	defer func() {
		s.resolver.DeviceDisconnected(s.ctx, client)
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Errorf("failed to close connection from %v. %v", conn.RemoteAddr(), err)
		}
	}()

	log.Debugf("Connection from %v", conn.RemoteAddr())

	frameDecoder := NewFrameDecoder()
	buffer := make([]byte, 4096)
	for {
		select {
		case <-s.localCtx.Done():
			return
		default:
		}

		size, err := conn.Read(buffer)
		if size > 0 {
			s.addReceivedBytes(uint64(size))
			log.Tracef("%d bytes received from %v: %s", size, conn.RemoteAddr(), hex.EncodeToString(buffer[:size]))

			for _, frame := range frameDecoder.Append(buffer[:size]) {
				s.handleFrame(client, frame)
			}
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				log.Errorf("failed to read from %v. %v", conn.RemoteAddr(), err)
			}

			// A truncated final message may still be salvageable.
			if frame, flushErr := frameDecoder.Flush(); flushErr != nil {
				log.Warnf("Connection from %v closed mid-frame: %v", conn.RemoteAddr(), flushErr)
				s.addMalformedPackages(1)
			} else if frame != nil {
				s.handleFrame(client, *frame)
			}
			return
		}
	}
}

func (s *Server) datagramLoop(udpConn *net.UDPConn) {
	log := config.GetLogger(s.ctx)

	buffer := make([]byte, 10*1024)
	for {
		select {
		case <-s.localCtx.Done():
			return
		default:
		}

		size, remote, err := udpConn.ReadFromUDP(buffer)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Errorf("failed to read datagram. %v", err)
			}
			return
		}

		s.addReceivedBytes(uint64(size))
		log.Tracef("%d bytes long datagram received from %v: %s", size, remote, hex.EncodeToString(buffer[:size]))

		frame, err := ExtractDatagram(buffer[:size])
		if err != nil {
			log.Warnf("Malformed datagram from %v: %v", remote, err)
			s.addMalformedPackages(1)
			continue
		}

		s.handleFrame(&udpClientConn{conn: udpConn, remote: remote, metrics: s.metrics}, frame)
	}
}

func (s *Server) handleFrame(conn ClientConn, frame Frame) {
	log := config.GetLogger(s.ctx)

	s.addReceivedPackages(1)

	if frame.Degraded {
		log.Warnf("Accepted frame with truncated terminator from %v", conn.RemoteAddr())
	}

	msg, err := s.decoder.DecodeMessage(frame.Data)
	if err != nil {
		log.Warnf("Discarding message from %v: %v", conn.RemoteAddr(), err)
		s.addMalformedPackages(1)
		return
	}

	uniqueId := s.decoder.UniqueId(msg.BoxId)
	device, err := s.resolver.ResolveDevice(s.ctx, conn, ProtocolName, uniqueId)
	if err != nil {
		log.Warnf("Rejecting message from %v: %v", conn.RemoteAddr(), err)
		s.addRejectedPackages(1)
		return
	}

	if err := conn.Send(Ack(msg.Crc)); err != nil {
		// Just log the error and keep the connection alive.
		log.Errorf("Failed to send acknowledgment to %v. %v", conn.RemoteAddr(), err)
	} else {
		s.addSentPackages(1)
	}

	positions, err := s.decoder.DecodePositions(msg, device.Id)
	if err != nil {
		log.Warnf("Failed to decode message type %d from device %d: %v", msg.Type, device.Id, err)
		s.addMalformedPackages(1)
		return
	}

	if len(positions) > 0 {
		s.addDecodedPositions(uint64(len(positions)))
		s.callback(s.ctx, conn, device, positions)
	}
}

type tcpClientConn struct {
	conn    net.Conn
	metrics metrics.GatewayMetricsInterface
}

func (c *tcpClientConn) Send(data []byte) error {
	size, err := c.conn.Write(data)
	if err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.AddSentBytes(uint64(size))
	}
	return nil
}

func (c *tcpClientConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *tcpClientConn) Key() string {
	return "tcp:" + c.conn.RemoteAddr().String()
}

type udpClientConn struct {
	conn    *net.UDPConn
	remote  *net.UDPAddr
	metrics metrics.GatewayMetricsInterface
}

func (c *udpClientConn) Send(data []byte) error {
	size, err := c.conn.WriteToUDP(data, c.remote)
	if err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.AddSentBytes(uint64(size))
	}
	return nil
}

func (c *udpClientConn) RemoteAddr() net.Addr {
	return c.remote
}

func (c *udpClientConn) Key() string {
	return "udp:" + c.remote.String()
}

// EncodeCommand renders a command as the GTR-9 text form the firmware
// accepts on the data channel.
func EncodeCommand(command *model.Command) ([]byte, error) {
	var body string
	switch command.Type {
	case model.CommandEngineStop:
		body = "$ENG,0"
	case model.CommandEngineResume:
		body = "$ENG,1"
	case model.CommandPing:
		body = "$PING"
	case model.CommandPositionQuery:
		body = "$QRY"
	case model.CommandSetInterval:
		body = "$INT," + command.GetString("interval")
	case model.CommandCustom:
		body = command.GetString("data")
	default:
		return nil, fmt.Errorf("unsupported command type %s", command.Type)
	}
	return []byte(body + "#\r\n"), nil
}
