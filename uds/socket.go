package uds

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/geotrail/gtrd/config"
	"github.com/sirupsen/logrus"
)

const protocol = "unix"

// LineHandler processes one operator command line and returns the reply
// to echo back, or an empty string for no reply.
type LineHandler func(deviceId int64, line string) string

// Server is the unix domain socket of a single device.
type Server struct {
	ctx      context.Context
	wg       *sync.WaitGroup
	quit     chan interface{}
	listener net.Listener
	log      *logrus.Entry
	basePath string
	deviceId int64
	handler  LineHandler
}

func NewServer(ctx context.Context, wg *sync.WaitGroup, deviceId int64, basePath string, handler LineHandler) *Server {
	log := config.GetLogger(ctx).WithField("deviceId", deviceId)

	return &Server{
		ctx:      ctx,
		wg:       wg,
		quit:     make(chan interface{}),
		log:      log,
		basePath: basePath,
		deviceId: deviceId,
		handler:  handler,
	}
}

func (us *Server) socketPath() string {
	return filepath.Join(us.basePath, fmt.Sprintf("%s-%d", config.AppName, us.deviceId))
}

func (us *Server) removeSocketFile() error {
	sockAddr := us.socketPath()

	_, err := os.Stat(sockAddr)
	if err == nil {
		if err := os.RemoveAll(sockAddr); err != nil {
			return err
		}
	}

	return nil
}

func (us *Server) Start() error {
	sockAddr := us.socketPath()

	// Remove socket file if a previous run left it behind
	err := us.removeSocketFile()
	if err != nil {
		us.log.Errorf("Failed to remove socket file. %v", err)
	}

	us.log.Infof("Opening socket: %s://%s", protocol, sockAddr)
	us.listener, err = net.Listen(protocol, sockAddr)
	if err != nil {
		return fmt.Errorf("failed to open socket. %v", err)
	}

	us.wg.Add(1)
	go us.acceptConnections()

	return nil
}

func (us *Server) Stop() error {
	close(us.quit)

	err := us.listener.Close()
	if err != nil {
		us.log.Errorf("Failed to close listener. %v", err)
	}

	err = us.removeSocketFile()
	if err != nil {
		us.log.Errorf("Failed to remove socket file. %v", err)
	}

	return err
}

func (us *Server) acceptConnections() {
	defer us.wg.Done()

	for {
		conn, err := us.listener.Accept()
		if err != nil {
			select {
			case <-us.quit:
				return
			default:
				us.log.Errorf("failed to accept UDS connection. %v", err)
				continue
			}
		}

		us.log.Infof("New UDS connection accepted")
		us.wg.Add(1)
		go func() {
			defer us.wg.Done()
			us.serveConnection(conn)
		}()
	}
}

func (us *Server) serveConnection(conn net.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		reply := us.handler(us.deviceId, scanner.Text())
		if reply == "" {
			continue
		}
		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			us.log.Errorf("Failed to send reply to UDS connection. %v", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		us.log.Debugf("UDS read loop terminated. %v", err)
	}
	us.log.Infof("UDS socket terminated.")
}
