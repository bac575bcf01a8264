package broadcast

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/geotrail/gtrd/config"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout   = 10 * time.Second
	clientBacklog  = 64
	socketEndpoint = "/api/socket"
)

// WebsocketServer exposes the live update stream. Each client gets a
// bounded send queue; a client that cannot keep up is disconnected rather
// than allowed to stall the feed.
type WebsocketServer struct {
	ctx         context.Context
	wg          *sync.WaitGroup
	cfg         *config.WebsocketConfig
	broadcaster *Broadcaster

	localCtx context.Context
	stopFunc context.CancelFunc

	upgrader   websocket.Upgrader
	httpServer *http.Server

	lock    sync.Mutex
	clients map[*feedClient]struct{}
}

type feedClient struct {
	conn *websocket.Conn
	send chan *Update
}

func NewWebsocketServer(ctx context.Context, wg *sync.WaitGroup, cfg *config.WebsocketConfig,
	broadcaster *Broadcaster) *WebsocketServer {
	server := &WebsocketServer{
		ctx:         ctx,
		wg:          wg,
		cfg:         cfg,
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[*feedClient]struct{}),
	}

	broadcaster.Subscribe(server.consume)
	return server
}

func (s *WebsocketServer) Start() error {
	log := config.GetLogger(s.ctx)

	s.localCtx, s.stopFunc = context.WithCancel(s.ctx)

	mux := http.NewServeMux()
	mux.HandleFunc(socketEndpoint, s.serveClient)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: mux,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		log.Infof("Websocket server listening on %s%s", s.httpServer.Addr, socketEndpoint)
		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Errorf("Websocket server failed. %v", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		<-s.localCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Errorf("Websocket server shutdown failed. %v", err)
		}
		s.closeClients()
	}()

	return nil
}

func (s *WebsocketServer) Stop() error {
	if s.stopFunc != nil {
		s.stopFunc()
	}
	return nil
}

func (s *WebsocketServer) serveClient(w http.ResponseWriter, r *http.Request) {
	log := config.GetLogger(s.ctx)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("Websocket upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	client := &feedClient{
		conn: conn,
		send: make(chan *Update, clientBacklog),
	}
	s.lock.Lock()
	s.clients[client] = struct{}{}
	count := len(s.clients)
	s.lock.Unlock()
	log.Infof("Websocket client connected from %s (%d clients)", r.RemoteAddr, count)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writePump(client)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readPump(client)
	}()
}

// readPump only drains control frames; the feed is one-directional.
func (s *WebsocketServer) readPump(client *feedClient) {
	defer s.dropClient(client)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *WebsocketServer) writePump(client *feedClient) {
	log := config.GetLogger(s.ctx)
	defer s.dropClient(client)

	for {
		select {
		case update, ok := <-client.send:
			if !ok {
				return
			}
			if err := client.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := client.conn.WriteJSON(update); err != nil {
				log.Debugf("Websocket write failed: %v", err)
				return
			}
		case <-s.localCtx.Done():
			return
		}
	}
}

// consume receives every published update and queues it per client.
func (s *WebsocketServer) consume(update *Update) error {
	log := config.GetLogger(s.ctx)

	s.lock.Lock()
	defer s.lock.Unlock()
	for client := range s.clients {
		select {
		case client.send <- update:
		default:
			log.Warnf("Websocket client too slow, disconnecting")
			delete(s.clients, client)
			close(client.send)
			_ = client.conn.Close()
		}
	}
	return nil
}

func (s *WebsocketServer) dropClient(client *feedClient) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		close(client.send)
	}
	_ = client.conn.Close()
}

func (s *WebsocketServer) closeClients() {
	s.lock.Lock()
	defer s.lock.Unlock()
	for client := range s.clients {
		delete(s.clients, client)
		close(client.send)
		_ = client.conn.Close()
	}
}
