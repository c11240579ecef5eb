package server

import (
	"context"
	"encoding/json"
	"io/fs"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/obd-dash/internal/metrics"
	"github.com/shaunagostinho/obd-dash/internal/obd"
)

// Event names sent to viewers.
const (
	EventUpdate = "obd_update"
	EventHello  = "hello"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Server runs the broadcast loop and fans records out to WebSocket viewers.
type Server struct {
	cfg      *Config
	sampler  *obd.Sampler
	metrics  *metrics.Collector
	webFS    fs.FS
	interval time.Duration

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	// last adapter state seen by the broadcast loop, for the status API
	state atomic.Int32
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Event is the JSON envelope sent to every viewer.
type Event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
	Stamp int64       `json:"stamp"` // Unix ms
}

// Hello is sent once to each viewer on connect.
type Hello struct {
	Adapter  string    `json:"adapter"`
	State    obd.State `json:"state"`
	Commands []string  `json:"commands"`
}

// Status is returned by /api/status.
type Status struct {
	Adapter  string    `json:"adapter"`
	State    obd.State `json:"state"`
	Viewers  int       `json:"viewers"`
	Commands []string  `json:"commands"`
	Interval string    `json:"interval"`
}

// New creates a new Server. m may be nil.
func New(cfg *Config, sampler *obd.Sampler, m *metrics.Collector, webFS fs.FS) *Server {
	s := &Server{
		cfg:      cfg,
		sampler:  sampler,
		metrics:  m,
		webFS:    webFS,
		interval: cfg.PollInterval(),
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			// tablets on the local network load the page from our own origin,
			// but kiosk browsers sometimes send none
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.state.Store(int32(sampler.Handle().State()))
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Dashboard page and assets
	mux.Handle("/", http.FileServer(http.FS(s.webFS)))

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/config", s.handleConfig)

	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// Run starts the broadcast loop and the HTTP server. It returns when ctx is
// cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	loopCtx, stop := context.WithCancel(ctx)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		s.pollLoop(loopCtx)
	}()
	defer func() {
		stop()
		<-loopDone
	}()

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.WithField("addr", s.cfg.Server.ListenAddr).Info("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server")
	}
	return nil
}

// pollLoop samples, publishes and then waits a fixed delay, until ctx is done.
func (s *Server) pollLoop(ctx context.Context) {
	log.WithField("interval", s.interval).Info("broadcast loop started")
	for {
		s.tick()
		select {
		case <-ctx.Done():
			log.Info("broadcast loop stopped")
			return
		case <-time.After(s.interval):
		}
	}
}

// tick runs one poll-and-publish iteration.
func (s *Server) tick() {
	h := s.sampler.Handle()
	if s.cfg.Adapter.Reconnect {
		h.MaybeReconnect()
	}
	rec := s.sampler.Sample()
	s.state.Store(int32(h.State()))
	s.publish(rec)
}

func (s *Server) publish(rec obd.Record) {
	s.broadcast(Event{Event: EventUpdate, Data: rec, Stamp: time.Now().UnixMilli()})
	if s.metrics != nil {
		s.metrics.Published()
	}
}

// broadcast queues an event for every viewer. A viewer whose buffer is full
// misses this event; nobody waits for it.
func (s *Server) broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.WithFields(log.Fields{"event": ev.Event, "err": err}).Error("marshal event")
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			if s.metrics != nil {
				s.metrics.Dropped()
			}
		}
	}
}

// ViewerCount returns the number of connected viewers.
func (s *Server) ViewerCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("err", err).Warn("ws upgrade failed")
		return
	}

	size := s.cfg.Server.SendBuffer
	if size < 1 {
		size = 16
	}
	client := &wsClient{
		conn: conn,
		send: make(chan []byte, size),
	}

	hello := Event{
		Event: EventHello,
		Data: Hello{
			Adapter:  s.sampler.Handle().Name(),
			State:    obd.State(s.state.Load()),
			Commands: s.sampler.Registry().Names(),
		},
		Stamp: time.Now().UnixMilli(),
	}
	if data, err := json.Marshal(hello); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.viewersChanged(n)

	log.WithFields(log.Fields{"remote": r.RemoteAddr, "viewers": n}).Info("viewer connected")

	go s.writePump(client)
	go s.readPump(client, r.RemoteAddr)
}

// writePump drains the viewer's queue and keeps the connection alive.
func (s *Server) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards incoming messages and unregisters the viewer once the
// connection fails.
func (s *Server) readPump(c *wsClient, remote string) {
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, c)
		n := len(s.clients)
		close(c.send)
		s.clientsMu.Unlock()
		s.viewersChanged(n)
		log.WithFields(log.Fields{"remote": remote, "viewers": n}).Info("viewer disconnected")
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) viewersChanged(n int) {
	if s.metrics != nil {
		s.metrics.SetViewers(n)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st := Status{
		Adapter:  s.sampler.Handle().Name(),
		State:    obd.State(s.state.Load()),
		Viewers:  s.ViewerCount(),
		Commands: s.sampler.Registry().Names(),
		Interval: s.interval.String(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := s.cfg.ToJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
