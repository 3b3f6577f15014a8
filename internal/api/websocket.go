// internal/api/websocket.go
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Corphon/VillagerBridge/internal/services"
	"github.com/Corphon/VillagerBridge/internal/utils"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	clientSendSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// game clients connect from arbitrary origins
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketConnection is the part of *websocket.Conn the hub uses
type WebSocketConnection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// DisplayClient is one connected display subscriber
type DisplayClient struct {
	id        string
	conn      WebSocketConnection
	group     atomic.Pointer[string]
	send      chan []byte
	control   chan []byte
	lastPing  atomic.Int64
	createdAt time.Time
}

func newDisplayClient(id string, conn WebSocketConnection, group string) *DisplayClient {
	client := &DisplayClient{
		id:        id,
		conn:      conn,
		send:      make(chan []byte, clientSendSize),
		control:   make(chan []byte, 8),
		createdAt: time.Now(),
	}
	client.setGroup(group)
	client.UpdatePing()
	return client
}

// UpdatePing records liveness
func (client *DisplayClient) UpdatePing() {
	client.lastPing.Store(time.Now().UnixNano())
}

// IsExpired reports whether the client has been silent longer than timeout
func (client *DisplayClient) IsExpired(timeout time.Duration) bool {
	return time.Since(time.Unix(0, client.lastPing.Load())) > timeout
}

func (client *DisplayClient) setGroup(group string) {
	client.group.Store(&group)
}

// Group is the group key filter; empty means every group
func (client *DisplayClient) Group() string {
	if g := client.group.Load(); g != nil {
		return *g
	}
	return ""
}

// wants reports whether a line for groupKey should reach this client
func (client *DisplayClient) wants(groupKey string) bool {
	g := client.Group()
	return g == "" || g == groupKey
}

// displayMessage is the wire form of one played line
type displayMessage struct {
	Type        string    `json:"type"`
	GroupKey    string    `json:"groupKey"`
	ScriptID    string    `json:"scriptId"`
	Version     int       `json:"version"`
	SpeakerID   string    `json:"speakerId"`
	SpeakerName string    `json:"speakerName"`
	Message     string    `json:"message"`
	Phase       string    `json:"phase"`
	LineNumber  int       `json:"lineNumber"`
	Loop        int       `json:"loop"`
	Timestamp   time.Time `json:"timestamp"`
}

type hubMessage struct {
	group string
	data  []byte
}

// DisplayHub fans played lines out to WebSocket subscribers. It implements
// services.DisplaySink; Display never blocks the executor, and lines that
// do not fit the broadcast queue are dropped and counted.
type DisplayHub struct {
	clients    map[*DisplayClient]struct{}
	broadcast  chan hubMessage
	register   chan *DisplayClient
	unregister chan *DisplayClient
	quit       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once

	// mutex guards clients for GetStatus; run is the only writer
	mutex       sync.RWMutex
	pingTimeout time.Duration

	dropped atomic.Int64
	metrics *utils.MetricsCollector
	logger  *utils.Logger
}

var _ services.DisplaySink = (*DisplayHub)(nil)

// NewDisplayHub starts a hub
func NewDisplayHub(metrics *utils.MetricsCollector) *DisplayHub {
	if metrics == nil {
		metrics = utils.GetMetricsCollector()
	}
	hub := &DisplayHub{
		clients:     make(map[*DisplayClient]struct{}),
		broadcast:   make(chan hubMessage, 256),
		register:    make(chan *DisplayClient),
		unregister:  make(chan *DisplayClient),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		pingTimeout: pongWait,
		metrics:     metrics,
		logger:      utils.GetLogger(),
	}
	go hub.run()
	return hub
}

// Display implements services.DisplaySink
func (hub *DisplayHub) Display(line services.DisplayLine) error {
	data, err := json.Marshal(displayMessage{
		Type:        "line",
		GroupKey:    line.GroupKey,
		ScriptID:    line.ScriptID,
		Version:     line.Version,
		SpeakerID:   line.SpeakerID,
		SpeakerName: line.SpeakerName,
		Message:     line.Message,
		Phase:       line.Phase,
		LineNumber:  line.LineNumber,
		Loop:        line.Loop,
		Timestamp:   line.Timestamp,
	})
	if err != nil {
		return err
	}

	select {
	case <-hub.quit:
		return nil
	default:
	}
	select {
	case hub.broadcast <- hubMessage{group: line.GroupKey, data: data}:
	default:
		hub.dropped.Add(1)
		hub.metrics.IncrementCounter("display_hub_dropped_total")
	}
	return nil
}

func (hub *DisplayHub) run() {
	defer close(hub.done)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case client := <-hub.register:
			hub.registerClient(client)

		case client := <-hub.unregister:
			hub.removeClient(client)

		case <-ticker.C:
			hub.cleanupExpiredConnections()

		case msg := <-hub.broadcast:
			hub.broadcastMessage(msg)

		case <-hub.quit:
			hub.shutdown()
			return
		}
	}
}

func (hub *DisplayHub) registerClient(client *DisplayClient) {
	hub.mutex.Lock()
	hub.clients[client] = struct{}{}
	n := len(hub.clients)
	hub.mutex.Unlock()

	hub.metrics.SetGauge("display_clients", int64(n))
	hub.logger.Info("display client connected", map[string]interface{}{
		"client_id": client.id,
		"group_key": client.Group(),
	})
}

// removeClient drops client and closes its send channel, which ends its
// write pump. Only run calls it, so send is never closed twice.
func (hub *DisplayHub) removeClient(client *DisplayClient) {
	hub.mutex.Lock()
	_, ok := hub.clients[client]
	if ok {
		delete(hub.clients, client)
		close(client.send)
	}
	n := len(hub.clients)
	hub.mutex.Unlock()

	if ok {
		hub.metrics.SetGauge("display_clients", int64(n))
		hub.logger.Info("display client disconnected", map[string]interface{}{
			"client_id": client.id,
		})
	}
}

func (hub *DisplayHub) cleanupExpiredConnections() {
	hub.mutex.RLock()
	var expired []*DisplayClient
	for client := range hub.clients {
		if client.IsExpired(hub.pingTimeout) {
			expired = append(expired, client)
		}
	}
	hub.mutex.RUnlock()

	for _, client := range expired {
		hub.removeClient(client)
	}
}

func (hub *DisplayHub) broadcastMessage(msg hubMessage) {
	hub.mutex.RLock()
	var slow []*DisplayClient
	for client := range hub.clients {
		if !client.wants(msg.group) {
			continue
		}
		select {
		case client.send <- msg.data:
		default:
			slow = append(slow, client)
		}
	}
	hub.mutex.RUnlock()

	for _, client := range slow {
		hub.logger.Warn("display client too slow, disconnecting", map[string]interface{}{
			"client_id": client.id,
		})
		hub.removeClient(client)
	}
}

func (hub *DisplayHub) shutdown() {
	hub.mutex.Lock()
	for client := range hub.clients {
		delete(hub.clients, client)
		close(client.send)
	}
	hub.mutex.Unlock()
	hub.metrics.SetGauge("display_clients", 0)
}

// Close disconnects every client and stops the hub
func (hub *DisplayHub) Close() {
	hub.closeOnce.Do(func() { close(hub.quit) })
	<-hub.done
}

// ClientCount returns the number of connected clients
func (hub *DisplayHub) ClientCount() int {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return len(hub.clients)
}

// Dropped returns how many lines did not fit the broadcast queue
func (hub *DisplayHub) Dropped() int64 {
	return hub.dropped.Load()
}

// GetStatus summarises connected clients
func (hub *DisplayHub) GetStatus() map[string]interface{} {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()

	groups := make(map[string]int)
	clients := make([]map[string]interface{}, 0, len(hub.clients))
	for client := range hub.clients {
		group := client.Group()
		if group == "" {
			group = "*"
		}
		groups[group]++
		clients = append(clients, map[string]interface{}{
			"client_id":    client.id,
			"group_key":    client.Group(),
			"connected_at": client.createdAt.Format(time.RFC3339),
			"last_ping":    time.Unix(0, client.lastPing.Load()).Format(time.RFC3339),
		})
	}

	return map[string]interface{}{
		"total_connections": len(hub.clients),
		"groups":            groups,
		"clients":           clients,
		"dropped_lines":     hub.dropped.Load(),
		"ping_timeout_sec":  int(hub.pingTimeout.Seconds()),
	}
}
