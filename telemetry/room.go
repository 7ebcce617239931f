package telemetry

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	socketBufferSize  = 1024
	messageBufferSize = 10
)

var upgrader = &websocket.Upgrader{ReadBufferSize: socketBufferSize, WriteBufferSize: socketBufferSize}

// Client describes one connected websocket viewer.
type Client struct {
	ID     string    `json:"id"`
	Addr   string    `json:"addr"`
	Joined time.Time `json:"joined"`
}

type client struct {
	Client
	socket *websocket.Conn
	send   chan []byte
}

// Room fans messages out to every connected websocket client. A client that
// falls behind misses messages rather than slowing the others.
type Room struct {
	// forward holds messages to broadcast.
	forward chan []byte
	join    chan *client
	leave   chan *client
	done    chan struct{}
	clients map[*client]bool

	mu   sync.Mutex
	list []Client
}

func NewRoom() *Room {
	return &Room{
		forward: make(chan []byte, messageBufferSize),
		join:    make(chan *client),
		leave:   make(chan *client),
		done:    make(chan struct{}),
		clients: make(map[*client]bool),
	}
}

// Run serves the room until ctx is done, then disconnects every client.
func (r *Room) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			for c := range r.clients {
				r.remove(c)
			}
			return
		case c := <-r.join:
			r.clients[c] = true
			r.sync()
			glog.Infof("Telemetry: client %s joined from %s", c.ID, c.Addr)
		case c := <-r.leave:
			if r.clients[c] {
				r.remove(c)
				glog.Infof("Telemetry: client %s left", c.ID)
			}
		case msg := <-r.forward:
			for c := range r.clients {
				select {
				case c.send <- msg:
				default:
					if glog.V(2) {
						glog.Infof("Telemetry: client %s is behind, message dropped", c.ID)
					}
				}
			}
		}
	}
}

func (r *Room) remove(c *client) {
	delete(r.clients, c)
	close(c.send)
	r.sync()
}

func (r *Room) sync() {
	list := make([]Client, 0, len(r.clients))
	for c := range r.clients {
		list = append(list, c.Client)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Joined.Before(list[j].Joined) })
	r.mu.Lock()
	r.list = list
	r.mu.Unlock()
}

// Broadcast queues msg for every client. It never blocks; when the room is
// busy the message is dropped.
func (r *Room) Broadcast(msg []byte) bool {
	select {
	case r.forward <- msg:
		return true
	default:
		return false
	}
}

// Clients lists the connected clients, oldest first.
func (r *Room) Clients() []Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Client(nil), r.list...)
}

func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.list)
}

func (r *Room) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	socket, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		glog.Warningf("Telemetry: websocket upgrade: %v", err)
		return
	}
	c := &client{
		Client: Client{ID: uuid.NewString(), Addr: req.RemoteAddr, Joined: time.Now()},
		socket: socket,
		send:   make(chan []byte, messageBufferSize),
	}
	select {
	case r.join <- c:
	case <-r.done:
		socket.Close()
		return
	}
	defer func() {
		select {
		case r.leave <- c:
		case <-r.done:
		}
	}()
	go c.write()
	c.read()
}

// read discards incoming messages until the connection fails.
func (c *client) read() {
	for {
		if _, _, err := c.socket.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) write() {
	defer c.socket.Close()
	for msg := range c.send {
		if err := c.socket.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
