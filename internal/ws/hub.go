package ws

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Event is a message pushed to connected clients.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RoomKind enumerates the room categories a session can belong to.
type RoomKind int

const (
	// UserRoom is a private room keyed by subject id.
	UserRoom RoomKind = iota
	// RoleRoom is shared by every connected subject with that role.
	RoleRoom
	// RestaurantRoom is joined on request by the restaurant's owner or
	// an admin.
	RestaurantRoom
)

// Room identifies one broadcast target.
type Room struct {
	Kind RoomKind
	Key  string
}

func UserRoomFor(userID uuid.UUID) Room {
	return Room{Kind: UserRoom, Key: userID.String()}
}

func RoleRoomFor(role string) Room {
	return Room{Kind: RoleRoom, Key: role}
}

func RestaurantRoomFor(restaurantID uuid.UUID) Room {
	return Room{Kind: RestaurantRoom, Key: restaurantID.String()}
}

// roomEvent routes an event to one room.
type roomEvent struct {
	Room  Room
	Event Event
}

// joinRequest adds an already-registered client to an extra room.
type joinRequest struct {
	client *Client
	room   Room
}

// Hub maintains the set of active clients and their room memberships,
// and broadcasts events to rooms. All membership mutation happens in
// Run's loop.
type Hub struct {
	rooms map[Room]map[*Client]bool

	// Reverse index so a disconnect releases every membership,
	// including rooms joined after the handshake.
	members map[*Client]map[Room]bool

	register   chan *Client
	unregister chan *Client
	join       chan joinRequest
	broadcast  chan *roomEvent

	mu sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[Room]map[*Client]bool),
		members:    make(map[*Client]map[Room]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		join:       make(chan joinRequest),
		broadcast:  make(chan *roomEvent, 256),
	}
}

// Run starts the hub's main loop.
// This should be called as a goroutine: go hub.Run()
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			// Every session lands in its private room and its role's
			// shared room.
			h.addLocked(client, UserRoomFor(client.userID))
			h.addLocked(client, RoleRoomFor(client.role))
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.members[client]; ok {
				h.dropLocked(client)
				close(client.send)
			}
			h.mu.Unlock()

		case req := <-h.join:
			h.mu.Lock()
			// Ignore joins racing a disconnect.
			if _, ok := h.members[req.client]; ok {
				h.addLocked(req.client, req.room)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.Lock()
			clients := h.rooms[event.Room]

			message, err := json.Marshal(event.Event)
			if err != nil {
				h.mu.Unlock()
				continue
			}

			for client := range clients {
				select {
				case client.send <- message:
				default:
					// Client's send buffer is full; drop the whole
					// session so no stale memberships remain.
					h.dropLocked(client)
					close(client.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast pushes an event to every client in the room. A room with no
// members is a no-op, not an error.
func (h *Hub) Broadcast(room Room, event Event) {
	h.broadcast <- &roomEvent{Room: room, Event: event}
}

// Join adds the client to an additional room. Authorization happens in
// the relay before this is called.
func (h *Hub) Join(client *Client, room Room) {
	h.join <- joinRequest{client: client, room: room}
}

func (h *Hub) addLocked(client *Client, room Room) {
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][client] = true
	if h.members[client] == nil {
		h.members[client] = make(map[Room]bool)
	}
	h.members[client][room] = true
}

// dropLocked removes the client from every room it belongs to and
// cleans up rooms left empty.
func (h *Hub) dropLocked(client *Client) {
	for room := range h.members[client] {
		delete(h.rooms[room], client)
		if len(h.rooms[room]) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(h.members, client)
}
