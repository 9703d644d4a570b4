package ws

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mealmesh/api/internal/enum"
)

// mockClient creates a client for testing without a real WebSocket connection
func mockClient(hub *Hub, userID uuid.UUID, role string) *Client {
	return &Client{
		hub:    hub,
		userID: userID,
		role:   role,
		send:   make(chan []byte, 256),
	}
}

func TestHubRegistration(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	userID := uuid.New()
	client := mockClient(hub, userID, enum.UserRoleCustomer)

	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	if !hub.rooms[UserRoomFor(userID)][client] {
		t.Fatal("client not registered in its user room")
	}
	if !hub.rooms[RoleRoomFor(enum.UserRoleCustomer)][client] {
		t.Fatal("client not registered in its role room")
	}
}

func TestHubUnregistrationReleasesAllRooms(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	userID := uuid.New()
	restaurantID := uuid.New()
	client := mockClient(hub, userID, enum.UserRoleRestaurantOwner)

	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	// Also join a dynamic room; disconnect must release it too.
	hub.Join(client, RestaurantRoomFor(restaurantID))
	time.Sleep(10 * time.Millisecond)

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	if hub.rooms[UserRoomFor(userID)] != nil {
		t.Fatal("user room not cleaned up after unregister")
	}
	if hub.rooms[RoleRoomFor(enum.UserRoleRestaurantOwner)] != nil {
		t.Fatal("role room not cleaned up after unregister")
	}
	if hub.rooms[RestaurantRoomFor(restaurantID)] != nil {
		t.Fatal("restaurant room not cleaned up after unregister")
	}
	if hub.members[client] != nil {
		t.Fatal("stale membership entry after unregister")
	}
}

func TestBroadcastToUserRoomIsolation(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	user1 := uuid.New()
	user2 := uuid.New()
	client1 := mockClient(hub, user1, enum.UserRoleCustomer)
	client2 := mockClient(hub, user2, enum.UserRoleDriver)

	hub.register <- client1
	hub.register <- client2
	time.Sleep(10 * time.Millisecond)

	testPayload := json.RawMessage(`{"order_id":"test-123"}`)
	hub.Broadcast(UserRoomFor(user1), Event{Type: "order_update", Payload: testPayload})

	select {
	case msg := <-client1.send:
		var received Event
		if err := json.Unmarshal(msg, &received); err != nil {
			t.Fatalf("failed to unmarshal message: %v", err)
		}
		if received.Type != "order_update" {
			t.Errorf("expected type 'order_update', got '%s'", received.Type)
		}
		if string(received.Payload) != string(testPayload) {
			t.Errorf("expected payload '%s', got '%s'", testPayload, received.Payload)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("client1 did not receive message")
	}

	select {
	case <-client2.send:
		t.Fatal("client2 should not have received another user's event")
	case <-time.After(50 * time.Millisecond):
		// Expected - no message received
	}
}

func TestBroadcastToRoleRoom(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	admin1 := mockClient(hub, uuid.New(), enum.UserRoleAdmin)
	admin2 := mockClient(hub, uuid.New(), enum.UserRoleAdmin)
	customer := mockClient(hub, uuid.New(), enum.UserRoleCustomer)

	hub.register <- admin1
	hub.register <- admin2
	hub.register <- customer
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(RoleRoomFor(enum.UserRoleAdmin), Event{
		Type:    "notification",
		Payload: json.RawMessage(`{"status":"CONFIRMED"}`),
	})

	for i, client := range []*Client{admin1, admin2} {
		select {
		case msg := <-client.send:
			var received Event
			if err := json.Unmarshal(msg, &received); err != nil {
				t.Fatalf("admin%d: failed to unmarshal: %v", i+1, err)
			}
			if received.Type != "notification" {
				t.Errorf("admin%d: expected type 'notification', got '%s'", i+1, received.Type)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("admin%d did not receive message", i+1)
		}
	}

	select {
	case <-customer.send:
		t.Fatal("customer should not receive admin role broadcasts")
	case <-time.After(50 * time.Millisecond):
		// Expected
	}
}

func TestJoinRestaurantRoom(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	restaurantID := uuid.New()
	owner := mockClient(hub, uuid.New(), enum.UserRoleRestaurantOwner)
	other := mockClient(hub, uuid.New(), enum.UserRoleRestaurantOwner)

	hub.register <- owner
	hub.register <- other
	time.Sleep(10 * time.Millisecond)

	hub.Join(owner, RestaurantRoomFor(restaurantID))
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(RestaurantRoomFor(restaurantID), Event{
		Type:    "new_order",
		Payload: json.RawMessage(`{"order_number":"MM-1"}`),
	})

	select {
	case msg := <-owner.send:
		var received Event
		if err := json.Unmarshal(msg, &received); err != nil {
			t.Fatalf("unmarshal error: %v", err)
		}
		if received.Type != "new_order" {
			t.Errorf("wrong event type: %s", received.Type)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("joined owner did not receive restaurant broadcast")
	}

	select {
	case <-other.send:
		t.Fatal("client that never joined should not receive restaurant broadcast")
	case <-time.After(50 * time.Millisecond):
		// Expected
	}
}

func TestBroadcastToEmptyRoom(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	client := mockClient(hub, uuid.New(), enum.UserRoleCustomer)
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	// No members in this room; must be a silent no-op.
	hub.Broadcast(UserRoomFor(uuid.New()), Event{
		Type:    "order_update",
		Payload: json.RawMessage(`{"test":"data"}`),
	})

	select {
	case <-client.send:
		t.Fatal("client should not receive message for another room")
	case <-time.After(50 * time.Millisecond):
		// Expected - no message
	}
}

func TestHubCleanupPartialRoom(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	role := enum.UserRoleDriver
	client1 := mockClient(hub, uuid.New(), role)
	client2 := mockClient(hub, uuid.New(), role)

	hub.register <- client1
	hub.register <- client2
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	if len(hub.rooms[RoleRoomFor(role)]) != 2 {
		t.Fatalf("expected 2 clients in role room, got %d", len(hub.rooms[RoleRoomFor(role)]))
	}
	hub.mu.RUnlock()

	hub.unregister <- client1
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	if len(hub.rooms[RoleRoomFor(role)]) != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", len(hub.rooms[RoleRoomFor(role)]))
	}
	if hub.rooms[UserRoomFor(client1.userID)] != nil {
		t.Fatal("departed client's user room should be deleted")
	}
}
