package websocket

// Registry maps room names to member connections and back. It is owned by the
// hub goroutine and is not safe for concurrent use.
type Registry struct {
	rooms   map[string]map[*Client]struct{}
	members map[*Client]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:   make(map[string]map[*Client]struct{}),
		members: make(map[*Client]map[string]struct{}),
	}
}

// Join adds c to room and reports whether it was newly added.
func (r *Registry) Join(c *Client, room string) bool {
	clients, ok := r.rooms[room]
	if !ok {
		clients = make(map[*Client]struct{})
		r.rooms[room] = clients
	}
	if _, exists := clients[c]; exists {
		return false
	}
	clients[c] = struct{}{}

	joined, ok := r.members[c]
	if !ok {
		joined = make(map[string]struct{})
		r.members[c] = joined
	}
	joined[room] = struct{}{}
	return true
}

// Leave removes c from room and reports whether it was a member. Empty rooms
// are dropped.
func (r *Registry) Leave(c *Client, room string) bool {
	clients, ok := r.rooms[room]
	if !ok {
		return false
	}
	if _, exists := clients[c]; !exists {
		return false
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(r.rooms, room)
	}

	if joined, ok := r.members[c]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.members, c)
		}
	}
	return true
}

// Remove drops c from every room and returns the rooms it was in.
func (r *Registry) Remove(c *Client) []string {
	joined := r.members[c]
	rooms := make([]string, 0, len(joined))
	for room := range joined {
		rooms = append(rooms, room)
		if clients, ok := r.rooms[room]; ok {
			delete(clients, c)
			if len(clients) == 0 {
				delete(r.rooms, room)
			}
		}
	}
	delete(r.members, c)
	return rooms
}

// Members returns a snapshot of the connections in room.
func (r *Registry) Members(room string) []*Client {
	clients := r.rooms[room]
	out := make([]*Client, 0, len(clients))
	for c := range clients {
		out = append(out, c)
	}
	return out
}

// Union returns every connection that belongs to at least one of rooms, each
// exactly once.
func (r *Registry) Union(rooms ...string) []*Client {
	if len(rooms) == 1 {
		return r.Members(rooms[0])
	}
	seen := make(map[*Client]struct{})
	var out []*Client
	for _, room := range rooms {
		for c := range r.rooms[room] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

// RoomsOf returns the rooms c belongs to.
func (r *Registry) RoomsOf(c *Client) []string {
	joined := r.members[c]
	out := make([]string, 0, len(joined))
	for room := range joined {
		out = append(out, room)
	}
	return out
}

func (r *Registry) IsMember(c *Client, room string) bool {
	_, ok := r.rooms[room][c]
	return ok
}

// Size returns the number of members of room.
func (r *Registry) Size(room string) int {
	return len(r.rooms[room])
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	return len(r.rooms)
}
