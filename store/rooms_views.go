package store

import (
	"sort"
	"strings"
)

// Views over a RoomsState. They never modify the state and return rooms in
// a stable order: lower-cased display name, then id.

func less(a, b *Room) bool {
	an, bn := strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName)
	if an != bn {
		return an < bn
	}

	return a.ID < b.ID
}

func sorted(rooms map[string]*Room, ok func(*Room) bool) []*Room {
	out := make([]*Room, 0, len(rooms))

	for _, r := range rooms {
		if ok == nil || ok(r) {
			out = append(out, r)
		}
	}

	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })

	return out
}

func filter(rooms map[string]*Room, query string) []*Room {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return sorted(rooms, nil)
	}

	return sorted(rooms, func(r *Room) bool {
		for _, field := range []string{r.DisplayName, r.CanonicalAlias, r.Topic, r.ID} {
			if strings.Contains(strings.ToLower(field), q) {
				return true
			}
		}

		return false
	})
}

func (s RoomsState) TotalUnreadCount() int {
	n := 0
	for _, r := range s.Rooms {
		n += r.UnreadCount
	}

	return n
}

func (s RoomsState) TotalHighlightCount() int {
	n := 0
	for _, r := range s.Rooms {
		n += r.HighlightCount
	}

	return n
}

func (s RoomsState) DirectMessageRooms() []*Room {
	return sorted(s.Rooms, func(r *Room) bool { return r.IsDirect && !r.IsSpace })
}

func (s RoomsState) SpaceRooms() []*Room {
	return sorted(s.Rooms, func(r *Room) bool { return r.IsSpace })
}

func (s RoomsState) RegularRooms() []*Room {
	return sorted(s.Rooms, func(r *Room) bool { return !r.IsDirect && !r.IsSpace })
}

// HomeRooms are the regular rooms that belong to no space.
func (s RoomsState) HomeRooms() []*Room {
	return sorted(s.Rooms, func(r *Room) bool {
		return !r.IsDirect && !r.IsSpace && len(r.ParentSpaceIDs) == 0
	})
}

func (s RoomsState) SpaceChildren(spaceID string) []*Room {
	space, ok := s.Rooms[spaceID]
	if !ok || !space.IsSpace {
		return []*Room{}
	}

	children := make(map[string]*Room, len(space.ChildRoomIDs))
	for _, childID := range space.ChildRoomIDs {
		if r, ok := s.Rooms[childID]; ok {
			children[childID] = r
		}
	}

	return sorted(children, nil)
}

func (s RoomsState) UnreadRooms() []*Room {
	return sorted(s.Rooms, func(r *Room) bool { return r.UnreadCount > 0 })
}

// RoomsSortedByActivity returns all rooms, most recent activity first.
func (s RoomsState) RoomsSortedByActivity() []*Room {
	out := sorted(s.Rooms, nil)

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})

	return out
}

func (s RoomsState) Filter(query string) []*Room {
	return filter(s.Rooms, query)
}

func (s RoomsState) Room(roomID string) *Room {
	return s.Rooms[roomID]
}

func (s RoomsState) SelectedRoom() *Room {
	if s.SelectedRoomID == "" {
		return nil
	}

	return s.Rooms[s.SelectedRoomID]
}

// PrimaryParent is the space a room is listed under when only one can be
// shown: the smallest parent id.
func (s RoomsState) PrimaryParent(roomID string) (string, bool) {
	r, ok := s.Rooms[roomID]
	if !ok || len(r.ParentSpaceIDs) == 0 {
		return "", false
	}

	return r.ParentSpaceIDs[0], true
}

// Shortcuts on the live store.

func (s *RoomsStore) TotalUnreadCount() int {
	s.RLock()
	defer s.RUnlock()

	return s.state.TotalUnreadCount()
}

func (s *RoomsStore) TotalHighlightCount() int {
	s.RLock()
	defer s.RUnlock()

	return s.state.TotalHighlightCount()
}

func (s *RoomsStore) Room(roomID string) *Room {
	s.RLock()
	defer s.RUnlock()

	r, ok := s.state.Rooms[roomID]
	if !ok {
		return nil
	}

	return r.clone()
}

func (s *RoomsStore) SelectedRoom() *Room {
	s.RLock()
	roomID := s.state.SelectedRoomID
	s.RUnlock()

	if roomID == "" {
		return nil
	}

	return s.Room(roomID)
}
