package matrix

import (
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/42wim/mxpane/bridge"
)

// RoomState is one joined room as handed to Resolve: its raw state plus
// whatever the backend already knows about it.
type RoomState struct {
	ID          id.RoomID
	Events      []bridge.StateEvent
	DisplayName string
	IsDirect    bool
	RoomType    string
	MemberCount int
}

// Input is everything Resolve needs. Direct is the m.direct account data;
// its keys are not interpreted.
type Input struct {
	Rooms  []RoomState
	Direct map[string][]string
	UserID id.UserID
}

// User is a room member taken from an m.room.member event.
type User struct {
	ID          id.UserID
	DisplayName string
	AvatarURL   string
	Membership  event.Membership
	IsDirect    bool
}

// Room is a classified room. DisplayName is always set; ParentSpaceIDs and
// ChildRoomIDs are sorted and only name rooms in the same Hierarchy.
type Room struct {
	ID             id.RoomID
	DisplayName    string
	Name           string
	Topic          string
	Avatar         string
	CanonicalAlias id.RoomAlias
	JoinRule       string
	RoomType       string
	MemberCount    int
	IsSpace        bool
	IsDirect       bool
	Encrypted      bool
	ParentSpaceIDs []id.RoomID
	ChildRoomIDs   []id.RoomID
	Members        []*User
}

// Space is a space room with its resolved children. Declared children that
// are not joined are left out.
type Space struct {
	*Room
	ChildRooms []*Room
}

// Hierarchy is the classified output of Resolve. Spaces, Directs and Rooms
// are disjoint. Rooms is split again into Home (no parent space) and
// Children.
type Hierarchy struct {
	Spaces   []*Space
	Directs  []*Room
	Rooms    []*Room
	Home     []*Room
	Children []*Room

	byID map[id.RoomID]*Room
}

// Get looks up a resolved room by id. It is safe on a nil Hierarchy.
func (h *Hierarchy) Get(roomID id.RoomID) *Room {
	if h == nil {
		return nil
	}

	return h.byID[roomID]
}

// All returns every resolved room: spaces, DMs and plain rooms.
func (h *Hierarchy) All() []*Room {
	all := make([]*Room, 0, len(h.byID))
	for _, s := range h.Spaces {
		all = append(all, s.Room)
	}

	all = append(all, h.Directs...)
	all = append(all, h.Rooms...)
	sortRooms(all)

	return all
}

// PrimaryParent picks the space a room is shown under when only one can be
// shown.
func PrimaryParent(r *Room) (id.RoomID, bool) {
	if r == nil || len(r.ParentSpaceIDs) == 0 {
		return "", false
	}

	return r.ParentSpaceIDs[0], true
}
