package matrix

import (
	"sort"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"maunium.net/go/mautrix/id"
)

var notDirectKeywords = []string{"room", "chat", "group", "channel"}

var directRoomTypes = map[string]bool{
	"m.direct": true,
	"direct":   true,
	"dm":       true,
}

// Resolve classifies the joined rooms into spaces, direct messages and plain
// rooms and links children to their parent spaces. It keeps no state between
// calls and its output does not depend on the order of in.Rooms.
func Resolve(in Input) *Hierarchy {
	states := dedupe(in.Rooms)

	direct := make(map[id.RoomID]bool)
	for _, roomIDs := range in.Direct {
		for _, roomID := range roomIDs {
			direct[id.RoomID(roomID)] = true
		}
	}

	h := &Hierarchy{byID: make(map[id.RoomID]*Room, len(states))}

	for _, rs := range states {
		h.byID[rs.in.ID] = buildRoom(rs, direct, in.UserID)
	}

	link(h, states)

	for _, rs := range states {
		r := h.byID[rs.in.ID]

		switch {
		case r.IsSpace:
			h.Spaces = append(h.Spaces, &Space{Room: r})
		case r.IsDirect:
			h.Directs = append(h.Directs, r)
		default:
			h.Rooms = append(h.Rooms, r)
			if len(r.ParentSpaceIDs) == 0 {
				h.Home = append(h.Home, r)
			} else {
				h.Children = append(h.Children, r)
			}
		}
	}

	for _, s := range h.Spaces {
		for _, childID := range s.ChildRoomIDs {
			s.ChildRooms = append(s.ChildRooms, h.byID[childID])
		}

		sortRooms(s.ChildRooms)
	}

	sort.SliceStable(h.Spaces, func(i, j int) bool { return less(h.Spaces[i].Room, h.Spaces[j].Room) })
	sortRooms(h.Directs)
	sortRooms(h.Rooms)
	sortRooms(h.Home)
	sortRooms(h.Children)

	logger.Debugf("resolved %d spaces, %d dms, %d rooms (%d home)", len(h.Spaces), len(h.Directs), len(h.Rooms), len(h.Home))
	logger.Tracef("resolved hierarchy %s", spew.Sdump(h.Spaces))

	return h
}

// fingerprint prints a RoomState with sorted map keys and without pointer
// addresses, so equal content gives an equal string.
var fingerprint = spew.ConfigState{
	Indent:                  " ",
	SortKeys:                true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
}

// dedupe drops rooms without an id and keeps one entry per id. Among
// duplicates the one with the smallest fingerprint wins, whatever the input
// order.
func dedupe(rooms []RoomState) []*roomState {
	type entry struct {
		room RoomState
		fp   string
	}

	sorted := make([]entry, 0, len(rooms))
	for _, r := range rooms {
		if r.ID == "" {
			logger.Debug("dropping room without id")
			continue
		}

		sorted = append(sorted, entry{room: r, fp: fingerprint.Sdump(r)})
	}

	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].room.ID != sorted[j].room.ID {
			return sorted[i].room.ID < sorted[j].room.ID
		}

		return sorted[i].fp < sorted[j].fp
	})

	seen := make(map[id.RoomID]bool, len(sorted))
	states := make([]*roomState, 0, len(sorted))

	for _, e := range sorted {
		if seen[e.room.ID] {
			logger.Debugf("dropping duplicate room %s", e.room.ID)
			continue
		}

		seen[e.room.ID] = true
		states = append(states, newRoomState(e.room))
	}

	return states
}

func buildRoom(rs *roomState, direct map[id.RoomID]bool, me id.UserID) *Room {
	r := &Room{
		ID:             rs.in.ID,
		Name:           strings.TrimSpace(rs.name()),
		Topic:          rs.topic(),
		Avatar:         rs.avatar(),
		CanonicalAlias: rs.canonicalAlias(),
		JoinRule:       rs.joinRule(),
		RoomType:       rs.in.RoomType,
		MemberCount:    rs.memberCount(),
		IsSpace:        rs.isSpace(),
		Encrypted:      rs.encrypted(),
	}

	for _, u := range rs.members() {
		if u.Membership == membershipJoin {
			r.Members = append(r.Members, u)
		}
	}

	base := baseName(rs)
	if !r.IsSpace {
		r.IsDirect = isDirect(rs, r, base, direct, me)
	}

	r.DisplayName = displayName(rs, base, r.IsDirect, me)

	return r
}

// isDirect applies the direct message rules in priority order. Anything the
// backend marked as direct wins over the heuristics below it.
func isDirect(rs *roomState, r *Room, base string, direct map[id.RoomID]bool, me id.UserID) bool {
	if rs.in.IsDirect || direct[r.ID] || directRoomTypes[strings.ToLower(rs.in.RoomType)] {
		return true
	}

	for _, u := range rs.members() {
		if u.ID == me && u.IsDirect {
			return true
		}
	}

	if r.CanonicalAlias != "" {
		return false
	}

	lower := strings.ToLower(base)
	for _, kw := range notDirectKeywords {
		if strings.Contains(lower, kw) {
			return false
		}
	}

	return r.JoinRule == "invite" && r.MemberCount == 2
}

// link fills ChildRoomIDs of every space and ParentSpaceIDs of the rooms
// they contain. Children that are not in the joined set are dropped.
func link(h *Hierarchy, states []*roomState) {
	parents := make(map[id.RoomID]map[id.RoomID]bool)

	for _, rs := range states {
		space := h.byID[rs.in.ID]
		if !space.IsSpace {
			continue
		}

		seen := make(map[id.RoomID]bool)

		for _, childID := range rs.children() {
			if childID == space.ID || seen[childID] {
				continue
			}

			if _, ok := h.byID[childID]; !ok {
				logger.Debugf("space %s: child %s not joined, skipping", space.ID, childID)
				continue
			}

			seen[childID] = true
			space.ChildRoomIDs = append(space.ChildRoomIDs, childID)

			if parents[childID] == nil {
				parents[childID] = make(map[id.RoomID]bool)
			}

			parents[childID][space.ID] = true
		}

		sortIDs(space.ChildRoomIDs)
	}

	for childID, ps := range parents {
		child := h.byID[childID]
		for p := range ps {
			child.ParentSpaceIDs = append(child.ParentSpaceIDs, p)
		}

		sortIDs(child.ParentSpaceIDs)
	}
}

func sortIDs(ids []id.RoomID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func less(a, b *Room) bool {
	an, bn := strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName)
	if an != bn {
		return an < bn
	}

	return a.ID < b.ID
}

func sortRooms(rooms []*Room) {
	sort.SliceStable(rooms, func(i, j int) bool { return less(rooms[i], rooms[j]) })
}
