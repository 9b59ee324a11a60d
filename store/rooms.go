package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/muesli/reflow/truncate"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/42wim/mxpane/bridge"
	"github.com/42wim/mxpane/bridge/matrix"
	"github.com/42wim/mxpane/bus"
)

const (
	previewWidth = 100

	errConnectionLost = "Connection lost"
	errRoomsFailed    = "Failed to load rooms"

	roomTypeSpace = "m.space"
)

type Presence string

const (
	PresenceOnline      Presence = "online"
	PresenceOffline     Presence = "offline"
	PresenceUnavailable Presence = "unavailable"
	PresenceUnknown     Presence = "unknown"
)

// Member is one user's membership of a room.
type Member struct {
	UserID      string
	DisplayName string
	AvatarURL   string
	Membership  event.Membership
	PowerLevel  int
	Presence    Presence
}

// Room is the store's view of a joined room. ParentSpaceIDs and ChildRoomIDs
// only ever name rooms present in the same RoomsState.
type Room struct {
	ID             string
	DisplayName    string
	Topic          string
	AvatarURL      string
	CanonicalAlias string
	IsDirect       bool
	IsSpace        bool
	IsEncrypted    bool
	JoinRule       string
	RoomType       string
	MemberCount    int
	UnreadCount    int
	HighlightCount int
	LastMessage    string
	LastActivity   time.Time
	Members        map[string]*Member
	ParentSpaceIDs []string
	ChildRoomIDs   []string

	// membersLoaded is set once the full member list arrived; until then
	// Members is partial and MemberCount comes from the backend.
	membersLoaded bool
}

func (r *Room) clone() *Room {
	c := *r

	c.Members = make(map[string]*Member, len(r.Members))
	for k, m := range r.Members {
		mc := *m
		c.Members[k] = &mc
	}

	c.ParentSpaceIDs = append([]string(nil), r.ParentSpaceIDs...)
	c.ChildRoomIDs = append([]string(nil), r.ChildRoomIDs...)

	return &c
}

func (r *Room) joinedCount() int {
	n := 0

	for _, m := range r.Members {
		if m.Membership == event.MembershipJoin {
			n++
		}
	}

	return n
}

// RoomsState is an immutable snapshot handed to listeners and GetState
// callers.
type RoomsState struct {
	Rooms          map[string]*Room
	SelectedRoomID string
	IsLoading      bool
	Error          string
	SearchQuery    string
	FilteredRooms  []*Room
}

// clone copies the state deep enough that callers cannot reach the store's
// maps. FilteredRooms points into the copied Rooms.
func (s *RoomsState) clone() RoomsState {
	c := *s

	c.Rooms = make(map[string]*Room, len(s.Rooms))
	for k, r := range s.Rooms {
		c.Rooms[k] = r.clone()
	}

	c.FilteredRooms = make([]*Room, 0, len(s.FilteredRooms))
	for _, r := range s.FilteredRooms {
		c.FilteredRooms = append(c.FilteredRooms, c.Rooms[r.ID])
	}

	return c
}

// RoomsStore projects room events on the bus into a RoomsState.
type RoomsStore struct {
	sync.RWMutex

	bus       *bus.EventBus
	state     RoomsState
	hierarchy *matrix.Hierarchy
	userID    string

	listeners listeners[RoomsState]
	unsubs    []func()
}

func NewRoomsStore(b *bus.EventBus) *RoomsStore {
	s := &RoomsStore{
		bus:   b,
		state: RoomsState{Rooms: make(map[string]*Room), FilteredRooms: []*Room{}},
	}

	handlers := map[string]func(st *RoomsState, data interface{}){
		bus.RoomListLoading:      s.onListLoading,
		bus.RoomListUpdated:      s.onListUpdated,
		bus.RoomListError:        s.onListError,
		bus.RoomHierarchyUpdated: s.onHierarchy,
		bus.RoomSelected:         s.onSelected,
		bus.RoomJoined:           s.onJoined,
		bus.RoomUpdated:          s.onUpdated,
		bus.RoomLeft:             s.onLeft,
		bus.RoomMemberUpdated:    s.onMemberUpdated,
		bus.RoomMembersLoaded:    s.onMembersLoaded,
		bus.MessageReceived:      s.onMessage,
		bus.RoomRead:             s.onRead,
		bus.RoomSearch:           s.onSearch,
		bus.SyncStateChanged:     s.onSyncState,
		bus.AuthLogout:           s.onClear,
		bus.AuthSessionExpired:   s.onClear,
	}

	for name, h := range handlers {
		h := h
		s.unsubs = append(s.unsubs, b.Subscribe(name, func(data interface{}) {
			s.update(func(st *RoomsState) { h(st, data) })
		}))
	}

	s.unsubs = append(s.unsubs,
		b.Subscribe(bus.AuthLoginSuccess, func(data interface{}) {
			if ev, ok := data.(*bridge.LoginSuccessEvent); ok {
				s.setUser(ev.UserID)
			}
		}),
		b.Subscribe(bus.AuthSessionRestored, func(data interface{}) {
			if ev, ok := data.(*bridge.SessionRestoredEvent); ok {
				s.setUser(ev.UserID)
			}
		}),
	)

	return s
}

func (s *RoomsStore) setUser(userID string) {
	s.Lock()
	s.userID = userID
	s.Unlock()
}

// update runs fn on the state, restores link integrity and the filtered
// view, and notifies listeners.
func (s *RoomsStore) update(fn func(st *RoomsState)) {
	s.Lock()
	fn(&s.state)
	relink(s.state.Rooms)
	s.state.FilteredRooms = filter(s.state.Rooms, s.state.SearchQuery)
	snapshot := s.state.clone()
	s.Unlock()

	s.listeners.notify(snapshot)
}

func (s *RoomsStore) GetState() RoomsState {
	s.RLock()
	defer s.RUnlock()

	return s.state.clone()
}

// Subscribe calls fn with the current state right away and again after
// every change.
func (s *RoomsStore) Subscribe(fn func(RoomsState)) func() {
	s.RLock()
	snapshot := s.state.clone()
	unsub := s.listeners.add(fn)
	s.RUnlock()

	call(fn, snapshot)

	return unsub
}

func (s *RoomsStore) Close() {
	for _, unsub := range s.unsubs {
		unsub()
	}
}

// SelectRoom asks for roomID to become the selected room.
func (s *RoomsStore) SelectRoom(roomID string) {
	s.bus.Publish(bus.RoomSelected, &bridge.RoomEvent{RoomID: roomID})
}

func (s *RoomsStore) Search(query string) {
	s.bus.Publish(bus.RoomSearch, &bridge.SearchEvent{Query: query})
}

func (s *RoomsStore) onListLoading(st *RoomsState, _ interface{}) {
	st.IsLoading = true
	st.Error = ""
}

func (s *RoomsStore) onListUpdated(st *RoomsState, data interface{}) {
	ev, ok := data.(*bridge.RoomListEvent)
	if !ok {
		return
	}

	rooms := make(map[string]*Room, len(ev.Rooms))

	for _, d := range ev.Rooms {
		if d == nil || d.Key() == "" {
			continue
		}

		if _, dup := rooms[d.Key()]; dup {
			logger.Debugf("duplicate room %s in room list, keeping the first", d.Key())
			continue
		}

		r := fromDescriptor(d)
		if prev, ok := st.Rooms[r.ID]; ok {
			keepMembers(r, prev)
		}

		applyHierarchy(r, s.hierarchy)
		rooms[r.ID] = r
	}

	st.Rooms = rooms
	st.IsLoading = false
	st.Error = ""

	if _, ok := rooms[st.SelectedRoomID]; !ok {
		st.SelectedRoomID = ""
	}

	logger.Debugf("room list updated: %d rooms", len(rooms))
}

func (s *RoomsStore) onListError(st *RoomsState, data interface{}) {
	st.IsLoading = false

	ev, _ := data.(*bridge.RoomListErrorEvent)
	if ev != nil && ev.Canceled {
		return
	}

	st.Error = errRoomsFailed
	if ev != nil && ev.Error != "" {
		st.Error = ev.Error
	}
}

func (s *RoomsStore) onHierarchy(st *RoomsState, data interface{}) {
	h, ok := data.(*matrix.Hierarchy)
	if !ok {
		return
	}

	s.hierarchy = h

	for _, r := range st.Rooms {
		applyHierarchy(r, h)
	}
}

func (s *RoomsStore) onSelected(st *RoomsState, data interface{}) {
	ev, ok := data.(*bridge.RoomEvent)
	if !ok {
		return
	}

	if ev.RoomID == "" {
		st.SelectedRoomID = ""
		return
	}

	if _, ok := st.Rooms[ev.RoomID]; ok {
		st.SelectedRoomID = ev.RoomID
	}
}

func (s *RoomsStore) onJoined(st *RoomsState, data interface{}) {
	ev, ok := data.(*bridge.RoomEvent)
	if !ok || ev.RoomID == "" {
		return
	}

	d := ev.Room
	if d == nil {
		if _, exists := st.Rooms[ev.RoomID]; exists {
			return
		}

		d = &bridge.RoomDescriptor{RoomID: ev.RoomID}
	}

	r := fromDescriptor(d)
	r.ID = ev.RoomID

	if prev, ok := st.Rooms[r.ID]; ok {
		keepMembers(r, prev)
	}

	applyHierarchy(r, s.hierarchy)
	st.Rooms[r.ID] = r
}

// onUpdated merges a partial descriptor from the push channel into a known
// room.
func (s *RoomsStore) onUpdated(st *RoomsState, data interface{}) {
	ev, ok := data.(*bridge.RoomEvent)
	if !ok || ev.Room == nil {
		return
	}

	roomID := ev.RoomID
	if roomID == "" {
		roomID = ev.Room.Key()
	}

	r, ok := st.Rooms[roomID]
	if !ok {
		s.onJoined(st, &bridge.RoomEvent{RoomID: roomID, Room: ev.Room})
		return
	}

	merge(r, ev.Room)
	applyHierarchy(r, s.hierarchy)
}

func (s *RoomsStore) onLeft(st *RoomsState, data interface{}) {
	ev, ok := data.(*bridge.RoomEvent)
	if !ok {
		return
	}

	delete(st.Rooms, ev.RoomID)

	if st.SelectedRoomID == ev.RoomID {
		st.SelectedRoomID = ""
	}
}

func (s *RoomsStore) onMemberUpdated(st *RoomsState, data interface{}) {
	ev, ok := data.(*bridge.MemberUpdateEvent)
	if !ok || ev.Member == nil || ev.Member.UserID == "" {
		return
	}

	if ev.RoomID != "" {
		if r, ok := st.Rooms[ev.RoomID]; ok {
			mergeMember(r, ev.Member)
		}

		return
	}

	// presence and profile changes arrive without a room
	for _, r := range st.Rooms {
		if _, ok := r.Members[ev.Member.UserID]; ok {
			mergeMember(r, ev.Member)
		}
	}
}

func (s *RoomsStore) onMembersLoaded(st *RoomsState, data interface{}) {
	ev, ok := data.(*bridge.MembersLoadedEvent)
	if !ok {
		return
	}

	r, ok := st.Rooms[ev.RoomID]
	if !ok {
		return
	}

	r.Members = make(map[string]*Member, len(ev.Members))
	for _, d := range ev.Members {
		if d == nil || d.UserID == "" {
			continue
		}

		r.Members[d.UserID] = newMember(d)
	}

	r.MemberCount = r.joinedCount()
	r.membersLoaded = true
}

func (s *RoomsStore) onMessage(st *RoomsState, data interface{}) {
	ev, ok := data.(*bridge.MessageEvent)
	if !ok {
		return
	}

	r, ok := st.Rooms[ev.RoomID]
	if !ok {
		logger.Debugf("message for unknown room %s", ev.RoomID)
		return
	}

	r.LastMessage = preview(ev.Body)

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	if ts.After(r.LastActivity) {
		r.LastActivity = ts
	}

	if ev.Sender != "" && ev.Sender == s.userID {
		return
	}

	r.UnreadCount++
	if ev.Highlight {
		r.HighlightCount++
	}
}

func (s *RoomsStore) onRead(st *RoomsState, data interface{}) {
	ev, ok := data.(*bridge.RoomReadEvent)
	if !ok {
		return
	}

	if r, ok := st.Rooms[ev.RoomID]; ok {
		r.UnreadCount = 0
		r.HighlightCount = 0
	}
}

func (s *RoomsStore) onSearch(st *RoomsState, data interface{}) {
	if ev, ok := data.(*bridge.SearchEvent); ok {
		st.SearchQuery = ev.Query
	}
}

func (s *RoomsStore) onSyncState(st *RoomsState, data interface{}) {
	ev, ok := data.(*bridge.SyncStateEvent)
	if !ok || ev.Connected {
		return
	}

	st.Error = errConnectionLost
}

func (s *RoomsStore) onClear(st *RoomsState, _ interface{}) {
	s.hierarchy = nil
	s.userID = ""

	*st = RoomsState{Rooms: make(map[string]*Room)}
}

func fromDescriptor(d *bridge.RoomDescriptor) *Room {
	r := &Room{
		ID:             d.Key(),
		Topic:          d.Topic,
		AvatarURL:      d.AvatarURL,
		CanonicalAlias: d.CanonicalAlias,
		IsDirect:       d.IsDirect,
		IsSpace:        d.RoomType == roomTypeSpace,
		IsEncrypted:    d.IsEncrypted,
		JoinRule:       d.JoinRule,
		RoomType:       d.RoomType,
		MemberCount:    d.MemberCount,
		UnreadCount:    count(d.UnreadCount),
		HighlightCount: count(d.HighlightCount),
		LastMessage:    preview(d.LastMessage),
		LastActivity:   d.LastActivity,
		Members:        make(map[string]*Member),
	}

	r.DisplayName = descriptorName(d)

	if r.JoinRule == "" {
		r.JoinRule = string(event.JoinRuleInvite)
		if d.IsPublic {
			r.JoinRule = string(event.JoinRulePublic)
		}
	}

	return r
}

func descriptorName(d *bridge.RoomDescriptor) string {
	for _, n := range []string{d.DisplayName, d.Name} {
		if n = strings.TrimSpace(n); n != "" {
			return n
		}
	}

	if d.CanonicalAlias != "" {
		return matrix.FormatAlias(id.RoomAlias(d.CanonicalAlias))
	}

	return d.Key()
}

func keepMembers(r, prev *Room) {
	r.Members = prev.Members
	r.membersLoaded = prev.membersLoaded

	if r.MemberCount == 0 && r.membersLoaded {
		r.MemberCount = r.joinedCount()
	}
}

// merge applies the fields a partial descriptor carries. Anything the
// backend left out keeps its current value.
func merge(r *Room, d *bridge.RoomDescriptor) {
	if n := strings.TrimSpace(d.DisplayName); n != "" {
		r.DisplayName = n
	} else if n := strings.TrimSpace(d.Name); n != "" {
		r.DisplayName = n
	}

	if d.Topic != "" {
		r.Topic = d.Topic
	}

	if d.AvatarURL != "" {
		r.AvatarURL = d.AvatarURL
	}

	if d.CanonicalAlias != "" {
		r.CanonicalAlias = d.CanonicalAlias
	}

	if d.JoinRule != "" {
		r.JoinRule = d.JoinRule
	}

	if d.RoomType != "" {
		r.RoomType = d.RoomType
		r.IsSpace = d.RoomType == roomTypeSpace
	}

	if d.IsDirect {
		r.IsDirect = true
	}

	// encryption cannot be turned off again
	if d.IsEncrypted {
		r.IsEncrypted = true
	}

	if d.MemberCount > 0 {
		r.MemberCount = d.MemberCount
	}

	if d.UnreadCount != nil {
		r.UnreadCount = count(d.UnreadCount)
	}

	if d.HighlightCount != nil {
		r.HighlightCount = count(d.HighlightCount)
	}

	if d.LastMessage != "" {
		r.LastMessage = preview(d.LastMessage)
	}

	if d.LastActivity.After(r.LastActivity) {
		r.LastActivity = d.LastActivity
	}
}

// applyHierarchy copies the resolver's classification onto r. Rooms the
// resolver has not seen are left as they are.
func applyHierarchy(r *Room, h *matrix.Hierarchy) {
	hr := h.Get(id.RoomID(r.ID))
	if hr == nil {
		return
	}

	r.IsSpace = hr.IsSpace
	r.IsDirect = hr.IsDirect
	r.DisplayName = hr.DisplayName

	if r.Topic == "" {
		r.Topic = hr.Topic
	}

	if r.AvatarURL == "" {
		r.AvatarURL = hr.Avatar
	}

	if r.CanonicalAlias == "" {
		r.CanonicalAlias = string(hr.CanonicalAlias)
	}

	if hr.JoinRule != "" {
		r.JoinRule = hr.JoinRule
	}

	if hr.RoomType != "" {
		r.RoomType = hr.RoomType
	}

	if hr.Encrypted {
		r.IsEncrypted = true
	}

	if r.MemberCount == 0 {
		r.MemberCount = hr.MemberCount
	}

	r.ParentSpaceIDs = roomIDs(hr.ParentSpaceIDs)
	r.ChildRoomIDs = roomIDs(hr.ChildRoomIDs)
}

func roomIDs(ids []id.RoomID) []string {
	out := make([]string, 0, len(ids))
	for _, i := range ids {
		out = append(out, string(i))
	}

	return out
}

// relink drops parent and child references to rooms that are gone, or to
// parents that are not spaces, and keeps both lists sorted and unique.
func relink(rooms map[string]*Room) {
	for _, r := range rooms {
		if !r.IsSpace {
			r.ChildRoomIDs = nil
		}

		r.ChildRoomIDs = keep(r.ChildRoomIDs, func(childID string) bool {
			_, ok := rooms[childID]
			return ok && childID != r.ID
		})

		r.ParentSpaceIDs = keep(r.ParentSpaceIDs, func(parentID string) bool {
			p, ok := rooms[parentID]
			return ok && p.IsSpace && parentID != r.ID
		})
	}
}

func keep(ids []string, ok func(string) bool) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))

	for _, i := range ids {
		if seen[i] || !ok(i) {
			continue
		}

		seen[i] = true
		out = append(out, i)
	}

	sort.Strings(out)

	return out
}

func newMember(d *bridge.MemberDescriptor) *Member {
	m := &Member{
		UserID:      d.UserID,
		DisplayName: d.Name(),
		AvatarURL:   d.AvatarURL,
		Membership:  event.Membership(d.Membership),
		PowerLevel:  count(d.PowerLevel),
		Presence:    presence(d.Presence),
	}

	if m.DisplayName == "" {
		m.DisplayName = d.UserID
	}

	if !validMembership(m.Membership) {
		m.Membership = event.MembershipJoin
	}

	return m
}

// mergeMember applies a member update. MemberCount is only derived from
// Members once the full list is known.
func mergeMember(r *Room, d *bridge.MemberDescriptor) {
	m, ok := r.Members[d.UserID]
	if !ok {
		r.Members[d.UserID] = newMember(d)
		if r.membersLoaded {
			r.MemberCount = r.joinedCount()
		}

		return
	}

	if n := d.Name(); n != "" {
		m.DisplayName = n
	}

	if d.AvatarURL != "" {
		m.AvatarURL = d.AvatarURL
	}

	if ms := event.Membership(d.Membership); validMembership(ms) {
		m.Membership = ms
	}

	if d.PowerLevel != nil {
		m.PowerLevel = count(d.PowerLevel)
	}

	if d.Presence != "" {
		m.Presence = presence(d.Presence)
	}

	if r.membersLoaded {
		r.MemberCount = r.joinedCount()
	}
}

func validMembership(m event.Membership) bool {
	switch m {
	case event.MembershipJoin, event.MembershipInvite, event.MembershipLeave, event.MembershipBan:
		return true
	}

	return false
}

func presence(p string) Presence {
	switch Presence(p) {
	case PresenceOnline, PresenceOffline, PresenceUnavailable, PresenceUnknown:
		return Presence(p)
	case "":
		return PresenceOffline
	}

	return PresenceUnknown
}

// count reads an optional descriptor count, clamping negatives to 0.
func count(n *int) int {
	if n == nil || *n < 0 {
		return 0
	}

	return *n
}

// preview collapses whitespace and cuts s to previewWidth cells.
func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")

	return truncate.StringWithTail(s, previewWidth, "…")
}
