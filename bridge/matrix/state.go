package matrix

import (
	"sort"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/42wim/mxpane/bridge"
)

// Space related types are not part of the mautrix version we build against.
const (
	roomTypeSpace  = "m.space"
	typeSpaceChild = "m.space.child"
)

const membershipJoin = event.MembershipJoin

type stateKey struct {
	typ string
	key string
}

type roomState struct {
	in    RoomState
	state map[stateKey]bridge.StateEvent
	order []stateKey
}

func newRoomState(in RoomState) *roomState {
	rs := &roomState{
		in:    in,
		state: make(map[stateKey]bridge.StateEvent),
	}

	// later events for the same type and state key replace earlier ones
	for _, ev := range in.Events {
		k := stateKey{typ: ev.Type}
		if ev.StateKey != nil {
			k.key = *ev.StateKey
		}

		if _, ok := rs.state[k]; !ok {
			rs.order = append(rs.order, k)
		}

		rs.state[k] = ev
	}

	sort.Slice(rs.order, func(i, j int) bool {
		if rs.order[i].typ != rs.order[j].typ {
			return rs.order[i].typ < rs.order[j].typ
		}

		return rs.order[i].key < rs.order[j].key
	})

	return rs
}

func (rs *roomState) content(typ string) map[string]interface{} {
	return rs.state[stateKey{typ: typ}].Content
}

func (rs *roomState) str(typ, field string) string {
	return contentString(rs.content(typ), field)
}

func contentString(content map[string]interface{}, field string) string {
	if content == nil {
		return ""
	}

	s, _ := content[field].(string)

	return s
}

func contentBool(content map[string]interface{}, field string) bool {
	if content == nil {
		return false
	}

	b, _ := content[field].(bool)

	return b
}

// each calls fn for every current state event of typ, ordered by state key.
func (rs *roomState) each(typ string, fn func(key string, ev bridge.StateEvent)) {
	for _, k := range rs.order {
		if k.typ == typ {
			fn(k.key, rs.state[k])
		}
	}
}

func (rs *roomState) isSpace() bool {
	return rs.str(event.StateCreate.Type, "type") == roomTypeSpace || rs.in.RoomType == roomTypeSpace
}

func (rs *roomState) name() string {
	return rs.str(event.StateRoomName.Type, "name")
}

func (rs *roomState) topic() string {
	return rs.str(event.StateTopic.Type, "topic")
}

func (rs *roomState) avatar() string {
	return rs.str(event.StateRoomAvatar.Type, "url")
}

func (rs *roomState) canonicalAlias() id.RoomAlias {
	return id.RoomAlias(rs.str(event.StateCanonicalAlias.Type, "alias"))
}

func (rs *roomState) joinRule() string {
	if jr := rs.str(event.StateJoinRules.Type, "join_rule"); jr != "" {
		return jr
	}

	return string(event.JoinRuleInvite)
}

func (rs *roomState) encrypted() bool {
	_, ok := rs.state[stateKey{typ: event.StateEncryption.Type}]

	return ok
}

// children returns the declared child room ids. A child event with empty
// content has been removed from the space.
func (rs *roomState) children() []id.RoomID {
	var ids []id.RoomID

	rs.each(typeSpaceChild, func(key string, ev bridge.StateEvent) {
		if key == "" || len(ev.Content) == 0 {
			return
		}

		ids = append(ids, id.RoomID(key))
	})

	return ids
}

// members returns every member event, ordered by user id.
func (rs *roomState) members() []*User {
	var users []*User

	rs.each(event.StateMember.Type, func(key string, ev bridge.StateEvent) {
		if key == "" {
			return
		}

		users = append(users, &User{
			ID:          id.UserID(key),
			DisplayName: contentString(ev.Content, "displayname"),
			AvatarURL:   contentString(ev.Content, "avatar_url"),
			Membership:  event.Membership(contentString(ev.Content, "membership")),
			IsDirect:    contentBool(ev.Content, "is_direct"),
		})
	})

	return users
}

func (rs *roomState) memberCount() int {
	if rs.in.MemberCount > 0 {
		return rs.in.MemberCount
	}

	n := 0

	for _, u := range rs.members() {
		if u.Membership == membershipJoin {
			n++
		}
	}

	return n
}
