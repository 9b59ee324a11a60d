package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/42wim/mxpane/bridge"
	"github.com/42wim/mxpane/bridge/matrix"
	"github.com/42wim/mxpane/bus"
	"github.com/42wim/mxpane/pkg/backendclient"
)

const roomTypeSpace = "m.space"

var ErrInvalidPresence = errors.New("invalid presence")

func spacePath(spaceID, action string) string {
	return "/spaces/" + url.PathEscape(spaceID) + "/" + action
}

// membership posts a member action for userID in roomID and publishes the
// membership it leads to.
func (c *Client) membership(ctx context.Context, roomID, action, userID, reason string, result event.Membership) error {
	body := map[string]interface{}{"user_id": userID}
	if reason != "" {
		body["reason"] = reason
	}

	_, err := c.call(ctx, &backendclient.Request{
		Method: http.MethodPost,
		Path:   roomPath(roomID, action),
		Body:   body,
		Retry:  true,
	}, callOpts{})
	if err != nil {
		return err
	}

	logger.Debugf("%s %s in %s", action, userID, roomID)

	c.bus.Publish(bus.RoomMemberUpdated, &bridge.MemberUpdateEvent{
		RoomID: roomID,
		Member: &bridge.MemberDescriptor{RoomID: roomID, UserID: userID, Membership: string(result)},
	})

	return nil
}

func (c *Client) InviteToRoom(ctx context.Context, roomID, userID string) error {
	return c.membership(ctx, roomID, "invite", userID, "", event.MembershipInvite)
}

func (c *Client) KickFromRoom(ctx context.Context, roomID, userID, reason string) error {
	return c.membership(ctx, roomID, "kick", userID, reason, event.MembershipLeave)
}

func (c *Client) BanFromRoom(ctx context.Context, roomID, userID, reason string) error {
	return c.membership(ctx, roomID, "ban", userID, reason, event.MembershipBan)
}

// UnbanFromRoom lifts a ban. The user is left as not in the room.
func (c *Client) UnbanFromRoom(ctx context.Context, roomID, userID string) error {
	return c.membership(ctx, roomID, "unban", userID, "", event.MembershipLeave)
}

type CreateSpaceRequest struct {
	Name     string `json:"name"`
	Topic    string `json:"topic,omitempty"`
	Alias    string `json:"alias,omitempty"`
	IsPublic bool   `json:"is_public"`
}

// CreateSpace creates a space and announces it like a joined room. Like
// CreateRoom it is never retried.
func (c *Client) CreateSpace(ctx context.Context, req *CreateSpaceRequest) (string, error) {
	raw, err := c.call(ctx, &backendclient.Request{Method: http.MethodPost, Path: "/spaces/create", Body: req}, callOpts{})
	if err != nil {
		return "", err
	}

	spaceID := createdRoomID(raw)
	if spaceID == "" {
		return "", errors.New("create space: response without room id")
	}

	joinRule := string(event.JoinRuleInvite)
	if req.IsPublic {
		joinRule = string(event.JoinRulePublic)
	}

	c.bus.Publish(bus.RoomJoined, &bridge.RoomEvent{
		RoomID: spaceID,
		Room: &bridge.RoomDescriptor{
			RoomID:         spaceID,
			Name:           req.Name,
			Topic:          req.Topic,
			CanonicalAlias: req.Alias,
			IsPublic:       req.IsPublic,
			JoinRule:       joinRule,
			RoomType:       roomTypeSpace,
			MemberCount:    1,
		},
	})

	return spaceID, nil
}

// AddRoomToSpace declares roomID a child of spaceID and resyncs the
// hierarchy so the stores pick up the new link.
func (c *Client) AddRoomToSpace(ctx context.Context, spaceID, roomID string, suggested bool) error {
	_, err := c.call(ctx, &backendclient.Request{
		Method: http.MethodPost,
		Path:   spacePath(spaceID, "add_room"),
		Body:   map[string]interface{}{"room_id": roomID, "suggested": suggested},
		Retry:  true,
	}, callOpts{})
	if err != nil {
		return err
	}

	if _, err := c.SyncHierarchy(ctx); err != nil && !canceled(ctx, err) {
		logger.Errorf("added %s to %s, but the hierarchy resync failed: %s", roomID, spaceID, err)
	}

	return nil
}

type spaceHierarchyRoom struct {
	RoomID           string              `json:"room_id"`
	Name             string              `json:"name"`
	RoomType         string              `json:"room_type"`
	NumJoinedMembers int                 `json:"num_joined_members"`
	ChildrenState    []bridge.StateEvent `json:"children_state"`
}

// GetSpaceHierarchy fetches the server's view of a space tree, including
// rooms we have not joined, and resolves it. The result is not published:
// the stores only hold joined rooms.
func (c *Client) GetSpaceHierarchy(ctx context.Context, spaceID string, maxDepth int) (*matrix.Hierarchy, error) {
	if maxDepth <= 0 {
		maxDepth = 3
	}

	raw, err := c.call(ctx, &backendclient.Request{
		Method: http.MethodGet,
		Path:   spacePath(spaceID, "hierarchy"),
		Query:  url.Values{"max_depth": {strconv.Itoa(maxDepth)}},
		Retry:  true,
	}, callOpts{})
	if err != nil {
		return nil, err
	}

	in := matrix.Input{UserID: id.UserID(c.UserID())}

	for _, item := range normalise(raw, "rooms", "chunk", "data") {
		r := &spaceHierarchyRoom{}
		if err := Decode(item, r); err != nil || r.RoomID == "" {
			logger.Errorf("dropping malformed hierarchy room in %s: %#v", spaceID, item)
			continue
		}

		in.Rooms = append(in.Rooms, matrix.RoomState{
			ID:          id.RoomID(r.RoomID),
			Events:      r.ChildrenState,
			DisplayName: r.Name,
			RoomType:    r.RoomType,
			MemberCount: r.NumJoinedMembers,
		})
	}

	return matrix.Resolve(in), nil
}

// GetSpaces lists the joined spaces and refreshes them in the stores.
func (c *Client) GetSpaces(ctx context.Context) ([]*bridge.RoomDescriptor, error) {
	raw, err := c.call(ctx, &backendclient.Request{Method: http.MethodGet, Path: "/spaces", Retry: true}, callOpts{})
	if err != nil {
		return nil, err
	}

	var spaces []*bridge.RoomDescriptor

	for _, item := range normalise(raw, "spaces", "rooms", "chunk", "data") {
		d := &bridge.RoomDescriptor{}
		if err := Decode(item, d); err != nil || d.Key() == "" {
			logger.Errorf("dropping malformed space: %#v", item)
			continue
		}

		d.RoomType = roomTypeSpace
		spaces = append(spaces, d)
	}

	if ctx.Err() == nil {
		for _, d := range spaces {
			c.bus.Publish(bus.RoomUpdated, &bridge.RoomEvent{RoomID: d.Key(), Room: d})
		}
	}

	return spaces, nil
}

// SetPresence sets our presence. Our own member entries follow in every
// room.
func (c *Client) SetPresence(ctx context.Context, presence, statusMsg string) error {
	switch event.Presence(presence) {
	case event.PresenceOnline, event.PresenceOffline, event.PresenceUnavailable:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPresence, presence)
	}

	body := map[string]interface{}{"presence": presence}
	if statusMsg != "" {
		body["status_msg"] = statusMsg
	}

	_, err := c.call(ctx, &backendclient.Request{Method: http.MethodPut, Path: "/presence", Body: body, Retry: true}, callOpts{})
	if err != nil {
		return err
	}

	if me := c.UserID(); me != "" {
		c.bus.Publish(bus.RoomMemberUpdated, &bridge.MemberUpdateEvent{
			Member: &bridge.MemberDescriptor{UserID: me, Presence: presence},
		})
	}

	return nil
}

// GetCurrentUserProfile fetches our own profile and applies the name and
// avatar to our member entries.
func (c *Client) GetCurrentUserProfile(ctx context.Context) (*bridge.Profile, error) {
	raw, err := c.call(ctx, &backendclient.Request{Method: http.MethodGet, Path: "/profile/me", Retry: true}, callOpts{})
	if err != nil {
		return nil, err
	}

	p := &bridge.Profile{}
	if err := Decode(unwrap(raw), p); err != nil {
		return nil, fmt.Errorf("profile: malformed response: %w", err)
	}

	if p.UserID == "" {
		p.UserID = c.UserID()
	}

	if p.UserID != "" && ctx.Err() == nil {
		c.bus.Publish(bus.RoomMemberUpdated, &bridge.MemberUpdateEvent{
			Member: &bridge.MemberDescriptor{UserID: p.UserID, Displayname: p.DisplayName, AvatarURL: p.AvatarURL},
		})
	}

	return p, nil
}
