package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/42wim/matterbridge/bridge/helper"
	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/42wim/mxpane/bridge"
	"github.com/42wim/mxpane/bridge/matrix"
	"github.com/42wim/mxpane/bus"
	"github.com/42wim/mxpane/pkg/backendclient"
)

var ErrUnknownTxn = errors.New("unknown transaction")

var _ bridge.Backend = (*Client)(nil)

// UncertainError is returned by SendMessage when the backend may or may not
// have accepted the message. It is never retried automatically; RetrySend
// resends it with the same transaction id.
type UncertainError struct {
	RoomID string
	TxnID  string
	Err    error
}

func (e *UncertainError) Error() string {
	return fmt.Sprintf("message to %s may not have been sent (txn %s): %s", e.RoomID, e.TxnID, e.Err)
}

func (e *UncertainError) Unwrap() error {
	return e.Err
}

type Config struct {
	EnableEncryption   bool
	ReadMarkerThrottle time.Duration
	MessagesLimit      int
}

type pendingSend struct {
	roomID string
	body   string
}

type readMarker struct {
	eventID string
	at      time.Time
}

// Client is the gateway to the message-proxy backend. Everything the server
// tells us ends up as an event on the bus.
type Client struct {
	sync.RWMutex
	*Config

	hc  *backendclient.Client
	bus *bus.EventBus

	userID string
	unsubs []func()

	uncertain *lru.Cache
	markers   *lru.Cache

	now func() time.Time
}

func New(hc *backendclient.Client, b *bus.EventBus, cfg *Config) *Client {
	if cfg.ReadMarkerThrottle == 0 {
		cfg.ReadMarkerThrottle = 5 * time.Second
	}

	if cfg.MessagesLimit == 0 {
		cfg.MessagesLimit = 50
	}

	c := &Client{
		Config: cfg,
		hc:     hc,
		bus:    b,
		now:    time.Now,
	}

	c.uncertain, _ = lru.New(50)
	c.markers, _ = lru.New(500)

	c.unsubs = append(c.unsubs,
		b.Subscribe(bus.AuthLoginSuccess, func(data interface{}) {
			if ev, ok := data.(*bridge.LoginSuccessEvent); ok {
				c.setCredentials(ev.Credentials)
			}
		}),
		b.Subscribe(bus.AuthSessionRestored, func(data interface{}) {
			if ev, ok := data.(*bridge.SessionRestoredEvent); ok {
				c.setCredentials(ev.Credentials)
			}
		}),
		b.Subscribe(bus.AuthLogout, func(interface{}) { c.clearCredentials() }),
		b.Subscribe(bus.AuthSessionExpired, func(interface{}) { c.clearCredentials() }),
	)

	return c
}

func (c *Client) setCredentials(cred bridge.Credentials) {
	c.Lock()
	c.userID = cred.UserID
	c.Unlock()

	c.hc.SetToken(cred.AccessToken)
}

func (c *Client) clearCredentials() {
	c.Lock()
	c.userID = ""
	c.Unlock()

	c.hc.SetToken("")
	c.hc.CancelAll()
	c.markers.Purge()
}

// UserID returns the user the client is acting for.
func (c *Client) UserID() string {
	c.RLock()
	defer c.RUnlock()

	return c.userID
}

// Close drops the bus subscriptions and aborts requests in flight.
func (c *Client) Close() {
	for _, unsub := range c.unsubs {
		unsub()
	}

	c.hc.CancelAll()
}

type callOpts struct {
	// quiet calls report failures only to the caller
	quiet bool
}

func (c *Client) call(ctx context.Context, req *backendclient.Request, opts callOpts) (interface{}, error) {
	body, err := c.hc.Do(ctx, req)
	if err != nil {
		if !opts.quiet {
			c.report(ctx, req, err)
		}

		return nil, err
	}

	raw, err := parseBody(body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: malformed response: %w", req.Method, req.Path, err)
	}

	logger.Tracef("%s %s: %s", req.Method, req.Path, spew.Sdump(raw))

	return raw, nil
}

func (c *Client) report(ctx context.Context, req *backendclient.Request, err error) {
	if errors.Is(err, backendclient.ErrCanceled) || ctx.Err() != nil {
		return
	}

	if backendclient.IsUnauthorized(err) {
		c.bus.Publish(bus.AuthUnauthorized, &bridge.UnauthorizedEvent{Path: req.Path})
	}

	ev := &bridge.ErrorEvent{
		Op:     req.Method,
		Path:   req.Path,
		Status: backendclient.StatusCode(err),
		Error:  ErrorMessage(err),
	}

	if ev.Status == 0 {
		c.bus.Publish(bus.ErrorNetwork, ev)
		return
	}

	c.bus.Publish(bus.ErrorAPI, ev)
}

// ErrorMessage returns the text of err suitable for showing to a user.
func ErrorMessage(err error) string {
	var he *backendclient.HTTPError
	if errors.As(err, &he) && he.Message != "" {
		return he.Message
	}

	return err.Error()
}

func canceled(ctx context.Context, err error) bool {
	return errors.Is(err, backendclient.ErrCanceled) || ctx.Err() != nil
}

func roomPath(roomID, action string) string {
	return "/rooms/" + url.PathEscape(roomID) + "/" + action
}

func (c *Client) Login(ctx context.Context, homeserver, username, password string) (*bridge.LoginResult, error) {
	raw, err := c.call(ctx, &backendclient.Request{
		Method: http.MethodPost,
		Path:   "/login",
		Body: map[string]interface{}{
			"homeserver":        homeserver,
			"username":          username,
			"password":          password,
			"enable_encryption": c.EnableEncryption,
		},
	}, callOpts{quiet: true})
	if err != nil {
		return nil, err
	}

	res := &bridge.LoginResult{}
	if err := Decode(raw, res); err != nil {
		return nil, fmt.Errorf("login: malformed response: %w", err)
	}

	if !res.Success {
		if res.Error == "" {
			res.Error = "Login failed"
		}

		return res, errors.New(res.Error)
	}

	if res.AccessToken == "" || res.UserID == "" {
		return res, errors.New("login: response without access token or user id")
	}

	return res, nil
}

// ValidateSession asks the backend whether token belongs to a connected
// session. It makes exactly one attempt.
func (c *Client) ValidateSession(ctx context.Context, token string) (bool, error) {
	raw, err := c.call(ctx, &backendclient.Request{
		Method: http.MethodGet,
		Path:   "/status",
		Token:  token,
	}, callOpts{quiet: true})
	if err != nil {
		return false, err
	}

	status, _ := raw.(map[string]interface{})
	connected, _ := status["connected"].(bool)

	return connected, nil
}

func (c *Client) Logout(ctx context.Context) error {
	_, err := c.call(ctx, &backendclient.Request{Method: http.MethodPost, Path: "/logout"}, callOpts{quiet: true})

	return err
}

// Disconnect tells the backend to stop syncing without invalidating the
// access token.
func (c *Client) Disconnect(ctx context.Context) error {
	_, err := c.call(ctx, &backendclient.Request{Method: http.MethodPost, Path: "/disconnect"}, callOpts{})

	return err
}

func (c *Client) Health(ctx context.Context) (map[string]interface{}, error) {
	raw, err := c.call(ctx, &backendclient.Request{Method: http.MethodGet, Path: "/health", Retry: true}, callOpts{quiet: true})
	if err != nil {
		return nil, err
	}

	status, _ := unwrap(raw).(map[string]interface{})

	return status, nil
}

func (c *Client) fetchRooms(ctx context.Context) ([]*bridge.RoomDescriptor, error) {
	raw, err := c.call(ctx, &backendclient.Request{Method: http.MethodGet, Path: "/rooms", Retry: true}, callOpts{})
	if err != nil {
		return nil, err
	}

	var rooms []*bridge.RoomDescriptor

	for _, item := range normalise(raw, "rooms", "chunk", "data") {
		d := &bridge.RoomDescriptor{}
		if err := Decode(item, d); err != nil {
			logger.Errorf("dropping malformed room: %s", err)
			continue
		}

		if d.Key() == "" {
			logger.Errorf("dropping room without id: %#v", item)
			continue
		}

		rooms = append(rooms, d)
	}

	return rooms, nil
}

// GetRooms fetches the joined rooms and publishes them as the new room list.
func (c *Client) GetRooms(ctx context.Context) ([]*bridge.RoomDescriptor, error) {
	c.bus.Publish(bus.RoomListLoading, nil)

	rooms, err := c.fetchRooms(ctx)
	if err != nil {
		if canceled(ctx, err) {
			c.bus.Publish(bus.RoomListError, &bridge.RoomListErrorEvent{Canceled: true})
			return nil, err
		}

		c.bus.Publish(bus.RoomListError, &bridge.RoomListErrorEvent{Error: ErrorMessage(err)})

		return nil, err
	}

	c.bus.Publish(bus.RoomListUpdated, &bridge.RoomListEvent{Rooms: rooms})

	return rooms, nil
}

func (c *Client) GetRoomMembers(ctx context.Context, roomID string) ([]*bridge.MemberDescriptor, error) {
	raw, err := c.call(ctx, &backendclient.Request{Method: http.MethodGet, Path: roomPath(roomID, "members"), Retry: true}, callOpts{})
	if err != nil {
		return nil, err
	}

	var members []*bridge.MemberDescriptor

	for _, item := range normalise(raw, "members", "chunk", "data") {
		m := &bridge.MemberDescriptor{}
		if err := Decode(item, m); err != nil || m.UserID == "" {
			logger.Errorf("dropping malformed member in %s: %#v", roomID, item)
			continue
		}

		m.RoomID = roomID
		members = append(members, m)
	}

	if ctx.Err() == nil {
		c.bus.Publish(bus.RoomMembersLoaded, &bridge.MembersLoadedEvent{RoomID: roomID, Members: members})
	}

	return members, nil
}

func (c *Client) GetRoomState(ctx context.Context, roomID string) ([]bridge.StateEvent, error) {
	raw, err := c.call(ctx, &backendclient.Request{Method: http.MethodGet, Path: roomPath(roomID, "state"), Retry: true}, callOpts{})
	if err != nil {
		return nil, err
	}

	var events []bridge.StateEvent

	for _, item := range normalise(raw, "state", "events", "chunk", "data") {
		ev := bridge.StateEvent{}
		if err := Decode(item, &ev); err != nil || ev.Type == "" {
			logger.Debugf("dropping malformed state event in %s: %#v", roomID, item)
			continue
		}

		events = append(events, ev)
	}

	return events, nil
}

// GetDirectIndex returns the m.direct account data. A backend without it
// yields an empty index.
func (c *Client) GetDirectIndex(ctx context.Context) (map[string][]string, error) {
	raw, err := c.call(ctx, &backendclient.Request{
		Method: http.MethodPost,
		Path:   "/account-data",
		Body:   map[string]string{"type": event.AccountDataDirectChats.Type},
		Retry:  true,
	}, callOpts{})
	if err != nil {
		return nil, err
	}

	direct := make(map[string][]string)

	if m, ok := raw.(map[string]interface{}); ok {
		if success, ok := m["success"].(bool); ok && !success {
			return direct, nil
		}
	}

	if err := Decode(unwrap(raw), &direct); err != nil {
		logger.Errorf("ignoring malformed m.direct data: %s", err)
		return map[string][]string{}, nil
	}

	return direct, nil
}

// SyncHierarchy fetches the state of every joined room plus the m.direct
// index, resolves the space hierarchy and publishes it.
func (c *Client) SyncHierarchy(ctx context.Context) (*matrix.Hierarchy, error) {
	rooms, err := c.fetchRooms(ctx)
	if err != nil {
		return nil, err
	}

	direct, err := c.GetDirectIndex(ctx)
	if err != nil {
		return nil, err
	}

	in := matrix.Input{
		Direct: direct,
		UserID: id.UserID(c.UserID()),
	}

	for _, d := range rooms {
		events, err := c.GetRoomState(ctx, d.Key())
		if err != nil {
			if canceled(ctx, err) {
				return nil, err
			}

			logger.Errorf("no state for %s: %s", d.Key(), err)
		}

		in.Rooms = append(in.Rooms, matrix.RoomState{
			ID:          id.RoomID(d.Key()),
			Events:      events,
			DisplayName: d.DisplayName,
			IsDirect:    d.IsDirect,
			RoomType:    d.RoomType,
			MemberCount: d.MemberCount,
		})
	}

	if ctx.Err() != nil {
		return nil, fmt.Errorf("sync hierarchy: %w", backendclient.ErrCanceled)
	}

	h := matrix.Resolve(in)
	c.bus.Publish(bus.RoomHierarchyUpdated, h)

	return h, nil
}

type TimelineEvent struct {
	EventID        string                 `json:"event_id"`
	Type           string                 `json:"type"`
	Sender         string                 `json:"sender"`
	Content        map[string]interface{} `json:"content"`
	OriginServerTS time.Time              `json:"origin_server_ts"`
}

type MessagesPage struct {
	Events []*TimelineEvent
	End    string
}

func (c *Client) GetRoomMessages(ctx context.Context, roomID string, limit int, fromToken string) (*MessagesPage, error) {
	if limit <= 0 {
		limit = c.MessagesLimit
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))

	if fromToken != "" {
		q.Set("from_token", fromToken)
	}

	raw, err := c.call(ctx, &backendclient.Request{
		Method: http.MethodGet,
		Path:   roomPath(roomID, "messages"),
		Query:  q,
		Retry:  true,
	}, callOpts{})
	if err != nil {
		return nil, err
	}

	page := &MessagesPage{}
	if m, ok := unwrap(raw).(map[string]interface{}); ok {
		page.End, _ = m["end"].(string)
	}

	for _, item := range normalise(raw, "chunk", "messages", "events", "data") {
		ev := &TimelineEvent{}
		if err := Decode(item, ev); err != nil || ev.EventID == "" {
			logger.Debugf("dropping malformed timeline event in %s", roomID)
			continue
		}

		page.Events = append(page.Events, ev)
	}

	return page, nil
}

// SendMessage posts body as a text message. It is never retried: when the
// outcome is unknown an *UncertainError is returned and a message:uncertain
// event is published.
func (c *Client) SendMessage(ctx context.Context, roomID, body string) (string, error) {
	return c.send(ctx, roomID, body, uuid.NewString())
}

// RetrySend resends a message that previously ended uncertain, reusing its
// transaction id so the backend can drop the duplicate.
func (c *Client) RetrySend(ctx context.Context, txnID string) (string, error) {
	v, ok := c.uncertain.Get(txnID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTxn, txnID)
	}

	p := v.(*pendingSend)

	return c.send(ctx, p.roomID, p.body, txnID)
}

func (c *Client) send(ctx context.Context, roomID, body, txnID string) (string, error) {
	req := &backendclient.Request{
		Method: http.MethodPost,
		Path:   roomPath(roomID, "send"),
		Body: map[string]string{
			"message":        body,
			"msg_type":       string(event.MsgText),
			"format":         string(event.FormatHTML),
			"formatted_body": helper.ParseMarkdown(body),
			"txn_id":         txnID,
		},
	}

	raw, err := c.call(ctx, req, callOpts{quiet: true})
	if err != nil {
		if canceled(ctx, err) {
			return "", err
		}

		if backendclient.IsAmbiguous(err) {
			c.uncertain.Add(txnID, &pendingSend{roomID: roomID, body: body})
			c.bus.Publish(bus.MessageUncertain, &bridge.MessageUncertainEvent{
				RoomID: roomID,
				TxnID:  txnID,
				Body:   body,
				Error:  ErrorMessage(err),
			})

			return "", &UncertainError{RoomID: roomID, TxnID: txnID, Err: err}
		}

		c.report(ctx, req, err)

		return "", err
	}

	c.uncertain.Remove(txnID)

	var resp struct {
		EventID string `json:"event_id"`
	}

	if err := Decode(unwrap(raw), &resp); err != nil {
		logger.Errorf("send to %s: malformed response: %s", roomID, err)
	}

	c.bus.Publish(bus.MessageSent, &bridge.MessageSentEvent{
		RoomID:  roomID,
		EventID: resp.EventID,
		TxnID:   txnID,
		Body:    body,
		MsgType: string(event.MsgText),
	})

	return resp.EventID, nil
}

// SendTyping sets or clears our typing notification. Failures are logged
// only, typing is not worth bothering anyone about.
func (c *Client) SendTyping(ctx context.Context, roomID string, typing bool) error {
	timeout := 0
	if typing {
		timeout = 30000
	}

	_, err := c.call(ctx, &backendclient.Request{
		Method: http.MethodPut,
		Path:   roomPath(roomID, "typing"),
		Body:   map[string]interface{}{"typing": typing, "timeout": timeout},
	}, callOpts{quiet: true})
	if err != nil && !canceled(ctx, err) {
		logger.Warnf("failed to send typing indicator for %s: %s", roomID, err)
	}

	return err
}

// MarkRead moves the read marker of roomID to eventID. Repeating the same
// marker within the throttle window is a no-op.
func (c *Client) MarkRead(ctx context.Context, roomID, eventID string) error {
	if v, ok := c.markers.Get(roomID); ok {
		m := v.(readMarker)
		if m.eventID == eventID && c.now().Sub(m.at) < c.ReadMarkerThrottle {
			logger.Tracef("read marker for %s already at %s", roomID, eventID)
			return nil
		}
	}

	_, err := c.call(ctx, &backendclient.Request{
		Method: http.MethodPost,
		Path:   roomPath(roomID, "read_markers"),
		Body:   map[string]string{"event_id": eventID},
		Retry:  true,
	}, callOpts{})
	if err != nil {
		return err
	}

	c.markers.Add(roomID, readMarker{eventID: eventID, at: c.now()})
	c.bus.Publish(bus.RoomRead, &bridge.RoomReadEvent{RoomID: roomID, EventID: eventID})

	return nil
}

func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	raw, err := c.call(ctx, &backendclient.Request{Method: http.MethodPost, Path: roomPath(roomID, "join"), Retry: true}, callOpts{})
	if err != nil {
		return err
	}

	ev := &bridge.RoomEvent{RoomID: roomID}

	d := &bridge.RoomDescriptor{}
	if err := Decode(unwrap(raw), d); err == nil && d.Key() == roomID {
		ev.Room = d
	}

	c.bus.Publish(bus.RoomJoined, ev)

	return nil
}

func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	_, err := c.call(ctx, &backendclient.Request{Method: http.MethodPost, Path: roomPath(roomID, "leave"), Retry: true}, callOpts{})
	if err != nil {
		return err
	}

	c.bus.Publish(bus.RoomLeft, &bridge.RoomEvent{RoomID: roomID})

	return nil
}

type CreateRoomRequest struct {
	Name     string   `json:"name"`
	Topic    string   `json:"topic,omitempty"`
	Alias    string   `json:"alias,omitempty"`
	IsDirect bool     `json:"is_direct"`
	Invite   []string `json:"invite"`
	IsPublic bool     `json:"is_public"`
}

func (c *Client) CreateRoom(ctx context.Context, req *CreateRoomRequest) (string, error) {
	if req.Invite == nil {
		req.Invite = []string{}
	}

	raw, err := c.call(ctx, &backendclient.Request{Method: http.MethodPost, Path: "/rooms/create", Body: req}, callOpts{})
	if err != nil {
		return "", err
	}

	roomID := createdRoomID(raw)
	if roomID == "" {
		return "", errors.New("create room: response without room id")
	}

	joinRule := string(event.JoinRuleInvite)
	if req.IsPublic {
		joinRule = string(event.JoinRulePublic)
	}

	c.bus.Publish(bus.RoomJoined, &bridge.RoomEvent{
		RoomID: roomID,
		Room: &bridge.RoomDescriptor{
			RoomID:         roomID,
			Name:           req.Name,
			Topic:          req.Topic,
			CanonicalAlias: req.Alias,
			IsDirect:       req.IsDirect,
			IsPublic:       req.IsPublic,
			JoinRule:       joinRule,
			MemberCount:    1,
		},
	})

	return roomID, nil
}

func (c *Client) CreateDirectMessage(ctx context.Context, userID string) (string, error) {
	raw, err := c.call(ctx, &backendclient.Request{
		Method: http.MethodPost,
		Path:   "/create_dm",
		Body:   map[string]string{"user_id": userID},
	}, callOpts{})
	if err != nil {
		return "", err
	}

	roomID := createdRoomID(raw)
	if roomID == "" {
		return "", errors.New("create dm: response without room id")
	}

	c.bus.Publish(bus.RoomJoined, &bridge.RoomEvent{
		RoomID: roomID,
		Room: &bridge.RoomDescriptor{
			RoomID:      roomID,
			DisplayName: matrix.FormatUserID(id.UserID(userID)),
			IsDirect:    true,
			JoinRule:    string(event.JoinRuleInvite),
			MemberCount: 2,
		},
	})

	return roomID, nil
}

func createdRoomID(raw interface{}) string {
	m, _ := unwrap(raw).(map[string]interface{})

	roomID, _ := m["room_id"].(string)

	return roomID
}
