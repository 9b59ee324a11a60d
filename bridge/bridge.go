package bridge

import (
	"context"
	"time"
)

// Backend is the outbound request surface of the message-proxy backend.
type Backend interface {
	Login(ctx context.Context, homeserver, username, password string) (*LoginResult, error)
	ValidateSession(ctx context.Context, token string) (bool, error)
	Logout(ctx context.Context) error

	GetRooms(ctx context.Context) ([]*RoomDescriptor, error)
	GetRoomMembers(ctx context.Context, roomID string) ([]*MemberDescriptor, error)
	SendMessage(ctx context.Context, roomID, body string) (string, error)
}

type Credentials struct {
	AccessToken string
	UserID      string
	DeviceID    string
	Homeserver  string
}

type LoginResult struct {
	Success     bool   `json:"success"`
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
	Error       string `json:"error"`
}

// RoomDescriptor is a room as the backend reports it in /rooms and roomEvent
// pushes. Either RoomID or ID carries the room id.
type RoomDescriptor struct {
	RoomID         string    `json:"room_id"`
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	DisplayName    string    `json:"display_name"`
	Topic          string    `json:"topic"`
	AvatarURL      string    `json:"avatar_url"`
	CanonicalAlias string    `json:"canonical_alias"`
	IsDirect       bool      `json:"is_direct"`
	IsEncrypted    bool      `json:"is_encrypted"`
	IsPublic       bool      `json:"is_public"`
	MemberCount    int       `json:"member_count"`
	UnreadCount    *int      `json:"unread_count"`
	HighlightCount *int      `json:"highlight_count"`
	LastMessage    string    `json:"last_message"`
	LastActivity   time.Time `json:"last_activity"`
	JoinRule       string    `json:"join_rule"`
	RoomType       string    `json:"room_type"`
	Membership     string    `json:"membership"`
}

// Int returns a pointer to n, for the optional count fields of descriptors.
// A nil count means the backend did not send it.
func Int(n int) *int {
	return &n
}

// Key returns the room id regardless of which field the backend used.
func (r *RoomDescriptor) Key() string {
	if r.RoomID != "" {
		return r.RoomID
	}

	return r.ID
}

type MemberDescriptor struct {
	RoomID      string `json:"room_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Displayname string `json:"displayname"`
	AvatarURL   string `json:"avatar_url"`
	Membership  string `json:"membership"`
	PowerLevel  *int   `json:"power_level"`
	Presence    string `json:"presence"`
}

// Name returns whichever display name spelling the backend filled in.
func (m *MemberDescriptor) Name() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}

	return m.Displayname
}

// Profile is a user's global display name and avatar.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"displayname"`
	AvatarURL   string `json:"avatar_url"`
}

// StateEvent is a raw room-state event.
type StateEvent struct {
	Type     string                 `json:"type"`
	StateKey *string                `json:"state_key"`
	Sender   string                 `json:"sender"`
	Content  map[string]interface{} `json:"content"`
}

// Event is a push channel frame.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Push frame types.
const (
	PushMessage          = "messageEvent"
	PushRoom             = "roomEvent"
	PushUser             = "userEvent"
	PushConnectionStatus = "connectionStatus"
)

type PushSender struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type PushContent struct {
	Text          string `json:"text"`
	Body          string `json:"body"`
	FormattedBody string `json:"formatted_body"`
	MsgType       string `json:"msgtype"`
}

type PushMessageData struct {
	RoomID    string      `json:"room_id"`
	EventID   string      `json:"event_id"`
	Sender    PushSender  `json:"sender"`
	Content   PushContent `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	Highlight bool        `json:"highlight"`
}

// The structs below are the payloads carried on the event bus.

type LoginStartEvent struct {
	Homeserver string
	Username   string
}

type LoginSuccessEvent struct {
	Credentials
	EncryptionEnabled bool
}

type LoginErrorEvent struct {
	Error string
}

type SessionRestoredEvent struct {
	Credentials
}

type SessionExpiredEvent struct {
	Reason string
}

type LogoutEvent struct {
	Reason string
}

type UnauthorizedEvent struct {
	Path string
}

type RoomListEvent struct {
	Rooms []*RoomDescriptor
}

type RoomListErrorEvent struct {
	Error    string
	Canceled bool
}

type RoomEvent struct {
	RoomID string
	Room   *RoomDescriptor
}

type RoomReadEvent struct {
	RoomID  string
	EventID string
}

type MemberUpdateEvent struct {
	RoomID string
	Member *MemberDescriptor
}

type MembersLoadedEvent struct {
	RoomID  string
	Members []*MemberDescriptor
}

type SearchEvent struct {
	Query string
}

type MessageEvent struct {
	RoomID    string
	EventID   string
	Sender    string
	Body      string
	MsgType   string
	Timestamp time.Time
	Highlight bool
}

type MessageSentEvent struct {
	RoomID  string
	EventID string
	TxnID   string
	Body    string
	MsgType string
}

type MessageUncertainEvent struct {
	RoomID string
	TxnID  string
	Body   string
	Error  string
}

type TypingEvent struct {
	RoomID string
	Typing bool
}

type SyncStateEvent struct {
	Connected bool
	Reason    string
}

type ErrorEvent struct {
	Op     string
	Path   string
	Status int
	Error  string
}
