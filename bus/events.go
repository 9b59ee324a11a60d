package bus

// Event names. Payload types live in package bridge.
const (
	AuthLoginStart      = "auth:login:start"
	AuthLoginSuccess    = "auth:login:success"
	AuthLoginError      = "auth:login:error"
	AuthLogout          = "auth:logout"
	AuthSessionRestored = "auth:session:restored"
	AuthSessionExpired  = "auth:session:expired"
	AuthUnauthorized    = "auth:unauthorized"

	RoomListLoading      = "room:list:loading"
	RoomListUpdated      = "room:list:updated"
	RoomListError        = "room:list:error"
	RoomSelected         = "room:selected"
	RoomJoined           = "room:joined"
	RoomLeft             = "room:left"
	RoomUpdated          = "room:updated"
	RoomRead             = "room:read"
	RoomMemberUpdated    = "room:member:updated"
	RoomMembersLoaded    = "room:members:loaded"
	RoomSearch           = "room:search"
	RoomHierarchyUpdated = "room:hierarchy:updated"

	MessageReceived  = "message:received"
	MessageSent      = "message:sent"
	MessageUncertain = "message:uncertain"
	UserTyping       = "user:typing"

	SyncStateChanged = "sync:state:changed"
	SyncError        = "sync:error"

	ErrorNetwork = "error:network"
	ErrorAPI     = "error:api"
)
