package backend

import (
	"context"
	"encoding/json"

	"github.com/davecgh/go-spew/spew"
	strip "github.com/grokify/html-strip-tags-go"
	"maunium.net/go/mautrix/event"

	"github.com/42wim/mxpane/bridge"
	"github.com/42wim/mxpane/bus"
	"github.com/42wim/mxpane/pkg/backendclient"
)

// Pusher turns push channel frames into bus events.
type Pusher struct {
	bus    *bus.EventBus
	frames <-chan *backendclient.Frame
}

func NewPusher(b *bus.EventBus, frames <-chan *backendclient.Frame) *Pusher {
	return &Pusher{bus: b, frames: frames}
}

func (p *Pusher) Run(ctx context.Context) {
	for {
		select {
		case f := <-p.frames:
			if f != nil {
				p.Handle(f)
			}
		case <-ctx.Done():
			logger.Debug("pusher: ctx.Done() triggered")
			return
		}
	}
}

func (p *Pusher) Handle(f *backendclient.Frame) {
	var data interface{}
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &data); err != nil {
			logger.Errorf("dropping %s frame with malformed data: %s", f.Type, err)
			return
		}
	}

	logger.Tracef("push frame %s: %s", f.Type, spew.Sdump(data))

	switch f.Type {
	case bridge.PushMessage:
		p.handleMessage(data)
	case bridge.PushRoom:
		p.handleRoom(data)
	case bridge.PushUser:
		p.handleUser(data)
	case bridge.PushConnectionStatus:
		p.handleConnectionStatus(data)
	default:
		logger.Debugf("dropping unknown push frame type %q", f.Type)
	}
}

func (p *Pusher) handleMessage(data interface{}) {
	msg := &bridge.PushMessageData{}
	if err := Decode(data, msg); err != nil || msg.RoomID == "" {
		logger.Errorf("dropping malformed messageEvent: %#v", data)
		return
	}

	body := msg.Content.Text
	if body == "" {
		body = msg.Content.Body
	}

	if body == "" {
		body = msg.Content.FormattedBody
	}

	msgType := msg.Content.MsgType
	if msgType == "" {
		msgType = string(event.MsgText)
	}

	p.bus.Publish(bus.MessageReceived, &bridge.MessageEvent{
		RoomID:    msg.RoomID,
		EventID:   msg.EventID,
		Sender:    msg.Sender.ID,
		Body:      strip.StripTags(body),
		MsgType:   msgType,
		Timestamp: msg.Timestamp,
		Highlight: msg.Highlight,
	})
}

func (p *Pusher) handleRoom(data interface{}) {
	d := &bridge.RoomDescriptor{}
	if err := Decode(data, d); err != nil || d.Key() == "" {
		logger.Errorf("dropping malformed roomEvent: %#v", data)
		return
	}

	switch event.Membership(d.Membership) {
	case event.MembershipLeave, event.MembershipBan:
		p.bus.Publish(bus.RoomLeft, &bridge.RoomEvent{RoomID: d.Key()})
	default:
		p.bus.Publish(bus.RoomUpdated, &bridge.RoomEvent{RoomID: d.Key(), Room: d})
	}
}

// handleUser publishes member updates. Without a room id the update applies
// to the user in every room, which is how presence arrives.
func (p *Pusher) handleUser(data interface{}) {
	m := &bridge.MemberDescriptor{}
	if err := Decode(data, m); err != nil || m.UserID == "" {
		logger.Errorf("dropping malformed userEvent: %#v", data)
		return
	}

	p.bus.Publish(bus.RoomMemberUpdated, &bridge.MemberUpdateEvent{RoomID: m.RoomID, Member: m})
}

func (p *Pusher) handleConnectionStatus(data interface{}) {
	status, _ := data.(map[string]interface{})

	connected, ok := status["connected"].(bool)
	if !ok {
		logger.Debugf("connectionStatus without connected flag: %#v", data)
		return
	}

	reason, _ := status["reason"].(string)

	p.bus.Publish(bus.SyncStateChanged, &bridge.SyncStateEvent{Connected: connected, Reason: reason})

	if !connected {
		if reason == "" {
			reason = "Connection lost"
		}

		p.bus.Publish(bus.SyncError, &bridge.ErrorEvent{Op: "push", Error: reason})
	}
}
