package ctrl

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/f18m/go-sipua/pkg/events"
)

// Commands understood by [Server].
const (
	CmdRegister   = "register"
	CmdUnregister = "unregister"
	CmdDial       = "dial"
	CmdInvite     = "invite"
	CmdHangup     = "hangup"
	CmdCallstat   = "callstat"
	CmdStats      = "stats"
	CmdUUID       = "uuid"
	CmdQuit       = "quit"
)

// CommandMsg is a command sent by a client.
type CommandMsg struct {
	Command string `json:"command,omitempty"`
	Params  string `json:"params,omitempty"`
	Token   string `json:"token,omitempty"`
}

// ResponseMsg represents the response to a [CommandMsg]; Token echoes the command's.
type ResponseMsg struct {
	Response bool   `json:"response,omitempty"`
	Ok       bool   `json:"ok,omitempty"`
	Data     string `json:"data,omitempty"`
	Token    string `json:"token,omitempty"`
	RawJSON  []byte `json:"-"`
}

// EventMsg represents an event pushed by the server to every client.
// Type uses the baresip names, e.g. REGISTER_OK or CALL_ESTABLISHED.
type EventMsg struct {
	Event      bool   `json:"event,omitempty"`
	Type       string `json:"type,omitempty"`
	Class      string `json:"class,omitempty"`
	AccountAOR string `json:"accountaor,omitempty"`
	Direction  string `json:"direction,omitempty"`
	ID         string `json:"id,omitempty"`
	Param      string `json:"param,omitempty"`
	RawJSON    []byte `json:"-"`
}

// Event classes.
const (
	ClassRegister = "register"
	ClassCall     = "call"
)

var eventTypes = map[events.Kind]string{
	events.Registering:    "REGISTERING",
	events.RegisterOk:     "REGISTER_OK",
	events.RegisterFailed: "REGISTER_FAIL",
	events.Unregistering:  "UNREGISTERING",
	events.Unregistered:   "UNREGISTERED",
	events.Calling:        "CALL_PROGRESS",
	events.Ringing:        "CALL_RINGING",
	events.Connected:      "CALL_ESTABLISHED",
	events.Terminated:     "CALL_CLOSED",
	events.Failed:         "CALL_FAILED",
}

// NewEventMsg converts a user agent event to its wire form.
func NewEventMsg(e events.Event) EventMsg {
	msg := EventMsg{
		Event: true,
		Type:  eventTypes[e.Kind],
		Param: e.Detail,
	}
	if msg.Type == "" {
		msg.Type = strings.ToUpper(string(e.Kind))
	}
	if e.Kind.IsCall() {
		msg.Class = ClassCall
		msg.Direction = "outgoing"
		msg.ID = e.Subject
	} else {
		msg.Class = ClassRegister
		msg.AccountAOR = e.Subject
	}
	return msg
}

// decode classifies a frame. What we receive can only be an event or a response;
// ok is false for anything else.
func decode(frame []byte) (event *EventMsg, response *ResponseMsg, ok bool) {
	var ev EventMsg
	if err := json.Unmarshal(frame, &ev); err == nil && ev.Event {
		ev.RawJSON = frame
		return &ev, nil, true
	}
	var res ResponseMsg
	if err := json.Unmarshal(frame, &res); err == nil && res.Response {
		res.RawJSON = frame
		return nil, &res, true
	}
	return nil, nil, false
}
