// Package protocol defines the line-based command encoding spoken between
// linechat clients and the server.
//
// A request line is VERB[:arg1[:arg2...]]. Verbs are case-insensitive and
// each verb has a fixed number of arguments; the last argument keeps any
// further ':' characters, so message content may contain colons.
package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/NicolasHaas/linechat/pkg/model"
)

// ErrEmptyLine is returned by Parse for blank lines, which clients may send
// freely and the server ignores.
var ErrEmptyLine = errors.New("protocol: empty line")

// ErrUnknownVerb is returned by Parse for unrecognized verbs.
var ErrUnknownVerb = errors.New("protocol: unknown command")

// Kind tags the variant of a Command.
type Kind int

const (
	KindLogin Kind = iota
	KindLogout
	KindBroadcast
	KindDirectMessage
	KindGroupMessage
	KindListUsers
	KindHeartbeat
	KindGroupOp
	KindListGroups
	KindRegister
	KindChangePassword
	KindUnregister
	KindWhoAmI
)

// GroupOp is the group operation carried by a KindGroupOp command.
type GroupOp int

const (
	OpNone GroupOp = iota
	OpCreate
	OpDelete
	OpAdd
	OpRemove
	OpLeave
	OpPromote
	OpDemote
	OpRename
	OpMembers
)

func (op GroupOp) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpDelete:
		return "DELETE"
	case OpAdd:
		return "ADD"
	case OpRemove:
		return "REMOVE"
	case OpLeave:
		return "LEAVE"
	case OpPromote:
		return "PROMOTE"
	case OpDemote:
		return "DEMOTE"
	case OpRename:
		return "RENAME"
	case OpMembers:
		return "MEMBERS"
	default:
		return "NONE"
	}
}

// Command is a parsed client request. Only the fields relevant to Kind are set.
type Command struct {
	Kind    Kind
	Verb    string  // upper-cased verb as received
	Op      GroupOp // KindGroupOp only
	User    string  // login/register name, message or group-op target
	GroupID string
	Content string // message text, or group name for create/rename
	// Password is the login/register/unregister password, or the old
	// password for PASSWD.
	Password    string
	NewPassword string
}

type argKind int

const (
	argUser argKind = iota
	argGroup
	argContent
	argName
	argPassword
	argNewPassword
)

type verbSpec struct {
	kind     Kind
	op       GroupOp
	args     []argKind
	required int
}

var verbs = map[string]verbSpec{
	"LOGIN":         {kind: KindLogin, args: []argKind{argUser, argPassword}, required: 1},
	"LOGOUT":        {kind: KindLogout},
	"BROADCAST":     {kind: KindBroadcast, args: []argKind{argContent}, required: 1},
	"PRIVATE":       {kind: KindDirectMessage, args: []argKind{argUser, argContent}, required: 2},
	"GROUPMSG":      {kind: KindGroupMessage, args: []argKind{argGroup, argContent}, required: 2},
	"LIST":          {kind: KindListUsers},
	"PING":          {kind: KindHeartbeat},
	"REGISTER":      {kind: KindRegister, args: []argKind{argUser, argPassword}, required: 2},
	"PASSWD":        {kind: KindChangePassword, args: []argKind{argPassword, argNewPassword}, required: 2},
	"UNREGISTER":    {kind: KindUnregister, args: []argKind{argPassword}, required: 1},
	"WHOAMI":        {kind: KindWhoAmI},
	"GROUPS":        {kind: KindListGroups},
	"GROUP_CREATE":  {kind: KindGroupOp, op: OpCreate, args: []argKind{argName}, required: 1},
	"GROUP_DELETE":  {kind: KindGroupOp, op: OpDelete, args: []argKind{argGroup}, required: 1},
	"GROUP_ADD":     {kind: KindGroupOp, op: OpAdd, args: []argKind{argGroup, argUser}, required: 2},
	"GROUP_REMOVE":  {kind: KindGroupOp, op: OpRemove, args: []argKind{argGroup, argUser}, required: 2},
	"GROUP_LEAVE":   {kind: KindGroupOp, op: OpLeave, args: []argKind{argGroup}, required: 1},
	"GROUP_PROMOTE": {kind: KindGroupOp, op: OpPromote, args: []argKind{argGroup, argUser}, required: 2},
	"GROUP_DEMOTE":  {kind: KindGroupOp, op: OpDemote, args: []argKind{argGroup, argUser}, required: 2},
	"GROUP_RENAME":  {kind: KindGroupOp, op: OpRename, args: []argKind{argGroup, argName}, required: 2},
	"GROUP_MEMBERS": {kind: KindGroupOp, op: OpMembers, args: []argKind{argGroup}, required: 1},
}

// Parse decodes one request line. Malformed input yields an error wrapping
// model.ErrInvalidState; unknown verbs yield ErrUnknownVerb.
func Parse(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Command{}, ErrEmptyLine
	}

	head, rest, hasArgs := strings.Cut(line, ":")
	verb := strings.ToUpper(strings.TrimSpace(head))
	spec, ok := verbs[verb]
	if !ok {
		return Command{Verb: verb}, fmt.Errorf("%w %q", ErrUnknownVerb, verb)
	}

	cmd := Command{Kind: spec.kind, Verb: verb, Op: spec.op}
	var args []string
	if hasArgs && len(spec.args) > 0 {
		args = strings.SplitN(rest, ":", len(spec.args))
	}
	if len(args) < spec.required {
		return cmd, fmt.Errorf("%w: %s expects %s", model.ErrInvalidState, verb, Usage(verb))
	}

	for i, a := range args {
		switch spec.args[i] {
		case argUser:
			cmd.User = strings.TrimSpace(a)
		case argGroup:
			cmd.GroupID = strings.TrimSpace(a)
		case argContent:
			cmd.Content = a
		case argName:
			cmd.Content = strings.TrimSpace(a)
		case argPassword:
			cmd.Password = a
		case argNewPassword:
			cmd.NewPassword = a
		}
	}

	for i := 0; i < spec.required; i++ {
		switch spec.args[i] {
		case argUser:
			if cmd.User == "" {
				return cmd, fmt.Errorf("%w: %s requires a username", model.ErrInvalidState, verb)
			}
		case argGroup:
			if cmd.GroupID == "" {
				return cmd, fmt.Errorf("%w: %s requires a group id", model.ErrInvalidState, verb)
			}
		case argContent:
			if strings.TrimSpace(cmd.Content) == "" {
				return cmd, fmt.Errorf("%w: message must not be empty", model.ErrInvalidState)
			}
		}
	}
	return cmd, nil
}

// Usage returns the argument synopsis for a verb, e.g. "PRIVATE:<target>:<content>".
func Usage(verb string) string {
	spec, ok := verbs[verb]
	if !ok {
		return verb
	}
	var b strings.Builder
	b.WriteString(verb)
	for _, a := range spec.args {
		switch a {
		case argUser:
			b.WriteString(":<user>")
		case argGroup:
			b.WriteString(":<groupId>")
		case argContent:
			b.WriteString(":<content>")
		case argName:
			b.WriteString(":<name>")
		case argPassword:
			b.WriteString(":<password>")
		case argNewPassword:
			b.WriteString(":<new password>")
		}
	}
	return b.String()
}

// Sanitize strips control characters from user-supplied text to prevent
// terminal escape injection and keeps every outbound value on one line.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
