package protocol

import (
	"strconv"
	"strings"
)

// Reply lines sent to the originating session.

const Pong = "PONG"

func LoginSuccess(username string) string { return "LOGIN_SUCCESS:" + username }
func LoginFailed(reason string) string    { return "LOGIN_FAILED:" + Sanitize(reason) }
func LogoutSuccess(username string) string { return "LOGOUT_SUCCESS:" + username }
func MessageSuccess(target string) string { return "MESSAGE_SUCCESS:" + target }
func MessageFailed(target string) string  { return "MESSAGE_FAILED:" + Sanitize(target) }
func Error(message string) string         { return "ERROR:" + Sanitize(message) }

func RegisterSuccess(username string) string { return "REGISTER_SUCCESS:" + username }
func PasswordChanged() string                { return "PASSWD_SUCCESS" }
func AccountDeleted(username string) string  { return "ACCOUNT_DELETED:" + username }

func WhoAmI(username string, onlineSeconds int64) string {
	return "WHOAMI:" + username + ":" + strconv.FormatInt(onlineSeconds, 10)
}

// UserList joins usernames with commas; an empty list yields "USERLIST:".
func UserList(usernames []string) string {
	return "USERLIST:" + strings.Join(usernames, ",")
}

func GroupCreated(groupID, name string) string {
	return "GROUP_CREATED:" + groupID + ":" + Sanitize(name)
}

// GroupSuccess acknowledges a group operation; target may be empty.
func GroupSuccess(op GroupOp, groupID, target string) string {
	line := "GROUP_SUCCESS:" + op.String() + ":" + groupID
	if target != "" {
		line += ":" + target
	}
	return line
}

// GroupEntry is one element of a GROUPLIST or MEMBERLIST reply.
type GroupEntry struct {
	ID   string
	Note string // group name or member role
}

// GroupList formats "GROUPLIST:<id>(<name>),...".
func GroupList(entries []GroupEntry) string {
	return "GROUPLIST:" + joinEntries(entries)
}

// MemberList formats "MEMBERLIST:<groupId>:<user>(<role>),...".
func MemberList(groupID string, entries []GroupEntry) string {
	return "MEMBERLIST:" + groupID + ":" + joinEntries(entries)
}

func joinEntries(entries []GroupEntry) string {
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = e.ID + "(" + Sanitize(e.Note) + ")"
	}
	return strings.Join(parts, ",")
}

// Delivery lines enqueued on recipients.

func FormatBroadcast(sender, content string) string {
	return "[" + sender + "] " + Sanitize(content)
}

func FormatPrivate(sender, recipient, content string) string {
	return "[" + sender + " -> " + recipient + "] " + Sanitize(content)
}

func FormatGroup(groupID, groupName, sender, content string) string {
	return "[" + Sanitize(groupName) + "#" + groupID + "] [" + sender + "] " + Sanitize(content)
}

func FormatSystem(text string) string {
	return "[system] " + Sanitize(text)
}
