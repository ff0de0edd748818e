/*
Package wire implements the binary framing spoken between chat clients and the server.

Every frame starts with a header (operation code and sender name); data-bearing
frames continue with a data block (receiver name, payload length and payload).
All integers are little-endian and every name travels in a fixed-width,
NUL-terminated field.
*/
package wire

import "fmt"

// Op is an operation, reply or delivery code carried in a frame header.
type Op uint32

// Request operations.
const (
	OpRegister    Op = 0
	OpConnect     Op = 1
	OpPostText    Op = 2
	OpPostTextAll Op = 3
	OpPostFile    Op = 4
	OpGetFile     Op = 5
	OpGetHistory  Op = 6
	OpListUsers   Op = 7
	OpUnregister  Op = 8
	OpDisconnect  Op = 9
)

// Reply codes.
const (
	OpOK             Op = 20
	OpFail           Op = 21
	OpNickAlready    Op = 22
	OpNickUnknown    Op = 23
	OpMessageTooLong Op = 24
	OpNoSuchFile     Op = 25
)

// Delivery codes for messages pushed to a recipient or replayed from history.
const (
	OpTextMessage Op = 30
	OpFileMessage Op = 31
)

var opNames = map[Op]string{
	OpRegister:       "register",
	OpConnect:        "connect",
	OpPostText:       "post-text",
	OpPostTextAll:    "post-text-all",
	OpPostFile:       "post-file",
	OpGetFile:        "get-file",
	OpGetHistory:     "get-history",
	OpListUsers:      "list-users",
	OpUnregister:     "unregister",
	OpDisconnect:     "disconnect",
	OpOK:             "ok",
	OpFail:           "fail",
	OpNickAlready:    "nick-already",
	OpNickUnknown:    "nick-unknown",
	OpMessageTooLong: "message-too-long",
	OpNoSuchFile:     "no-such-file",
	OpTextMessage:    "text-message",
	OpFileMessage:    "file-message",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint32(o))
}

// IsRequest reports whether o is an operation a client may submit.
func (o Op) IsRequest() bool {
	return o <= OpDisconnect
}
