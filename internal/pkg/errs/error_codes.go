/*
Package errs provides custom error types and application-level error code constants.

These error codes identify protocol-level failures both in server logs and on the
wire, where each one is answered with a fixed reply operation.
*/
package errs

// 1xxx: Request Handling Errors
const (
	// ErrInvalidRequest indicates that a frame could not be decoded or carried an unknown operation.
	ErrInvalidRequest = 1001

	// ErrRateLimitExceeded indicates that a connection sent requests faster than allowed.
	ErrRateLimitExceeded = 1007
)

// 2xxx: Nickname and Content Errors
const (
	// ErrNickAlreadyInUse indicates that a register request named an existing nickname.
	ErrNickAlreadyInUse = 2101

	// ErrUnknownNick indicates that the nickname an operation refers to is not registered.
	ErrUnknownNick = 2102

	// ErrInvalidNick indicates that a nickname is empty or does not fit its field.
	ErrInvalidNick = 2103

	// ErrMessageTooLong indicates that a text message exceeded the configured maximum length.
	ErrMessageTooLong = 2201

	// ErrFileTooLong indicates that a posted file exceeded the configured maximum size.
	ErrFileTooLong = 2202

	// ErrEmptyFile indicates that a posted file carried no bytes.
	ErrEmptyFile = 2203

	// ErrNoSuchFile indicates that a requested file is not in the blob store.
	ErrNoSuchFile = 2204
)

// 4xxx: Capacity Errors
const (
	// ErrQueueFull indicates that the worker pool could not take another task.
	ErrQueueFull = 4001

	// ErrServerFull indicates that the online-user ceiling has been reached.
	ErrServerFull = 4002
)

// 5xxx: Internal System Errors
const (
	// ErrUnknown represents an unclassified, general server internal error.
	ErrUnknown = 5000

	// ErrFileStorageFailed indicates that the blob store failed to save or load a file.
	ErrFileStorageFailed = 5001

	// ErrStatsDumpFailed indicates that the statistics file could not be written.
	ErrStatsDumpFailed = 5002
)
