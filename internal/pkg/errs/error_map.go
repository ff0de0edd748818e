/*
Package errs provides custom error types and application-level error code constants.

This file defines the map from error codes to the CustomError struct, used to pick
the reply operation sent back to a client and the text logged next to it.
*/
package errs

import "chatty/internal/app/wire"

// errorMap stores the detailed CustomError struct corresponding to every application error code.
var errorMap = map[int]CustomError{
	// 1xxx: Request Handling Errors
	ErrInvalidRequest:    {Code: ErrInvalidRequest, Message: "Invalid request.", Reply: wire.OpFail},
	ErrRateLimitExceeded: {Code: ErrRateLimitExceeded, Message: "Too many requests.", Reply: wire.OpFail},

	// 2xxx: Nickname and Content Errors
	ErrNickAlreadyInUse: {Code: ErrNickAlreadyInUse, Message: "Nickname %q is already in use.", Reply: wire.OpNickAlready},
	ErrUnknownNick:      {Code: ErrUnknownNick, Message: "Nickname %q is not registered.", Reply: wire.OpNickUnknown},
	ErrInvalidNick:      {Code: ErrInvalidNick, Message: "Invalid nickname.", Reply: wire.OpFail},
	ErrMessageTooLong:   {Code: ErrMessageTooLong, Message: "Message is too long.", Reply: wire.OpMessageTooLong},
	ErrFileTooLong:      {Code: ErrFileTooLong, Message: "File is too large.", Reply: wire.OpMessageTooLong},
	ErrEmptyFile:        {Code: ErrEmptyFile, Message: "File is empty.", Reply: wire.OpFail},
	ErrNoSuchFile:       {Code: ErrNoSuchFile, Message: "File %q not found.", Reply: wire.OpNoSuchFile},

	// 4xxx: Capacity Errors
	ErrQueueFull:  {Code: ErrQueueFull, Message: "Server is busy.", Reply: wire.OpFail},
	ErrServerFull: {Code: ErrServerFull, Message: "Too many users online.", Reply: wire.OpFail},

	// 5xxx: Internal System Errors
	ErrUnknown:           {Code: ErrUnknown, Message: "Something went wrong.", Reply: wire.OpFail},
	ErrFileStorageFailed: {Code: ErrFileStorageFailed, Message: "File storage failed.", Reply: wire.OpFail},
	ErrStatsDumpFailed:   {Code: ErrStatsDumpFailed, Message: "Writing statistics failed.", Reply: wire.OpFail},
}
