// # Error Codes Reference
//
// This file defines user-friendly error messages with codes for support reference.
// When clients show an error, operators can look the code up here.
//
// # Run Errors (RUN001-RUN099)
//
//	RUN001 - Run busy: another pipeline run holds the run slot
//	         Action: Please wait a moment and try again
//	         Patterns: "run busy"
//
//	RUN002 - Run failed: the run itself could not complete
//	         Action: Please try again or contact support
//	         Patterns: "pipeline run failed"
//
//	RUN003 - Request cancelled
//	         Patterns: "context canceled"
//
//	RUN004 - Request timeout
//	         Patterns: "context deadline exceeded"
//
// # Source Errors (SRC001-SRC099)
//
// Never returned as errors: the loader recovers by using demo data. The code is
// attached to the result so clients can say why demo data is shown.
//
//	SRC001 - Live data not requested          Patterns: "retrieval failed (disabled"
//	SRC002 - Source unreachable               Patterns: "retrieval failed (transport"
//	SRC003 - Source answered with an error    Patterns: "retrieval failed (status"
//	SRC004 - Source payload too large         Patterns: "retrieval failed (too_large"
//	SRC005 - Source payload unreadable        Patterns: "retrieval failed (decode", "retrieval failed (schema"
//
// # Database Errors (DB001-DB099)
//
//	DB001 - Connection refused      Patterns: "connection refused"
//	DB002 - Connection reset        Patterns: "connection reset"
//	DB003 - Timeout                 Patterns: "timeout"
//	DB004 - Missing table           Patterns: "does not exist"
//
// # Rate Limiting and Auth
//
//	RATE001 - Too many requests     Patterns: "rate limit"
//	AUTH001 - Missing API key       Patterns: "missing api key"
//	AUTH002 - Invalid API key       Patterns: "invalid api key"
//
// # Default Error (ERR000)
//
//	ERR000 - Unknown error: An unexpected error occurred
//	         Action: Please try again or contact support
//
// Patterns are matched case-insensitively with strings.Contains; the first
// match wins, so specific patterns come before general ones.

package core

import (
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

var (
	msgRunBusy = UserMessage{
		Message: "Another pipeline run is in progress",
		Action:  "Please wait a moment and try again",
		Code:    "RUN001",
	}
	msgRunFailed = UserMessage{
		Message: "The pipeline run could not complete",
		Action:  "Please try again or contact support",
		Code:    "RUN002",
	}
	msgSourceUnreadable = UserMessage{
		Message: "The data source returned data that could not be read",
		Action:  "Demo data is shown; check the source format",
		Code:    "SRC005",
	}
)

// errorPatterns maps technical error patterns (case-insensitive) to user messages.
// Source patterns come first: a wrapped transport error may also contain
// "context deadline exceeded".
var errorPatterns = []errorPattern{
	// =========================================================================
	// Source Errors (SRC001-SRC005)
	// Recovered by the loader; used to label fallback results.
	// =========================================================================
	{
		pattern: "retrieval failed (disabled",
		msg: UserMessage{
			Message: "Live data was not requested",
			Action:  "Restart with live data enabled to fetch fresh records",
			Code:    "SRC001",
		},
	},
	{
		pattern: "retrieval failed (transport",
		msg: UserMessage{
			Message: "The data source could not be reached",
			Action:  "Demo data is shown; try again later",
			Code:    "SRC002",
		},
	},
	{
		pattern: "retrieval failed (status",
		msg: UserMessage{
			Message: "The data source answered with an error",
			Action:  "Demo data is shown; try again later",
			Code:    "SRC003",
		},
	},
	{
		pattern: "retrieval failed (too_large",
		msg: UserMessage{
			Message: "The data source returned too much data",
			Action:  "Demo data is shown; request a smaller batch",
			Code:    "SRC004",
		},
	},
	{pattern: "retrieval failed (decode", msg: msgSourceUnreadable},
	{pattern: "retrieval failed (schema", msg: msgSourceUnreadable},

	// =========================================================================
	// Run Errors (RUN001-RUN004)
	// =========================================================================
	{pattern: "run busy", msg: msgRunBusy},
	{pattern: "pipeline run failed", msg: msgRunFailed},
	{
		pattern: "context canceled",
		msg: UserMessage{
			Message: "Request was cancelled",
			Action:  "Please try again",
			Code:    "RUN003",
		},
	},
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "Request timed out",
			Action:  "Please try again later",
			Code:    "RUN004",
		},
	},

	// =========================================================================
	// Database Errors (DB001-DB004)
	// Only affect run history; runs still complete.
	// =========================================================================
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to database",
			Action:  "Please try again in a few moments",
			Code:    "DB001",
		},
	},
	{
		pattern: "connection reset",
		msg: UserMessage{
			Message: "Database connection was interrupted",
			Action:  "Please try again",
			Code:    "DB002",
		},
	},
	{
		pattern: "timeout",
		msg: UserMessage{
			Message: "Operation timed out",
			Action:  "Please try again later",
			Code:    "DB003",
		},
	},
	{
		pattern: "does not exist",
		msg: UserMessage{
			Message: "Run history table is missing",
			Action:  "Restart the service to create it",
			Code:    "DB004",
		},
	},

	// =========================================================================
	// Rate Limiting and Auth
	// =========================================================================
	{
		pattern: "rate limit",
		msg: UserMessage{
			Message: "Too many requests",
			Action:  "Please wait a moment before trying again",
			Code:    "RATE001",
		},
	},
	{
		pattern: "missing api key",
		msg: UserMessage{
			Message: "API key required",
			Action:  "Send the X-API-Key header",
			Code:    "AUTH001",
		},
	},
	{
		pattern: "invalid api key",
		msg: UserMessage{
			Message: "API key not accepted",
			Action:  "Check the configured API key",
			Code:    "AUTH002",
		},
	},
}

// defaultMessage is returned when no pattern matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
// It returns the first matching pattern, or ERR000.
//
// Example:
//
//	msg := MapError(ErrRunBusy)
//	// msg.Code == "RUN001"
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	errStr := strings.ToLower(err.Error())

	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err matches a known pattern (not ERR000).
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
