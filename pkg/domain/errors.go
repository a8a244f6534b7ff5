package domain

import "errors"

// ErrConversationNotFound is returned when a conversation id cannot be found
// in the tracker store.
var ErrConversationNotFound = errors.New("conversation not found")
