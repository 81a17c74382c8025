package triage

import "errors"

// ErrUnknownAction is returned by Transition for an action it does not know.
var ErrUnknownAction = errors.New("unknown status action")
