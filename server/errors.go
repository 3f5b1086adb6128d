package server

import "fmt"

// PolicyReason classifies why an operation was refused. Policy failures
// are reported only to the originating connection and never change
// persistent state.
type PolicyReason string

const (
	ReasonDuplicate      PolicyReason = "duplicate"
	ReasonAlreadyFriends PolicyReason = "alreadyFriends"
	ReasonUnauthorized   PolicyReason = "unauthorized"
	ReasonNotFound       PolicyReason = "notFound"
	ReasonNotFriends     PolicyReason = "notFriends"
	ReasonNotAllFriends  PolicyReason = "notAllFriends"
)

type PolicyError struct {
	Reason  PolicyReason
	Message string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func policyErr(reason PolicyReason, message string) *PolicyError {
	return &PolicyError{Reason: reason, Message: message}
}
