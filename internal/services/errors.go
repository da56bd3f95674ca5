package services

import "errors"

var (
	// ErrDuplicateDelivery marks a redelivered webhook event. Dropped
	// silently after an audit log line.
	ErrDuplicateDelivery = errors.New("duplicate webhook delivery")

	// ErrTransientDependency marks a timeout or failure in the language
	// engine, carrier, or store. The conversation is left in its prior
	// state; the caller may rely on carrier redelivery.
	ErrTransientDependency = errors.New("transient dependency failure")

	// ErrInvariantViolation marks a broken storage invariant, e.g. two
	// active conversations for one tenant. Fatal to the operation only.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrConversationActive is returned by a campaign trigger when the
	// tenant already has an open conversation.
	ErrConversationActive = errors.New("tenant already has an active conversation")

	// ErrTenantOptedOut is returned when an operation would message a
	// tenant who opted out.
	ErrTenantOptedOut = errors.New("tenant has opted out")
)
