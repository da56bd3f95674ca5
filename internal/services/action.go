package services

// ActionType is what the caller should do after a state-machine decision.
type ActionType string

const (
	ActionReply    ActionType = "reply"
	ActionEscalate ActionType = "escalate"
	ActionNoOp     ActionType = "noop"
)

// Action is the outcome of handling one inbound event or campaign trigger.
// The state machine commits state and returns intent; it never touches the
// network itself.
type Action struct {
	Type           ActionType
	ConversationID string
	ReplyText      string
	Reason         string
	Intent         Intent
}

// NoOp builds a no-op action for a conversation.
func NoOp(conversationID string) Action {
	return Action{Type: ActionNoOp, ConversationID: conversationID}
}

// Reply builds a reply action.
func Reply(conversationID, text string) Action {
	return Action{Type: ActionReply, ConversationID: conversationID, ReplyText: text}
}

// Escalate builds an escalation action.
func Escalate(conversationID, reason string) Action {
	return Action{Type: ActionEscalate, ConversationID: conversationID, Reason: reason}
}
