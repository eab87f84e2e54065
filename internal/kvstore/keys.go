package kvstore

// Key derivation for per-model and per-conversation records. Deterministic,
// no I/O. Distinct inputs must never collide across key families; the
// prefixes below guarantee that as long as model ids do not contain ':'.

// SelectedModelKey holds the id of the currently installed model.
const SelectedModelKey = "selected-model"

// ConversationListKey locates the ordered conversation metadata list for a
// model.
func ConversationListKey(modelID string) string {
	return "conversations:" + modelID
}

// MessagesKey locates the chronological message record for a conversation.
func MessagesKey(conversationID string) string {
	return "messages:" + conversationID
}

// LastConversationKey locates the last-active conversation pointer for a
// model.
func LastConversationKey(modelID string) string {
	return "last-conversation:" + modelID
}

// LegacyMessagesKey is the pre-multi-conversation message record: the bare
// model id. Migration detection depends on this exact shape.
func LegacyMessagesKey(modelID string) string {
	return modelID
}
