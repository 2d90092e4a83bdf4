package event

// Intents is a bitfield clients send during identify to opt in to event
// categories. A zero value means all categories.
type Intents uint32

// Intent bits.
const (
	IntentGuilds Intents = 1 << iota
	IntentGuildMembers
	IntentGuildMessages
	IntentGuildMessageTyping
	IntentDirectMessages
	IntentPresences
)

// IntentAll covers every defined intent bit
const IntentAll = IntentGuilds | IntentGuildMembers | IntentGuildMessages |
	IntentGuildMessageTyping | IntentDirectMessages | IntentPresences

// Has reports whether all bits of want are set
func (i Intents) Has(want Intents) bool {
	return i&want == want
}

// categoryByType maps each dispatchable event type to the intent bit that
// gates it. Types absent from the map (READY, RESUMED) are never filtered.
var categoryByType = map[Type]Intents{
	TypeGuildCreate:    IntentGuilds,
	TypeGuildUpdate:    IntentGuilds,
	TypeGuildDelete:    IntentGuilds,
	TypeChannelCreate:  IntentGuilds,
	TypeChannelUpdate:  IntentGuilds,
	TypeChannelDelete:  IntentGuilds,
	TypeGuildMemberAdd: IntentGuildMembers,
	TypeGuildMemberRem: IntentGuildMembers,
	TypeMessageCreate:  IntentGuildMessages,
	TypeMessageUpdate:  IntentGuildMessages,
	TypeMessageDelete:  IntentGuildMessages,
	TypeTypingStart:    IntentGuildMessageTyping,
	TypePresenceUpdate: IntentPresences,
	TypeUserUpdate:     0,
}

// CategoryOf returns the intent bit gating an event type. Zero means the
// type is always delivered.
func CategoryOf(eventType Type) Intents {
	return categoryByType[eventType]
}

// Allows reports whether a session holding these intents should receive the
// given event type. Zero intents mean the client subscribed to everything.
func (i Intents) Allows(eventType Type) bool {
	if i == 0 {
		return true
	}
	category := CategoryOf(eventType)
	if category == 0 {
		return true
	}
	return i.Has(category)
}
