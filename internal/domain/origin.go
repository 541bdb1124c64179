package domain

// Origin identifies the user-side message a relayed message came from.
type Origin struct {
	ChatID    int64
	MessageID int64
}

// OriginMapping links a message relayed into the operator channel back to
// its origin. Both the header post and the content post of one relay carry
// separate relayed ids mapping to the same origin.
type OriginMapping struct {
	ChannelID        int64
	RelayedMessageID int64
	Origin           Origin
}
