package models

import "time"

// Conversation is the domain object AI features operate on. MessageCount is the
// live record count used to detect drift against cached results.
type Conversation struct {
	ID           string    `bson:"_id" json:"id"`
	Participants []string  `bson:"participants" json:"participants"`
	CreatedBy    string    `bson:"createdBy,omitempty" json:"created_by,omitempty"`
	MessageCount int       `bson:"messageCount" json:"message_count"`
	CreatedAt    time.Time `bson:"createdAt" json:"created_at"`
	UpdatedAt    time.Time `bson:"updatedAt" json:"updated_at"`
}

// HasParticipant reports whether userID belongs to the conversation
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Message is a chat message. Embedded flips to true once its vector has been
// written to the index; EmbedDeferred marks a message handed to the retry
// queue so the batch job stops picking it up.
type Message struct {
	ID             string     `bson:"_id" json:"id"`
	ConversationID string     `bson:"conversationId" json:"conversation_id"`
	SenderID       string     `bson:"senderId" json:"sender_id"`
	Text           string     `bson:"text" json:"text"`
	CreatedAt      time.Time  `bson:"createdAt" json:"created_at"`
	Embedded       bool       `bson:"embedded" json:"embedded"`
	EmbedDeferred  bool       `bson:"embedDeferred,omitempty" json:"embed_deferred,omitempty"`
	EmbeddedAt     *time.Time `bson:"embeddedAt,omitempty" json:"embedded_at,omitempty"`
}
