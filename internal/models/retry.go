package models

import "time"

// EmbeddingPayload is the unit of work carried by the retry queue
type EmbeddingPayload struct {
	MessageID      string `bson:"messageId" json:"message_id"`
	ConversationID string `bson:"conversationId" json:"conversation_id"`
	Text           string `bson:"text" json:"text"`
}

// RetryQueueItem is a failed embedding job awaiting another attempt.
// RetryCount only grows; the lease fields make claims exclusive per attempt.
type RetryQueueItem struct {
	ItemID      string           `bson:"_id" json:"item_id"`
	Payload     EmbeddingPayload `bson:"payload" json:"payload"`
	LastError   string           `bson:"lastError" json:"last_error"`
	RetryCount  int              `bson:"retryCount" json:"retry_count"`
	NextRetryAt time.Time        `bson:"nextRetryAt" json:"next_retry_at"`
	LeaseOwner  string           `bson:"leaseOwner,omitempty" json:"lease_owner,omitempty"`
	LeaseUntil  *time.Time       `bson:"leaseUntil,omitempty" json:"lease_until,omitempty"`
	CreatedAt   time.Time        `bson:"createdAt" json:"created_at"`
	UpdatedAt   time.Time        `bson:"updatedAt" json:"updated_at"`
}

// Leased reports whether a live lease is held at now
func (i *RetryQueueItem) Leased(now time.Time) bool {
	return i.LeaseUntil != nil && now.Before(*i.LeaseUntil)
}

// DeadLetter is the permanent-failure record of an exhausted queue item
type DeadLetter struct {
	ItemID         string           `bson:"_id" json:"item_id"`
	Payload        EmbeddingPayload `bson:"payload" json:"payload"`
	LastError      string           `bson:"lastError" json:"last_error"`
	RetryCount     int              `bson:"retryCount" json:"retry_count"`
	CreatedAt      time.Time        `bson:"createdAt" json:"created_at"`
	DeadLetteredAt time.Time        `bson:"deadLetteredAt" json:"dead_lettered_at"`
}
