package services

import (
	"context"
	"encoding/json"
	"fmt"

	"chatguard/internal/logging"
	"chatguard/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Notifier delivers ban policy notifications to the reported user
type Notifier interface {
	Notify(ctx context.Context, userID string, kind models.NotificationKind, state models.BanState) error
}

// LogNotifier only logs notifications. Used when no Redis is configured.
type LogNotifier struct{}

// Notify logs the notification
func (LogNotifier) Notify(ctx context.Context, userID string, kind models.NotificationKind, state models.BanState) error {
	logging.Component("abuse").WithFields(logrus.Fields{
		"user_id":        userID,
		"kind":           kind,
		"active_strikes": state.ActiveStrikes,
	}).Info("[ABUSE] Notification issued")
	return nil
}

// UserEvent is the message published on a user's event channel
type UserEvent struct {
	Type       string      `json:"type"`
	UserID     string      `json:"userId"`
	InstanceID string      `json:"instanceId"`
	Payload    interface{} `json:"payload"`
}

// RedisNotifier publishes notifications on the user's pub/sub channel
// (user:<id>:events) so whichever instance holds the user's connection can
// forward them
type RedisNotifier struct {
	client     *redis.Client
	instanceID string
}

// NewRedisNotifier creates a notifier publishing as instanceID
func NewRedisNotifier(client *redis.Client, instanceID string) *RedisNotifier {
	return &RedisNotifier{client: client, instanceID: instanceID}
}

// Notify publishes a moderation event for userID
func (n *RedisNotifier) Notify(ctx context.Context, userID string, kind models.NotificationKind, state models.BanState) error {
	data, err := json.Marshal(&UserEvent{
		Type:       "moderation_" + string(kind),
		UserID:     userID,
		InstanceID: n.instanceID,
		Payload:    state,
	})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	channel := "user:" + userID + ":events"
	if err := n.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}
