// Package firebase delivers notification pushes through Firebase Cloud Messaging.
package firebase

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"finsync/internal/domain/notification"
)

const fcmBatchLimit = 500

// TokenDeactivator is called to mark an invalid FCM token as inactive.
type TokenDeactivator func(ctx context.Context, token string) error

// sender is the subset of *messaging.Client used here.
type sender interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// Client implements notification.Messenger using Firebase Cloud Messaging.
type Client struct {
	msgClient   sender
	deactivator TokenDeactivator
	logger      *zap.Logger

	// isInvalidToken reports whether err means the token will never work again.
	isInvalidToken func(err error) bool
}

var _ notification.Messenger = (*Client)(nil)

// NewClient initializes a Firebase app and returns an FCM client.
// deactivator is called when an invalid/unregistered token is detected; may be nil.
func NewClient(ctx context.Context, credentialsFile string, deactivator TokenDeactivator, logger *zap.Logger) (*Client, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}

	msgClient, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase messaging client: %w", err)
	}

	return newClient(msgClient, deactivator, logger), nil
}

func newClient(s sender, deactivator TokenDeactivator, logger *zap.Logger) *Client {
	return &Client{
		msgClient:   s,
		deactivator: deactivator,
		logger:      logger.Named("fcm"),
		isInvalidToken: func(err error) bool {
			return messaging.IsUnregistered(err) || messaging.IsInvalidArgument(err)
		},
	}
}

// Deliver sends p to every token, in batches of at most 500 (the FCM
// multicast limit). Per-token failures are logged, not returned.
func (c *Client) Deliver(ctx context.Context, tokens []string, p notification.Push) error {
	if len(tokens) == 0 {
		return nil
	}

	var totalSuccess, totalFailure int
	for _, batch := range chunkTokens(tokens, fcmBatchLimit) {
		msg := &messaging.MulticastMessage{
			Tokens: batch,
			Notification: &messaging.Notification{
				Title: p.Title,
				Body:  p.Body,
			},
			Data: p.Data,
			Android: &messaging.AndroidConfig{
				Priority: "high",
			},
		}

		resp, err := c.msgClient.SendEachForMulticast(ctx, msg)
		if err != nil {
			return fmt.Errorf("failed to send FCM multicast: %w", err)
		}

		totalSuccess += resp.SuccessCount
		totalFailure += resp.FailureCount
		if resp.FailureCount > 0 {
			c.handleMulticastFailures(ctx, batch, resp)
		}
	}

	c.logger.Debug("FCM push delivered", zap.Int("success", totalSuccess), zap.Int("failure", totalFailure))
	return nil
}

func (c *Client) handleMulticastFailures(ctx context.Context, tokens []string, resp *messaging.BatchResponse) {
	for i, sendResp := range resp.Responses {
		if sendResp.Error == nil {
			continue
		}
		if c.isInvalidToken(sendResp.Error) {
			c.logger.Info("invalid FCM token in batch, deactivating", zap.Int("index", i), zap.Error(sendResp.Error))
			c.deactivateToken(ctx, tokens[i])
		} else {
			c.logger.Warn("FCM send error", zap.Int("index", i), zap.Error(sendResp.Error))
		}
	}
}

func (c *Client) deactivateToken(ctx context.Context, token string) {
	if c.deactivator == nil {
		return
	}
	if err := c.deactivator(ctx, token); err != nil {
		c.logger.Error("failed to deactivate FCM token", zap.Error(err))
	}
}

func chunkTokens(tokens []string, size int) [][]string {
	var chunks [][]string
	for i := 0; i < len(tokens); i += size {
		end := i + size
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, tokens[i:end])
	}
	return chunks
}
