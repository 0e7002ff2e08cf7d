package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// CampaignChannel is the pub/sub channel carrying a campaign's broadcast feed.
func CampaignChannel(campaignID string) string {
	return fmt.Sprintf("campaign:%s:events", campaignID)
}

// PresenceKey is the hash holding a campaign's connected members.
func PresenceKey(campaignID string) string {
	return fmt.Sprintf("presence:%s", campaignID)
}

// PresenceIndexKey is the set of campaign ids with at least one member,
// scanned by the liveness reaper.
const PresenceIndexKey = "presence:campaigns"
