package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const (
	// LatestKeyPrefix prefixes the Redis key holding the latest outcome JSON for a device.
	LatestKeyPrefix = "analysis:latest:"
	// DevicesKey is the Redis set of devices that have published an outcome.
	DevicesKey = "analysis:devices"
)

// RedisProvider reads analysis outcomes published to Redis by the analysis service.
type RedisProvider struct {
	client *redis.Client
}

// NewRedisProvider creates a provider backed by the given Redis client.
func NewRedisProvider(client *redis.Client) *RedisProvider {
	return &RedisProvider{client: client}
}

// LatestKey returns the Redis key of a device's latest outcome.
func LatestKey(deviceID string) string {
	return LatestKeyPrefix + deviceID
}

// FetchLatest loads and decodes the latest outcome for deviceID.
// A missing key or an unreachable Redis is reported as ErrNotAvailable.
func (p *RedisProvider) FetchLatest(ctx context.Context, deviceID string) (*Outcome, error) {
	data, err := p.client.Get(ctx, LatestKey(deviceID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: no outcome for device %s", ErrNotAvailable, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get outcome for device %s: %v", ErrNotAvailable, deviceID, err)
	}

	var outcome Outcome
	if err := json.Unmarshal([]byte(data), &outcome); err != nil {
		return nil, fmt.Errorf("failed to unmarshal outcome for device %s: %w", deviceID, err)
	}
	if outcome.DeviceID == "" {
		outcome.DeviceID = deviceID
	}
	return &outcome, nil
}

// Publish stores an outcome as the latest for its device and registers the device.
func (p *RedisProvider) Publish(ctx context.Context, outcome *Outcome) error {
	if outcome.DeviceID == "" {
		return fmt.Errorf("outcome device_id cannot be empty")
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.Set(ctx, LatestKey(outcome.DeviceID), data, 0)
	pipe.SAdd(ctx, DevicesKey, outcome.DeviceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish outcome for device %s: %w", outcome.DeviceID, err)
	}
	return nil
}

// Devices returns the registered devices in sorted order.
func (p *RedisProvider) Devices(ctx context.Context) ([]string, error) {
	devices, err := p.client.SMembers(ctx, DevicesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	sort.Strings(devices)
	return devices, nil
}
