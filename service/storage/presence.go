package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Route is the shared-store view of one online device: which node owns
// the live socket and under which session. It is what remote nodes
// consult when deciding where to forward a message.
type Route struct {
	Node      string
	SessionID string
	Timestamp int64
}

const (
	onlineKeyFmt  = "ws:online:%d:%s"
	devicesKeyFmt = "user:devices:%d"

	fieldNode    = "node"
	fieldSession = "sessionId"
	fieldTS      = "ts"
)

// PresenceStore keeps per-device routes in redis hashes with a TTL, so
// a crashed node's entries age out on their own.
type PresenceStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewPresenceStore(rdb redis.Cmdable, ttl time.Duration) *PresenceStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PresenceStore{rdb: rdb, ttl: ttl}
}

func onlineKey(userID int64, deviceID string) string {
	return fmt.Sprintf(onlineKeyFmt, userID, deviceID)
}

// Put writes the route for (userID, deviceID) and refreshes the TTL.
func (s *PresenceStore) Put(ctx context.Context, userID int64, deviceID string, r Route) error {
	key := onlineKey(userID, deviceID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		fieldNode:    r.Node,
		fieldSession: r.SessionID,
		fieldTS:      r.Timestamp,
	})
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Get reads the route for (userID, deviceID); the second return is
// false when the device is offline or the entry expired.
func (s *PresenceStore) Get(ctx context.Context, userID int64, deviceID string) (Route, bool, error) {
	m, err := s.rdb.HGetAll(ctx, onlineKey(userID, deviceID)).Result()
	if err != nil {
		return Route{}, false, err
	}
	if len(m) == 0 {
		return Route{}, false, nil
	}
	ts, _ := strconv.ParseInt(m[fieldTS], 10, 64)
	return Route{Node: m[fieldNode], SessionID: m[fieldSession], Timestamp: ts}, true, nil
}

// Delete removes the route unconditionally.
func (s *PresenceStore) Delete(ctx context.Context, userID int64, deviceID string) error {
	return s.rdb.Del(ctx, onlineKey(userID, deviceID)).Err()
}

// DeleteIfSession removes the route only while it still belongs to
// sessionID, so a stale unregister cannot wipe a newer session's route.
var delIfSessionScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'sessionId') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func (s *PresenceStore) DeleteIfSession(ctx context.Context, userID int64, deviceID, sessionID string) (bool, error) {
	n, err := delIfSessionScript.Run(ctx, s.rdb, []string{onlineKey(userID, deviceID)}, sessionID).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeviceDirectory tracks the device ids a user has been seen on, one
// hash per user. Fan-out walks this set.
type DeviceDirectory struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewDeviceDirectory(rdb redis.Cmdable, ttl time.Duration) *DeviceDirectory {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &DeviceDirectory{rdb: rdb, ttl: ttl}
}

func devicesKey(userID int64) string {
	return fmt.Sprintf(devicesKeyFmt, userID)
}

// Touch records deviceID for userID with a last-seen timestamp.
func (d *DeviceDirectory) Touch(ctx context.Context, userID int64, deviceID string) error {
	key := devicesKey(userID)
	pipe := d.rdb.TxPipeline()
	pipe.HSet(ctx, key, deviceID, time.Now().UnixMilli())
	pipe.Expire(ctx, key, d.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// List returns all device ids known for userID.
func (d *DeviceDirectory) List(ctx context.Context, userID int64) ([]string, error) {
	m, err := d.rdb.HGetAll(ctx, devicesKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for dev := range m {
		out = append(out, dev)
	}
	return out, nil
}

// Remove forgets a device, e.g. after an explicit logout.
func (d *DeviceDirectory) Remove(ctx context.Context, userID int64, deviceID string) error {
	return d.rdb.HDel(ctx, devicesKey(userID), deviceID).Err()
}
