package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sbilibin2017/gw-user-records/internal/logger"
	"github.com/sbilibin2017/gw-user-records/internal/models"
)

// versionExp bounds how long an email's version key outlives its last eviction.
// A fill that started longer ago than this is not guarded.
const versionExp = 24 * time.Hour

// cachedUser is the cache entry for a user. The password is never cached.
type cachedUser struct {
	ID        int64           `json:"id"`
	Username  string          `json:"username"`
	Email     string          `json:"email"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Location  json.RawMessage `json:"location,omitempty"`
}

// UserCacheRepository caches users by email in Redis.
//
// Every email has a version counter that DeleteByEmail increments. A reader
// takes the version before loading from the store and passes it to SetIfVersion,
// which writes only if no eviction happened in between.
type UserCacheRepository struct {
	client *redis.Client
	exp    time.Duration // expiration duration for cached users
}

// NewUserCacheRepository creates a new cache repository with the given TTL.
func NewUserCacheRepository(client *redis.Client, expiration time.Duration) *UserCacheRepository {
	return &UserCacheRepository{
		client: client,
		exp:    expiration,
	}
}

func userEmailKey(email string) string {
	return fmt.Sprintf("user:email:%s", email)
}

func userEmailVersionKey(email string) string {
	return fmt.Sprintf("user:email:%s:version", email)
}

// GetByEmail returns the cached user for email, or nil on a cache miss.
// The returned user has an empty password.
func (r *UserCacheRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	key := userEmailKey(email)

	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		logger.Log.Infow("cache get", "key", key, "result", "miss", "error", nil)
		return nil, nil
	}
	if err != nil {
		logger.Log.Infow("cache get", "key", key, "result", nil, "error", err)
		return nil, err
	}

	user, err := decodeCachedUser(val)
	if err != nil {
		logger.Log.Infow("cache get", "key", key, "result", nil, "error", err)
		return nil, err
	}

	logger.Log.Infow("cache get", "key", key, "result", user.ID, "error", nil)
	return user, nil
}

// Version returns the eviction counter for email, zero if it was never evicted.
func (r *UserCacheRepository) Version(ctx context.Context, email string) (int64, error) {
	v, err := r.client.Get(ctx, userEmailVersionKey(email)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// SetIfVersion caches user under its email unless the email was evicted since
// version was read. It reports whether the entry was written.
func (r *UserCacheRepository) SetIfVersion(ctx context.Context, user *models.User, version int64) (bool, error) {
	key := userEmailKey(user.Email)
	versionKey := userEmailVersionKey(user.Email)

	val, err := encodeCachedUser(user)
	if err != nil {
		return false, err
	}

	written := false
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, versionKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != version {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, val, r.exp)
			return nil
		})
		if err == nil {
			written = true
		}
		return err
	}, versionKey)
	if errors.Is(err, redis.TxFailedErr) {
		err = nil
	}

	logger.Log.Infow("cache set", "key", key, "version", version, "result", written, "error", err)
	return written, err
}

// DeleteByEmail evicts the cached users for the given emails and bumps their
// versions, so fills that started earlier are discarded.
func (r *UserCacheRepository) DeleteByEmail(ctx context.Context, emails ...string) error {
	if len(emails) == 0 {
		return nil
	}
	keys := make([]string, 0, len(emails))
	for _, email := range emails {
		keys = append(keys, userEmailKey(email))
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, email := range emails {
			pipe.Incr(ctx, userEmailVersionKey(email))
			pipe.Expire(ctx, userEmailVersionKey(email), versionExp)
		}
		pipe.Del(ctx, keys...)
		return nil
	})

	logger.Log.Infow("cache delete", "keys", keys, "error", err)
	return err
}

func encodeCachedUser(user *models.User) ([]byte, error) {
	location, err := models.MarshalLocation(user.Location)
	if err != nil {
		return nil, err
	}
	return json.Marshal(cachedUser{
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
		Location:  location,
	})
}

func decodeCachedUser(data []byte) (*models.User, error) {
	var entry cachedUser
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	location, err := models.UnmarshalLocation(entry.Location)
	if err != nil {
		return nil, err
	}
	return &models.User{
		ID:        entry.ID,
		Username:  entry.Username,
		Email:     entry.Email,
		CreatedAt: entry.CreatedAt,
		UpdatedAt: entry.UpdatedAt,
		Location:  location,
	}, nil
}
