package services

//go:generate mockgen -source=user.go -destination=mock_user.go -package=services

import (
	"context"
	"iter"

	"github.com/sbilibin2017/gw-user-records/internal/logger"
	"github.com/sbilibin2017/gw-user-records/internal/models"
)

// UserReader defines read-only operations for users.
type UserReader interface {
	FindByID(ctx context.Context, id int64) (*models.User, error)              // Returns nil when absent
	FindByEmail(ctx context.Context, email string) (*models.User, error)       // Returns nil when absent
	FindByUsername(ctx context.Context, username string) (*models.User, error) // Returns nil when absent
	FindAll(ctx context.Context) iter.Seq2[*models.User, error]                // Fresh snapshot per range
	Count(ctx context.Context) (int64, error)                                  // Number of stored users
}

// UserWriter defines write operations for users.
type UserWriter interface {
	Save(ctx context.Context, user *models.User) (*models.User, error) // Inserts when ID is zero, updates otherwise
}

// UserCache caches users by email, without their passwords.
type UserCache interface {
	GetByEmail(ctx context.Context, email string) (*models.User, error)               // Returns nil on a miss
	Version(ctx context.Context, email string) (int64, error)                         // Eviction counter for email
	SetIfVersion(ctx context.Context, user *models.User, version int64) (bool, error) // Caches user unless evicted since version
	DeleteByEmail(ctx context.Context, emails ...string) error                        // Evicts entries and bumps versions
}

// UserService is the caller-facing user repository. It delegates to the store
// and, when a cache is configured, serves LookupByEmail through it.
// The store stays authoritative: cache failures are logged and ignored.
type UserService struct {
	reader UserReader
	writer UserWriter
	cache  UserCache
}

// NewUserService creates a new UserService. cache may be nil.
func NewUserService(reader UserReader, writer UserWriter, cache UserCache) *UserService {
	return &UserService{
		reader: reader,
		writer: writer,
		cache:  cache,
	}
}

// Save persists user and evicts any cached entry for its previous and new email.
func (svc *UserService) Save(ctx context.Context, user *models.User) (*models.User, error) {
	var previousEmail string
	if svc.cache != nil && user != nil && user.ID > 0 {
		prev, err := svc.reader.FindByID(ctx, user.ID)
		if err != nil {
			logger.Log.Errorw("failed to load user before update", "id", user.ID, "error", err)
			return nil, err
		}
		if prev != nil {
			previousEmail = prev.Email
		}
	}

	saved, err := svc.writer.Save(ctx, user)
	if err != nil {
		logger.Log.Errorw("failed to save user", "error", err)
		return nil, err
	}

	if svc.cache != nil {
		emails := []string{saved.Email}
		if previousEmail != "" && previousEmail != saved.Email {
			emails = append(emails, previousEmail)
		}
		if err := svc.cache.DeleteByEmail(ctx, emails...); err != nil {
			logger.Log.Warnw("failed to evict cached user", "emails", emails, "error", err)
		}
	}

	return saved, nil
}

// FindByEmail returns the user with the given email, or nil if there is none.
// It always reads the store.
func (svc *UserService) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	user, err := svc.reader.FindByEmail(ctx, email)
	if err != nil {
		logger.Log.Errorw("failed to find user by email", "email", email, "error", err)
		return nil, err
	}
	return user, nil
}

// LookupByEmail returns the user with the given email with an empty password,
// or nil if there is none. It reads through the cache when one is configured.
// A store read that races with a Save of the same email is not cached.
func (svc *UserService) LookupByEmail(ctx context.Context, email string) (*models.User, error) {
	if svc.cache == nil {
		user, err := svc.FindByEmail(ctx, email)
		if user != nil {
			user.Password = ""
		}
		return user, err
	}

	cached, err := svc.cache.GetByEmail(ctx, email)
	if err != nil {
		logger.Log.Warnw("failed to read cached user", "email", email, "error", err)
	}
	if cached != nil {
		return cached, nil
	}

	version, versionErr := svc.cache.Version(ctx, email)
	if versionErr != nil {
		logger.Log.Warnw("failed to read cache version", "email", email, "error", versionErr)
	}

	user, err := svc.FindByEmail(ctx, email)
	if err != nil || user == nil {
		return nil, err
	}
	user.Password = ""

	if versionErr == nil {
		if _, err := svc.cache.SetIfVersion(ctx, user, version); err != nil {
			logger.Log.Warnw("failed to cache user", "email", email, "error", err)
		}
	}
	return user, nil
}

// FindByID returns the user with the given id, or nil if there is none.
func (svc *UserService) FindByID(ctx context.Context, id int64) (*models.User, error) {
	return svc.reader.FindByID(ctx, id)
}

// FindByUsername returns the user with the given username, or nil if there is none.
func (svc *UserService) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	return svc.reader.FindByUsername(ctx, username)
}

// FindAll returns a restartable sequence over all users.
func (svc *UserService) FindAll(ctx context.Context) iter.Seq2[*models.User, error] {
	return svc.reader.FindAll(ctx)
}

// Count returns the number of stored users.
func (svc *UserService) Count(ctx context.Context) (int64, error) {
	return svc.reader.Count(ctx)
}
