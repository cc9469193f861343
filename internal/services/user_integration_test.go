package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sbilibin2017/gw-user-records/internal/errs"
	"github.com/sbilibin2017/gw-user-records/internal/migrations"
	"github.com/sbilibin2017/gw-user-records/internal/models"
	"github.com/sbilibin2017/gw-user-records/internal/repositories"
	"github.com/sbilibin2017/gw-user-records/internal/testutil"
)

func TestUserService_PostgresAndRedis(t *testing.T) {
	ctx := context.Background()

	url := testutil.StartPostgres(t)
	_, err := migrations.Up(url, true, zap.NewNop().Sugar())
	require.NoError(t, err)

	db, err := sqlx.Connect("pgx", url)
	require.NoError(t, err)
	defer db.Close()

	rdb := testutil.StartRedis(t)

	cache := repositories.NewUserCacheRepository(rdb, time.Minute)
	svc := NewUserService(
		repositories.NewUserReadRepository(db, true),
		repositories.NewUserWriteRepository(db, true),
		cache,
	)

	n, err := svc.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	user, err := models.NewUser("Gui", "gui@gmail.com", "", nil)
	require.NoError(t, err)
	saved, err := svc.Save(ctx, user)
	require.NoError(t, err)

	n, err = svc.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	found, err := svc.FindByEmail(ctx, "gui@gmail.com")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "Gui", found.Username)

	looked, err := svc.LookupByEmail(ctx, "gui@gmail.com")
	require.NoError(t, err)
	require.NotNil(t, looked)
	assert.Equal(t, saved.ID, looked.ID)

	cached, err := cache.GetByEmail(ctx, "gui@gmail.com")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, saved.ID, cached.ID)

	again, err := models.NewUser("Gui2", "gui@gmail.com", "", nil)
	require.NoError(t, err)
	_, err = svc.Save(ctx, again)
	assert.True(t, errors.Is(err, errs.ErrUniquenessViolation))

	n, err = svc.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Changing the email must not leave the old address resolvable from cache.
	found.Email = "gui@example.org"
	_, err = svc.Save(ctx, found)
	require.NoError(t, err)

	stale, err := svc.LookupByEmail(ctx, "gui@gmail.com")
	require.NoError(t, err)
	assert.Nil(t, stale)

	moved, err := svc.LookupByEmail(ctx, "gui@example.org")
	require.NoError(t, err)
	require.NotNil(t, moved)
	assert.Equal(t, saved.ID, moved.ID)
}

// pausingReader holds the first FindByEmail after it has read the store
// until resume is closed.
type pausingReader struct {
	UserReader
	once   sync.Once
	read   chan struct{}
	resume chan struct{}
}

func (r *pausingReader) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	user, err := r.UserReader.FindByEmail(ctx, email)
	r.once.Do(func() {
		close(r.read)
		<-r.resume
	})
	return user, err
}

func TestUserService_LookupByEmail_SaveDuringFill(t *testing.T) {
	ctx := context.Background()

	url := testutil.StartPostgres(t)
	_, err := migrations.Up(url, true, zap.NewNop().Sugar())
	require.NoError(t, err)

	db, err := sqlx.Connect("pgx", url)
	require.NoError(t, err)
	defer db.Close()

	rdb := testutil.StartRedis(t)

	writer := repositories.NewUserWriteRepository(db, true)
	user, err := models.NewUser("Gui", "old@x.com", "secret", nil)
	require.NoError(t, err)
	saved, err := writer.Save(ctx, user)
	require.NoError(t, err)

	reader := &pausingReader{
		UserReader: repositories.NewUserReadRepository(db, true),
		read:       make(chan struct{}),
		resume:     make(chan struct{}),
	}
	svc := NewUserService(reader, writer, repositories.NewUserCacheRepository(rdb, time.Minute))

	done := make(chan error, 1)
	go func() {
		_, err := svc.LookupByEmail(ctx, "old@x.com")
		done <- err
	}()

	<-reader.read
	saved.Email = "new@x.com"
	_, err = svc.Save(ctx, saved)
	require.NoError(t, err)
	close(reader.resume)
	require.NoError(t, <-done)

	stale, err := svc.LookupByEmail(ctx, "old@x.com")
	require.NoError(t, err)
	assert.Nil(t, stale)

	moved, err := svc.LookupByEmail(ctx, "new@x.com")
	require.NoError(t, err)
	require.NotNil(t, moved)
	assert.Equal(t, saved.ID, moved.ID)
	assert.Empty(t, moved.Password)
}
