package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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
	"github.com/sbilibin2017/gw-user-records/internal/testutil"
)

// setupUserPostgres starts postgres, applies the schema for the variant and
// returns a pooled connection.
func setupUserPostgres(t *testing.T, withLocation bool) *sqlx.DB {
	t.Helper()
	url := testutil.StartPostgres(t)

	_, err := migrations.Up(url, withLocation, zap.NewNop().Sugar())
	require.NoError(t, err)

	db, err := sqlx.Connect("pgx", url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

func TestUserRepository_Postgres(t *testing.T) {
	db := setupUserPostgres(t, true)
	ctx := context.Background()

	reader := NewUserReadRepository(db, true)
	writer := NewUserWriteRepository(db, true)

	t.Run("store reachable", func(t *testing.T) {
		var one int
		require.NoError(t, db.Get(&one, "SELECT 1"))
		assert.Equal(t, 1, one)
	})

	t.Run("save, count and find by email", func(t *testing.T) {
		n, err := reader.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		user, err := models.NewUser("Gui", "gui@gmail.com", "", nil)
		require.NoError(t, err)

		saved, err := writer.Save(ctx, user)
		require.NoError(t, err)
		assert.NotZero(t, saved.ID)

		n, err = reader.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		found, err := reader.FindByEmail(ctx, "gui@gmail.com")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, saved.ID, found.ID)
		assert.Equal(t, "Gui", found.Username)
		assert.Equal(t, "", found.Password)
		assert.True(t, user.CreatedAt.Equal(found.CreatedAt))
		assert.Nil(t, found.Location)
	})

	t.Run("duplicate email fails and leaves the first row intact", func(t *testing.T) {
		dup, err := models.NewUser("Other", "gui@gmail.com", "x", nil)
		require.NoError(t, err)

		_, err = writer.Save(ctx, dup)
		var ue *errs.UniquenessViolationError
		require.True(t, errors.As(err, &ue), "got %v", err)
		assert.Equal(t, "email", ue.Field)

		n, err := reader.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		found, err := reader.FindByEmail(ctx, "gui@gmail.com")
		require.NoError(t, err)
		assert.Equal(t, "Gui", found.Username)
	})

	t.Run("duplicate username fails", func(t *testing.T) {
		dup, err := models.NewUser("Gui", "another@gmail.com", "x", nil)
		require.NoError(t, err)

		_, err = writer.Save(ctx, dup)
		var ue *errs.UniquenessViolationError
		require.True(t, errors.As(err, &ue), "got %v", err)
		assert.Equal(t, "username", ue.Field)
	})

	t.Run("email lookup is exact", func(t *testing.T) {
		found, err := reader.FindByEmail(ctx, "GUI@gmail.com")
		assert.NoError(t, err)
		assert.Nil(t, found)
	})

	t.Run("location round trip", func(t *testing.T) {
		loc := models.Location{
			"city":    "Lisbon",
			"lat":     38.7223,
			"lng":     -9.1393,
			"tags":    []any{"home", "work"},
			"address": map[string]any{"street": "Rua Augusta", "number": 100},
			"osm_id":  int64(9007199254740993),
			"primary": true,
		}
		user, err := models.NewUser("alice", "alice@example.com", "pw", loc)
		require.NoError(t, err)

		saved, err := writer.Save(ctx, user)
		require.NoError(t, err)

		found, err := reader.FindByID(ctx, saved.ID)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, saved.Location, found.Location)
		assert.Equal(t, json.Number("100"), found.Location["address"].(map[string]any)["number"])

		id, err := found.Location["osm_id"].(json.Number).Int64()
		require.NoError(t, err)
		assert.Equal(t, int64(9007199254740993), id)
	})

	t.Run("update refreshes updated_at and keeps created_at", func(t *testing.T) {
		existing, err := reader.FindByUsername(ctx, "alice")
		require.NoError(t, err)
		require.NotNil(t, existing)

		later := existing.UpdatedAt.Add(time.Hour)
		writer.now = func() time.Time { return later }
		defer func() { writer.now = models.Now }()

		existing.Password = "new-pw"
		existing.Location = nil
		updated, err := writer.Save(ctx, existing)
		require.NoError(t, err)

		assert.True(t, existing.CreatedAt.Equal(updated.CreatedAt))
		assert.True(t, later.Equal(updated.UpdatedAt))

		found, err := reader.FindByID(ctx, existing.ID)
		require.NoError(t, err)
		assert.Equal(t, "new-pw", found.Password)
		assert.Nil(t, found.Location)
		assert.True(t, existing.CreatedAt.Equal(found.CreatedAt))
		assert.False(t, found.UpdatedAt.Before(found.CreatedAt))
	})

	t.Run("update clock behind created_at keeps order", func(t *testing.T) {
		existing, err := reader.FindByUsername(ctx, "alice")
		require.NoError(t, err)

		writer.now = func() time.Time { return existing.CreatedAt.Add(-24 * time.Hour) }
		defer func() { writer.now = models.Now }()

		updated, err := writer.Save(ctx, existing)
		require.NoError(t, err)
		assert.False(t, updated.UpdatedAt.Before(updated.CreatedAt))
	})

	t.Run("update to a taken email fails", func(t *testing.T) {
		existing, err := reader.FindByUsername(ctx, "alice")
		require.NoError(t, err)

		existing.Email = "gui@gmail.com"
		_, err = writer.Save(ctx, existing)
		assert.True(t, errors.Is(err, errs.ErrUniquenessViolation))
	})

	t.Run("update of missing id", func(t *testing.T) {
		_, err := writer.Save(ctx, &models.User{ID: 999999, Username: "ghost", Email: "ghost@example.com"})
		assert.True(t, errors.Is(err, errs.ErrNotFound))
	})

	t.Run("find all is restartable", func(t *testing.T) {
		seq := reader.FindAll(ctx)

		collect := func() []string {
			var emails []string
			for user, err := range seq {
				require.NoError(t, err)
				emails = append(emails, user.Email)
			}
			return emails
		}

		first := collect()
		assert.Equal(t, []string{"gui@gmail.com", "alice@example.com"}, first)

		extra, err := models.NewUser("bob", "bob@example.com", "pw", nil)
		require.NoError(t, err)
		_, err = writer.Save(ctx, extra)
		require.NoError(t, err)

		second := collect()
		assert.Equal(t, []string{"gui@gmail.com", "alice@example.com", "bob@example.com"}, second)
	})

	t.Run("ids are never reused", func(t *testing.T) {
		u, err := models.NewUser("temp", "temp@example.com", "", nil)
		require.NoError(t, err)
		saved, err := writer.Save(ctx, u)
		require.NoError(t, err)

		_, err = db.Exec("DELETE FROM users WHERE id = $1", saved.ID)
		require.NoError(t, err)

		u2, err := models.NewUser("temp", "temp@example.com", "", nil)
		require.NoError(t, err)
		saved2, err := writer.Save(ctx, u2)
		require.NoError(t, err)
		assert.Greater(t, saved2.ID, saved.ID)
	})

	t.Run("client supplied id is refused", func(t *testing.T) {
		_, err := db.Exec(`INSERT INTO users (id, username, email, password) VALUES (424242, 'manual', 'manual@example.com', '')`)
		require.Error(t, err)

		found, err := reader.FindByID(ctx, 424242)
		require.NoError(t, err)
		assert.Nil(t, found)
	})

	t.Run("concurrent inserts of one email", func(t *testing.T) {
		const workers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			conflicts int
		)
		for i := range workers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				u, err := models.NewUser(fmt.Sprintf("racer-%d", i), "race@example.com", "", nil)
				if err != nil {
					return
				}
				_, err = writer.Save(ctx, u)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case errors.Is(err, errs.ErrUniquenessViolation):
					conflicts++
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
		assert.Equal(t, workers-1, conflicts)
	})
}

func TestUserRepository_PostgresBasicSchema(t *testing.T) {
	db := setupUserPostgres(t, false)
	ctx := context.Background()

	reader := NewUserReadRepository(db, false)
	writer := NewUserWriteRepository(db, false)

	user, err := models.NewUser("Gui", "gui@gmail.com", "", nil)
	require.NoError(t, err)

	saved, err := writer.Save(ctx, user)
	require.NoError(t, err)

	found, err := reader.FindByEmail(ctx, "gui@gmail.com")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, saved.ID, found.ID)
	assert.Nil(t, found.Location)

	_, err = writer.Save(ctx, &models.User{Username: "x", Email: "x@example.com", Location: models.Location{"city": "Faro"}})
	assert.True(t, errors.Is(err, errs.ErrValidation))

	n, err := reader.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
