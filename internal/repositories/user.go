package repositories

import (
	"context"
	"database/sql"
	"errors"
	"iter"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sbilibin2017/gw-user-records/internal/errs"
	"github.com/sbilibin2017/gw-user-records/internal/logger"
	"github.com/sbilibin2017/gw-user-records/internal/models"
)

const redacted = "***"

// userRow is the users table row as read by sqlx.
type userRow struct {
	ID        int64     `db:"id"`
	Username  string    `db:"username"`
	Email     string    `db:"email"`
	Password  string    `db:"password"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
	Location  []byte    `db:"location"` // NULL and the basic schema both leave it nil
}

func (row *userRow) toModel() (*models.User, error) {
	location, err := models.UnmarshalLocation(row.Location)
	if err != nil {
		return nil, err
	}
	return &models.User{
		ID:        row.ID,
		Username:  row.Username,
		Email:     row.Email,
		Password:  row.Password,
		CreatedAt: row.CreatedAt.UTC(),
		UpdatedAt: row.UpdatedAt.UTC(),
		Location:  location,
	}, nil
}

// selectColumns returns the column list for the active schema variant.
func selectColumns(withLocation bool) string {
	const base = "id, username, email, password, created_at, updated_at"
	if withLocation {
		return base + ", location"
	}
	return base
}

// oneLine collapses a multi-line query for logging.
func oneLine(query string) string {
	return strings.Join(strings.Fields(query), " ")
}

// withConn acquires a dedicated connection from the pool for the duration of fn
// and releases it on every exit path.
func withConn(ctx context.Context, db *sqlx.DB, fn func(conn *sqlx.Conn) error) (err error) {
	conn, err := db.Connx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(conn)
}

// UserReadRepository serves user lookups.
type UserReadRepository struct {
	db           *sqlx.DB
	withLocation bool
}

// NewUserReadRepository creates a reader for the given schema variant.
func NewUserReadRepository(db *sqlx.DB, withLocation bool) *UserReadRepository {
	return &UserReadRepository{db: db, withLocation: withLocation}
}

// FindByID returns the user with the given id, or nil if there is none.
func (r *UserReadRepository) FindByID(ctx context.Context, id int64) (*models.User, error) {
	return r.findOne(ctx, "find_by_id", "id", id)
}

// FindByEmail returns the user with the given email, or nil if there is none.
// The comparison is the store's exact text comparison.
func (r *UserReadRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.findOne(ctx, "find_by_email", "email", email)
}

// FindByUsername returns the user with the given username, or nil if there is none.
func (r *UserReadRepository) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	return r.findOne(ctx, "find_by_username", "username", username)
}

// findOne looks a user up by a unique column. column is never user input.
func (r *UserReadRepository) findOne(ctx context.Context, op, column string, value any) (*models.User, error) {
	query := `
		SELECT ` + selectColumns(r.withLocation) + `
		FROM users
		WHERE ` + column + ` = $1
	`

	var row userRow
	err := withConn(ctx, r.db, func(conn *sqlx.Conn) error {
		return conn.GetContext(ctx, &row, query, value)
	})

	// Log with query in single line
	logger.Log.Infow(
		"query executed",
		"query", oneLine(query),
		"args", []any{value},
		"result", row.ID,
		"error", err,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translateError(op, err)
	}

	user, err := row.toModel()
	if err != nil {
		return nil, translateError(op, err)
	}
	return user, nil
}

// Count returns the number of stored users.
func (r *UserReadRepository) Count(ctx context.Context) (int64, error) {
	const query = `SELECT COUNT(*) FROM users`

	var n int64
	err := withConn(ctx, r.db, func(conn *sqlx.Conn) error {
		return conn.GetContext(ctx, &n, query)
	})

	logger.Log.Infow(
		"query executed",
		"query", query,
		"result", n,
		"error", err,
	)

	if err != nil {
		return 0, translateError("count", err)
	}
	return n, nil
}

// FindAll returns a sequence over all users ordered by id.
// Each range over the sequence runs a fresh query on its own connection,
// which is released when iteration ends, fails or is stopped early.
// A failure is yielded once as the final element.
func (r *UserReadRepository) FindAll(ctx context.Context) iter.Seq2[*models.User, error] {
	query := `
		SELECT ` + selectColumns(r.withLocation) + `
		FROM users
		ORDER BY id
	`

	return func(yield func(*models.User, error) bool) {
		var (
			n       int
			stopped bool
		)
		err := withConn(ctx, r.db, func(conn *sqlx.Conn) error {
			rows, err := conn.QueryxContext(ctx, query)
			if err != nil {
				return err
			}
			defer rows.Close()

			for rows.Next() {
				var row userRow
				if err := rows.StructScan(&row); err != nil {
					return err
				}
				user, err := row.toModel()
				if err != nil {
					return err
				}
				n++
				if !yield(user, nil) {
					stopped = true
					return nil
				}
			}
			return rows.Err()
		})

		logger.Log.Infow(
			"query executed",
			"query", oneLine(query),
			"result", n,
			"stopped", stopped,
			"error", err,
		)

		if err != nil && !stopped {
			yield(nil, translateError("find_all", err))
		}
	}
}

// UserWriteRepository persists users.
type UserWriteRepository struct {
	db           *sqlx.DB
	withLocation bool
	now          func() time.Time
}

// NewUserWriteRepository creates a writer for the given schema variant.
func NewUserWriteRepository(db *sqlx.DB, withLocation bool) *UserWriteRepository {
	return &UserWriteRepository{db: db, withLocation: withLocation, now: models.Now}
}

// Save inserts the user when its id is zero and updates the existing row otherwise.
// It returns a copy carrying the stored id, timestamps and normalized location;
// the argument is not modified.
//
// An update refreshes updated_at and never touches created_at. Collisions on
// username or email fail with errs.UniquenessViolationError, an update of a
// missing id with errs.NotFoundError.
func (r *UserWriteRepository) Save(ctx context.Context, user *models.User) (*models.User, error) {
	if user == nil {
		return nil, errs.NewValidationError("user", "must not be nil")
	}
	if user.ID < 0 {
		return nil, errs.NewValidationError("id", "must not be negative")
	}
	if err := user.Validate(); err != nil {
		return nil, err
	}
	if !r.withLocation && user.Location != nil {
		return nil, errs.NewValidationError("location", "schema has no location column")
	}
	location, err := models.MarshalLocation(user.Location)
	if err != nil {
		return nil, err
	}

	saved := user.Clone()
	if saved.Location, err = models.UnmarshalLocation(location); err != nil {
		return nil, err
	}
	if saved.ID == 0 {
		err = r.insert(ctx, saved, location)
	} else {
		err = r.update(ctx, saved, location)
	}
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (r *UserWriteRepository) insert(ctx context.Context, user *models.User, location []byte) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = r.now()
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = user.CreatedAt
	}

	query := `
		INSERT INTO users (username, email, password, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	args := []any{user.Username, user.Email, user.Password, user.CreatedAt, user.UpdatedAt}
	if r.withLocation {
		query = `
		INSERT INTO users (username, email, password, created_at, updated_at, location)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
		args = append(args, jsonbArg(location))
	}

	var id int64
	err := withConn(ctx, r.db, func(conn *sqlx.Conn) error {
		return conn.GetContext(ctx, &id, query, args...)
	})

	logger.Log.Infow(
		"query executed",
		"query", oneLine(query),
		"args", redactPassword(args, 2),
		"result", id,
		"error", err,
	)

	if err != nil {
		return translateError("insert", err)
	}
	user.ID = id
	return nil
}

func (r *UserWriteRepository) update(ctx context.Context, user *models.User, location []byte) error {
	query := `
		UPDATE users
		SET username = $2, email = $3, password = $4,
		    updated_at = GREATEST($5::timestamptz, created_at)
		WHERE id = $1
		RETURNING created_at, updated_at
	`
	args := []any{user.ID, user.Username, user.Email, user.Password, r.now()}
	if r.withLocation {
		query = `
		UPDATE users
		SET username = $2, email = $3, password = $4,
		    updated_at = GREATEST($5::timestamptz, created_at), location = $6
		WHERE id = $1
		RETURNING created_at, updated_at
	`
		args = append(args, jsonbArg(location))
	}

	var stamps struct {
		CreatedAt time.Time `db:"created_at"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	err := withConn(ctx, r.db, func(conn *sqlx.Conn) error {
		return conn.GetContext(ctx, &stamps, query, args...)
	})

	logger.Log.Infow(
		"query executed",
		"query", oneLine(query),
		"args", redactPassword(args, 3),
		"result", stamps.UpdatedAt,
		"error", err,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return &errs.NotFoundError{ID: user.ID}
	}
	if err != nil {
		return translateError("update", err)
	}
	user.CreatedAt = stamps.CreatedAt.UTC()
	user.UpdatedAt = stamps.UpdatedAt.UTC()
	return nil
}

// jsonbArg binds a serialized location, mapping absence to NULL.
func jsonbArg(data []byte) any {
	if data == nil {
		return nil
	}
	return string(data)
}

func redactPassword(args []any, idx int) []any {
	out := make([]any, len(args))
	copy(out, args)
	out[idx] = redacted
	return out
}
