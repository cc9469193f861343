package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/sbilibin2017/gw-user-records/internal/errs"
)

// Location is a structured document embedded in the owning user row.
// A nil Location means the attribute is absent.
type Location map[string]any

// MarshalLocation serializes a location into the opaque column value.
// A nil location yields nil, stored as NULL.
func MarshalLocation(l Location) ([]byte, error) {
	if l == nil {
		return nil, nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, errs.NewValidationError("location", err.Error())
	}
	return data, nil
}

// UnmarshalLocation parses a column value back into a location.
// Empty input and JSON null both yield a nil location. Anything other than
// a JSON object is rejected. Numbers are kept as json.Number so that integers
// keep their type and exact digits.
func UnmarshalLocation(data []byte) (Location, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	if data[0] != '{' {
		return nil, errs.NewValidationError("location", "must be a JSON object")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var l Location
	if err := dec.Decode(&l); err != nil {
		return nil, errs.NewValidationError("location", err.Error())
	}
	if dec.More() {
		return nil, errs.NewValidationError("location", "unexpected data after object")
	}
	return l, nil
}

// NormalizeLocation returns l in the form it has after a trip through the
// store, so a saved record compares equal to the one read back.
func NormalizeLocation(l Location) (Location, error) {
	data, err := MarshalLocation(l)
	if err != nil {
		return nil, err
	}
	return UnmarshalLocation(data)
}

// User represents a user record.
type User struct {
	ID        int64     `json:"id"`                 // Store-assigned identity, zero until saved
	Username  string    `json:"username"`           // Unique username
	Email     string    `json:"email"`              // Unique email
	Password  string    `json:"password"`           // Stored as given, hashing is up to the caller
	CreatedAt time.Time `json:"created_at"`         // Creation instant, never modified
	UpdatedAt time.Time `json:"updated_at"`         // Last modification instant
	Location  Location  `json:"location,omitempty"` // Optional structured attribute
}

// Now returns the current instant at the precision kept by the store.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// NewUser constructs an unsaved user with both timestamps set to the current instant.
// The location is stored in its normalized form.
func NewUser(username, email, password string, location Location) (*User, error) {
	location, err := NormalizeLocation(location)
	if err != nil {
		return nil, err
	}
	now := Now()
	u := &User{
		Username:  username,
		Email:     email,
		Password:  password,
		CreatedAt: now,
		UpdatedAt: now,
		Location:  location,
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return u, nil
}

// Validate checks field-level constraints. It does not touch the store.
func (u *User) Validate() error {
	if strings.TrimSpace(u.Username) == "" {
		return errs.NewValidationError("username", "must not be empty")
	}
	if strings.TrimSpace(u.Email) == "" {
		return errs.NewValidationError("email", "must not be empty")
	}
	if !u.CreatedAt.IsZero() && !u.UpdatedAt.IsZero() && u.UpdatedAt.Before(u.CreatedAt) {
		return errs.NewValidationError("updated_at", "must not precede created_at")
	}
	if _, err := MarshalLocation(u.Location); err != nil {
		return err
	}
	return nil
}

// Clone returns a copy of u. Nested location values are shared.
func (u *User) Clone() *User {
	cp := *u
	cp.Location = maps.Clone(u.Location)
	return &cp
}

func (u *User) String() string {
	return fmt.Sprintf("User(id=%d, username=%q, email=%q)", u.ID, u.Username, u.Email)
}
