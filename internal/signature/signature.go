// Package signature verifies electronic-signature password confirmations
// required by review and release decisions. The check re-authenticates the
// acting user at decision time; a session token alone is not enough.
package signature

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	id "labtrace/pkg/domain"
	dErrors "labtrace/pkg/domain-errors"
)

// Verifier confirms that password belongs to the acting user. A nil error
// means the signature is valid; a CodeAuthentication error means it is not.
type Verifier interface {
	Verify(ctx context.Context, userID id.UserID, password string) error
}

// errBadSignature is returned for every failed confirmation. The message
// never distinguishes unknown user from wrong password.
var errBadSignature = dErrors.New(dErrors.CodeAuthentication, "signature confirmation failed")

// BcryptVerifier checks the password against the bcrypt hash stored with the
// user record.
type BcryptVerifier struct {
	db *sql.DB
}

func NewBcryptVerifier(db *sql.DB) *BcryptVerifier {
	return &BcryptVerifier{db: db}
}

func (v *BcryptVerifier) Verify(ctx context.Context, userID id.UserID, password string) error {
	if password == "" {
		return errBadSignature
	}

	var hash string
	query := `SELECT password_hash FROM users WHERE id = $1`
	err := v.db.QueryRowContext(ctx, query, uuid.UUID(userID)).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errBadSignature
		}
		return fmt.Errorf("load signature hash: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return errBadSignature
	}
	return nil
}

// StaticVerifier accepts a single fixed password. Test double.
type StaticVerifier struct {
	Password string
	// Err, when set, is returned for every call regardless of the password.
	Err error
}

func (v *StaticVerifier) Verify(ctx context.Context, userID id.UserID, password string) error {
	if v.Err != nil {
		return v.Err
	}
	if password != v.Password {
		return errBadSignature
	}
	return nil
}
