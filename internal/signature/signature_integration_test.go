//go:build integration

package signature_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"golang.org/x/crypto/bcrypt"

	"labtrace/internal/signature"
	id "labtrace/pkg/domain"
	dErrors "labtrace/pkg/domain-errors"
	"labtrace/pkg/testutil/containers"
)

type BcryptVerifierSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	verifier *signature.BcryptVerifier
}

func TestBcryptVerifierSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(BcryptVerifierSuite))
}

func (s *BcryptVerifierSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.verifier = signature.NewBcryptVerifier(s.postgres.DB)
}

func (s *BcryptVerifierSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "users"))
}

func (s *BcryptVerifierSuite) insertUser(password string) id.UserID {
	s.T().Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	s.Require().NoError(err)

	userID := uuid.New()
	_, err = s.postgres.DB.ExecContext(context.Background(), `
		INSERT INTO users (id, email, password_hash, organization_id)
		VALUES ($1, $2, $3, $4)
	`, userID, userID.String()+"@example.test", string(hash), uuid.New())
	s.Require().NoError(err)
	return id.UserID(userID)
}

func (s *BcryptVerifierSuite) TestVerify() {
	ctx := context.Background()
	userID := s.insertUser("correct horse battery staple")

	s.Run("valid password passes", func() {
		s.NoError(s.verifier.Verify(ctx, userID, "correct horse battery staple"))
	})

	s.Run("wrong password fails", func() {
		err := s.verifier.Verify(ctx, userID, "hunter2")
		s.True(dErrors.HasCode(err, dErrors.CodeAuthentication))
	})

	s.Run("empty password fails without a query", func() {
		err := s.verifier.Verify(ctx, userID, "")
		s.True(dErrors.HasCode(err, dErrors.CodeAuthentication))
	})

	s.Run("unknown user fails identically", func() {
		err := s.verifier.Verify(ctx, id.UserID(uuid.New()), "correct horse battery staple")
		s.True(dErrors.HasCode(err, dErrors.CodeAuthentication))

		known := s.verifier.Verify(ctx, userID, "hunter2")
		s.Equal(known.Error(), err.Error(), "unknown user and wrong password must be indistinguishable")
	})
}
