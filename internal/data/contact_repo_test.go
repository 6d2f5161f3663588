package data_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailsift/verifyq/internal/data"
	apperrors "github.com/mailsift/verifyq/internal/errors"
	"github.com/mailsift/verifyq/internal/testutil"
)

func TestContactRepo_EnsureContacts(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithTestDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := data.NewContactRepo(db, data.RepoConfig{})

		byEmail, err := repo.EnsureContacts(ctx, []string{
			"Alice@Example.com",
			"bob@example.com",
			"  alice@example.com  ", // duplicate after normalization
		})
		require.NoError(t, err)
		require.Len(t, byEmail, 2)
		assert.Contains(t, byEmail, "alice@example.com")
		assert.Contains(t, byEmail, "bob@example.com")

		// Re-ensuring returns the same ids.
		again, err := repo.EnsureContacts(ctx, []string{"ALICE@example.com"})
		require.NoError(t, err)
		assert.Equal(t, byEmail["alice@example.com"], again["alice@example.com"])
	})
}

func TestContactRepo_EnsureContacts_Validation(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithTestDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := data.NewContactRepo(db, data.RepoConfig{})

		_, err := repo.EnsureContacts(ctx, nil)
		assert.True(t, apperrors.IsValidation(err))

		_, err = repo.EnsureContacts(ctx, []string{"", "   "})
		assert.True(t, apperrors.IsValidation(err))
	})
}

func TestContactRepo_GetByEmail(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithTestDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := data.NewContactRepo(db, data.RepoConfig{})

		ids, err := repo.EnsureContacts(ctx, []string{"carol@example.com"})
		require.NoError(t, err)

		contact, err := repo.GetByEmail(ctx, "CAROL@example.com")
		require.NoError(t, err)
		assert.Equal(t, ids["carol@example.com"], contact.ID)
		assert.Equal(t, "carol@example.com", contact.Email)
		assert.Nil(t, contact.Status, "fresh contacts are unverified")
		assert.Nil(t, contact.VerifiedAt)

		_, err = repo.GetByEmail(ctx, "missing@example.com")
		assert.True(t, apperrors.IsNotFound(err))
	})
}
