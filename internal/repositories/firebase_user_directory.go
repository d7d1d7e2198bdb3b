package repositories

import (
	"context"
	"errors"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"

	domain "github.com/blazecity/api/internal/domain"
)

// UserRecordGetter is the slice of the Firebase Admin SDK the directory depends on.
type UserRecordGetter interface {
	GetUser(ctx context.Context, uid string) (*firebaseauth.UserRecord, error)
}

// FirebaseUserDirectory resolves user summaries from Firebase account records.
type FirebaseUserDirectory struct {
	users UserRecordGetter
}

// NewFirebaseUserDirectory constructs a directory backed by the Firebase Admin SDK.
func NewFirebaseUserDirectory(users UserRecordGetter) (*FirebaseUserDirectory, error) {
	if users == nil {
		return nil, errors.New("user directory requires a firebase user getter")
	}
	return &FirebaseUserDirectory{users: users}, nil
}

// Lookup fetches the account record for the given UID and maps it to a summary.
func (d *FirebaseUserDirectory) Lookup(ctx context.Context, userID string) (domain.UserSummary, error) {
	if d == nil || d.users == nil {
		return domain.UserSummary{}, errors.New("user directory not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.UserSummary{}, errors.New("user directory: user id is required")
	}

	record, err := d.users.GetUser(ctx, uid)
	if err != nil {
		return domain.UserSummary{}, err
	}

	summary := domain.UserSummary{ID: uid}
	if record != nil && record.UserInfo != nil {
		summary.Name = strings.TrimSpace(record.UserInfo.DisplayName)
		summary.Email = strings.TrimSpace(record.UserInfo.Email)
	}
	return summary, nil
}

var _ UserDirectory = (*FirebaseUserDirectory)(nil)
