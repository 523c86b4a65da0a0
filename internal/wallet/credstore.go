package wallet

import (
	"context"

	"github.com/pkg/errors"

	"github.com/betbot/solbot/internal/domain"
	"github.com/betbot/solbot/pkg/secretstore"
)

// CredentialStore 加密凭证的持久化接口；用户不存在时 found=false
type CredentialStore interface {
	Save(ctx context.Context, userID domain.UserID, blob string) error
	Load(ctx context.Context, userID domain.UserID) (blob string, found bool, err error)
}

// BadgerCredentialStore 基于 secretstore（Badger，自带静态加密）
type BadgerCredentialStore struct {
	db *secretstore.Store
}

func NewBadgerCredentialStore(db *secretstore.Store) *BadgerCredentialStore {
	return &BadgerCredentialStore{db: db}
}

func credentialKey(userID domain.UserID) string {
	return "wallet:" + userID.String()
}

func (s *BadgerCredentialStore) Save(_ context.Context, userID domain.UserID, blob string) error {
	return errors.Wrapf(s.db.SetString(credentialKey(userID), blob), "save credential user=%d", userID)
}

func (s *BadgerCredentialStore) Load(_ context.Context, userID domain.UserID) (string, bool, error) {
	v, ok, err := s.db.GetString(credentialKey(userID))
	if err != nil {
		return "", false, errors.Wrapf(err, "load credential user=%d", userID)
	}
	return v, ok, nil
}
