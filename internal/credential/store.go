// Package credential resolves venue logins. It is a leaf: nothing here talks
// to a browser or logs a secret.
package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"execution-core/internal/model"
	"execution-core/pkg/crypto"
	"execution-core/pkg/db"
)

// Secret is a resolved login. Every fmt verb prints the password masked.
type Secret struct {
	Username string
	Password string
}

func (s Secret) String() string   { return s.Username + ":***" }
func (s Secret) GoString() string { return fmt.Sprintf("credential.Secret{Username:%q, Password:\"***\"}", s.Username) }

// Format keeps %v, %+v, %#v and %q from reaching the password field.
func (s Secret) Format(f fmt.State, verb rune) {
	if verb == 'v' && f.Flag('#') {
		fmt.Fprint(f, s.GoString())
		return
	}
	fmt.Fprint(f, s.String())
}

// Store is what the session manager needs from credential storage.
type Store interface {
	Account(ctx context.Context, id string) (model.Account, error)
	Secret(ctx context.Context, id string) (Secret, error)
	Accounts(ctx context.Context) ([]model.Account, error)
	SetDisabled(ctx context.Context, id string, disabled bool, reason string) error
}

// envPrefix marks a secret resolved from the environment at lookup time.
const envPrefix = "env:"

// DBStore keeps accounts in sqlite with sealed or env-referenced passwords.
type DBStore struct {
	q    *db.Queries
	keys *crypto.KeyManager
}

// NewDBStore builds a store; keys may be nil when every secret is an env: reference.
func NewDBStore(q *db.Queries, keys *crypto.KeyManager) *DBStore {
	return &DBStore{q: q, keys: keys}
}

func (s *DBStore) Account(ctx context.Context, id string) (model.Account, error) {
	row, err := s.q.GetAccount(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return model.Account{}, fmt.Errorf("%w: %s", model.ErrAccountNotFound, id)
	}
	if err != nil {
		return model.Account{}, err
	}
	return toModel(*row), nil
}

func (s *DBStore) Accounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.q.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Account, 0, len(rows))
	for _, r := range rows {
		out = append(out, toModel(r))
	}
	return out, nil
}

func (s *DBStore) Secret(ctx context.Context, id string) (Secret, error) {
	row, err := s.q.GetAccount(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return Secret{}, fmt.Errorf("%w: %s", model.ErrAccountNotFound, id)
	}
	if err != nil {
		return Secret{}, err
	}
	pw, err := s.resolve(row.ID, row.Secret)
	if err != nil {
		return Secret{}, fmt.Errorf("resolve secret for %s: %w", id, err)
	}
	return Secret{Username: row.Username, Password: pw}, nil
}

func (s *DBStore) SetDisabled(ctx context.Context, id string, disabled bool, reason string) error {
	err := s.q.SetAccountDisabled(ctx, id, disabled, reason)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %s", model.ErrAccountNotFound, id)
	}
	return err
}

func (s *DBStore) resolve(accountID, stored string) (string, error) {
	switch {
	case strings.HasPrefix(stored, envPrefix):
		name := strings.TrimPrefix(stored, envPrefix)
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
		return v, nil
	case crypto.IsSealed(stored):
		if s.keys == nil {
			return "", crypto.ErrKeyNotLoaded
		}
		return s.keys.Open(stored, accountID)
	}
	return "", errors.New("stored secret is neither sealed nor an env: reference")
}

// seal converts a seed password into its stored form.
func (s *DBStore) seal(accountID, password string) (string, error) {
	if strings.HasPrefix(password, envPrefix) || crypto.IsSealed(password) {
		return password, nil
	}
	if s.keys == nil {
		return "", fmt.Errorf("plaintext password for %s needs %s to be set", accountID, crypto.EnvKeyPrefix)
	}
	return s.keys.Seal(password, accountID)
}

func toModel(r db.Account) model.Account {
	return model.Account{
		ID:             r.ID,
		Username:       r.Username,
		ProfileDir:     r.ProfileDir,
		Disabled:       r.Disabled,
		DisabledReason: r.DisabledReason,
	}
}
