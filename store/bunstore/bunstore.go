package bunstore

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	session "github.com/goliatone/go-session"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"golang.org/x/crypto/nacl/secretbox"
)

// TokenRecord is the Bun model holding one scope's session grant. There is
// at most one row per scope.
type TokenRecord struct {
	bun.BaseModel `bun:"table:session_tokens"`

	ID           uuid.UUID       `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Scope        string          `bun:"scope,notnull,unique" json:"scope"`
	AccessToken  string          `bun:"access_token,notnull" json:"-"`
	RefreshToken string          `bun:"refresh_token" json:"-"`
	Identity     json.RawMessage `bun:"identity,type:jsonb" json:"-"`
	IssuedAt     time.Time       `bun:"issued_at,notnull" json:"issued_at"`
	CreatedAt    *time.Time      `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt    *time.Time      `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
}

// Store is a durable session.TokenStore backed by Bun. Tokens can be sealed
// at rest with a secretbox key; scopes never see each other's rows.
type Store struct {
	scope  session.RoleScope
	db     *bun.DB
	repo   repository.Repository[*TokenRecord]
	logger session.Logger
	key    *[32]byte
}

var _ session.TokenStore = (*Store)(nil)

// StoreOption customizes Store construction.
type StoreOption func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger session.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEncryptionKey seals tokens at rest with the given 32-byte key.
func WithEncryptionKey(key []byte) StoreOption {
	return func(s *Store) {
		if len(key) != 32 {
			return
		}
		var k [32]byte
		copy(k[:], key)
		s.key = &k
	}
}

// New builds a token store for one scope on top of an existing Bun handle.
func New(db *bun.DB, scope session.RoleScope, opts ...StoreOption) (*Store, error) {
	if !scope.Valid() {
		return nil, session.ErrInvalidScope.WithMetadata(map[string]any{
			"scope": scope.String(),
		})
	}
	if db == nil {
		return nil, goerrors.New("bun db handle is required", goerrors.CategoryBadInput)
	}

	repo := repository.NewRepository(db, repository.ModelHandlers[*TokenRecord]{
		NewRecord: func() *TokenRecord { return &TokenRecord{} },
		GetID: func(r *TokenRecord) uuid.UUID {
			if r == nil {
				return uuid.Nil
			}
			return r.ID
		},
		SetID: func(r *TokenRecord, id uuid.UUID) {
			if r != nil {
				r.ID = id
			}
		},
		GetIdentifier: func() string {
			return "scope"
		},
	})

	s := &Store{
		scope: scope,
		db:    db,
		repo:  repo,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s, nil
}

// OpenSQLite opens a SQLite-backed Bun handle suitable for client-side
// persistence and makes sure the session table exists.
func OpenSQLite(dsn string) (*bun.DB, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to open session database")
	}
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	if _, err := db.NewCreateTable().
		Model((*TokenRecord)(nil)).
		IfNotExists().
		Exec(context.Background()); err != nil {
		db.Close()
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to create session table")
	}

	return db, nil
}

// Save persists the pair and identity in one transaction.
func (s *Store) Save(ctx context.Context, pair session.TokenPair, identity *session.Identity) error {
	record, err := s.toRecord(pair, identity)
	if err != nil {
		return err
	}

	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		now := time.Now()
		record.UpdatedAt = &now
		_, err := tx.NewInsert().
			Model(record).
			On("CONFLICT (scope) DO UPDATE").
			Set("access_token = EXCLUDED.access_token").
			Set("refresh_token = EXCLUDED.refresh_token").
			Set("identity = EXCLUDED.identity").
			Set("issued_at = EXCLUDED.issued_at").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		return err
	})
	if err != nil {
		return s.storageErr("failed to persist session tokens", err)
	}

	if s.logger != nil {
		s.logger.Debug("persisted session tokens for scope %s", s.scope)
	}

	return nil
}

// Load returns the stored pair and identity, or all nils when the scope has
// no session.
func (s *Store) Load(ctx context.Context) (*session.TokenPair, *session.Identity, error) {
	record, err := s.repo.GetByIdentifier(ctx, s.scope.String())
	if err != nil {
		if repository.IsRecordNotFound(err) || err == sql.ErrNoRows {
			return nil, nil, nil
		}
		return nil, nil, s.storageErr("failed to load session tokens", err)
	}

	return s.fromRecord(record)
}

// Clear removes this scope's row. Other scopes are untouched.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.NewDelete().
		Model((*TokenRecord)(nil)).
		Where("scope = ?", s.scope.String()).
		Exec(ctx)
	if err != nil {
		return s.storageErr("failed to clear session tokens", err)
	}
	return nil
}

func (s *Store) toRecord(pair session.TokenPair, identity *session.Identity) (*TokenRecord, error) {
	// same scope always maps to the same row id
	id, err := hashid.NewUUID(s.scope.StorageKey("record"))
	if err != nil {
		return nil, s.storageErr("failed to derive record id", err)
	}

	access, err := s.seal(pair.AccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := s.seal(pair.RefreshToken)
	if err != nil {
		return nil, err
	}

	var identityJSON []byte
	if identity != nil {
		identityJSON, err = json.Marshal(identity)
		if err != nil {
			return nil, s.storageErr("failed to encode identity", err)
		}
	}

	return &TokenRecord{
		ID:           id,
		Scope:        s.scope.String(),
		AccessToken:  access,
		RefreshToken: refresh,
		Identity:     identityJSON,
		IssuedAt:     pair.IssuedAt,
	}, nil
}

func (s *Store) fromRecord(record *TokenRecord) (*session.TokenPair, *session.Identity, error) {
	access, err := s.open(record.AccessToken)
	if err != nil {
		return nil, nil, err
	}
	refresh, err := s.open(record.RefreshToken)
	if err != nil {
		return nil, nil, err
	}

	pair := &session.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		IssuedAt:     record.IssuedAt,
	}

	var identity *session.Identity
	if len(record.Identity) > 0 {
		identity = &session.Identity{}
		if err := json.Unmarshal(record.Identity, identity); err != nil {
			return nil, nil, s.storageErr("failed to decode identity", err)
		}
	}

	return pair, identity, nil
}

// seal encrypts value when a key is configured; plaintext otherwise.
func (s *Store) seal(value string) (string, error) {
	if s.key == nil || value == "" {
		return value, nil
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", s.storageErr("failed to generate nonce", err)
	}

	box := secretbox.Seal(nonce[:], []byte(value), &nonce, s.key)
	return base64.StdEncoding.EncodeToString(box), nil
}

func (s *Store) open(value string) (string, error) {
	if s.key == nil || value == "" {
		return value, nil
	}

	box, err := base64.StdEncoding.DecodeString(value)
	if err != nil || len(box) < 24 {
		return "", s.storageErr("failed to decode sealed token", err)
	}

	var nonce [24]byte
	copy(nonce[:], box[:24])

	plain, ok := secretbox.Open(nil, box[24:], &nonce, s.key)
	if !ok {
		return "", s.storageErr("failed to unseal token", nil)
	}

	return string(plain), nil
}

func (s *Store) storageErr(msg string, cause error) error {
	err := goerrors.New(msg, session.ErrStorageUnavailable.Category).
		WithTextCode(session.ErrStorageUnavailable.TextCode).
		WithMetadata(map[string]any{"scope": s.scope.String()})
	if cause != nil {
		return goerrors.Wrap(cause, session.ErrStorageUnavailable.Category, msg).
			WithTextCode(session.ErrStorageUnavailable.TextCode)
	}
	return err
}
