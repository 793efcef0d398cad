package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"woodshed-sync-server/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

var ErrUserNotFound = errors.New("user not found")

type couchUserStore struct {
	client *kivik.Client
	dbName string
}

func NewCouchUserStore(client *kivik.Client, dbName string) UserStore {
	return &couchUserStore{
		client: client,
		dbName: dbName,
	}
}

func (s *couchUserStore) Create(ctx context.Context, user *domain.User) error {
	db := s.client.DB(s.dbName)

	docID := fmt.Sprintf("user:%s", user.ID)
	if _, err := db.Put(ctx, docID, user); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

func (s *couchUserStore) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	db := s.client.DB(s.dbName)

	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"email": email,
		},
		"limit": 1,
	}

	rows := db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query user by email: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, ErrUserNotFound
	}

	var user domain.User
	if err := rows.ScanDoc(&user); err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	return &user, nil
}

func (s *couchUserStore) FindByID(ctx context.Context, id string) (*domain.User, error) {
	db := s.client.DB(s.dbName)

	row := db.Get(ctx, fmt.Sprintf("user:%s", id))

	var user domain.User
	if err := row.ScanDoc(&user); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}

	return &user, nil
}

func (s *couchUserStore) EmailExists(ctx context.Context, email string) (bool, error) {
	_, err := s.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
