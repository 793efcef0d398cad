package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"woodshed-sync-server/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

type entityDoc struct {
	ID         string            `json:"_id"`
	Rev        string            `json:"_rev,omitempty"`
	DocType    string            `json:"doc_type"`
	EntityType domain.EntityType `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	OwnerID    string            `json:"owner_id"`
	Version    int64             `json:"version"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Deleted    bool              `json:"deleted"`
}

type couchEntityStore struct {
	client *kivik.Client
	dbName string
}

func NewCouchEntityStore(client *kivik.Client, dbName string) EntityStore {
	return &couchEntityStore{
		client: client,
		dbName: dbName,
	}
}

func entityDocID(ownerID string, entityType domain.EntityType, entityID string) string {
	return fmt.Sprintf("entity:%s:%s:%s", ownerID, entityType, entityID)
}

func (s *couchEntityStore) Get(ctx context.Context, ownerID string, entityType domain.EntityType, entityID string) (*domain.SyncEntity, error) {
	db := s.client.DB(s.dbName)

	row := db.Get(ctx, entityDocID(ownerID, entityType, entityID))

	var doc entityDoc
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}

	return docToEntity(&doc), nil
}

func (s *couchEntityStore) Put(ctx context.Context, entity *domain.SyncEntity, expectedVersion int64) error {
	db := s.client.DB(s.dbName)
	docID := entityDocID(entity.OwnerID, entity.EntityType, entity.EntityID)

	var rev string
	row := db.Get(ctx, docID)

	var existing entityDoc
	if err := row.ScanDoc(&existing); err != nil {
		if kivik.HTTPStatus(err) != http.StatusNotFound {
			return fmt.Errorf("failed to read entity for update: %w", err)
		}
		if expectedVersion != 0 {
			return ErrVersionMismatch
		}
	} else {
		if existing.Version != expectedVersion {
			return ErrVersionMismatch
		}
		rev = existing.Rev
	}

	doc := entityDoc{
		ID:         docID,
		Rev:        rev,
		DocType:    "entity",
		EntityType: entity.EntityType,
		EntityID:   entity.EntityID,
		OwnerID:    entity.OwnerID,
		Version:    entity.Version,
		Payload:    entity.Payload,
		UpdatedAt:  entity.UpdatedAt,
		Deleted:    entity.Deleted,
	}

	if _, err := db.Put(ctx, docID, doc); err != nil {
		// A rev race means another writer got in between the read and the
		// put; report it the same way as a stale expectedVersion.
		if kivik.HTTPStatus(err) == http.StatusConflict {
			return ErrVersionMismatch
		}
		return fmt.Errorf("failed to put entity: %w", err)
	}

	return nil
}

func (s *couchEntityStore) ListByOwner(ctx context.Context, ownerID string) ([]*domain.SyncEntity, error) {
	db := s.client.DB(s.dbName)

	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"doc_type": "entity",
			"owner_id": ownerID,
		},
	}

	rows := db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var entities []*domain.SyncEntity
	for rows.Next() {
		var doc entityDoc
		if err := rows.ScanDoc(&doc); err != nil {
			continue
		}
		entities = append(entities, docToEntity(&doc))
	}

	return entities, nil
}

func docToEntity(doc *entityDoc) *domain.SyncEntity {
	return &domain.SyncEntity{
		EntityType: doc.EntityType,
		EntityID:   doc.EntityID,
		OwnerID:    doc.OwnerID,
		Version:    doc.Version,
		Payload:    doc.Payload,
		UpdatedAt:  doc.UpdatedAt,
		Deleted:    doc.Deleted,
	}
}
