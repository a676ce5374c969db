package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrNotOwner         = errors.New("only the owner may do this")
)

type DocumentStore struct{ db *gorm.DB }

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

func (s *DocumentStore) Get(ctx context.Context, docID string) (*Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).Where("id = ?", docID).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Create inserts a document and makes its owner the first collaborator.
func (s *DocumentStore) Create(ctx context.Context, ownerID, title, content string) (*Document, error) {
	doc := &Document{ID: uuid.NewString(), OwnerID: ownerID, Title: title, Content: content}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(doc).Error; err != nil {
			return err
		}
		return tx.Create(&Collaborator{DocumentID: doc.ID, UserID: ownerID}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	return doc, nil
}

func (s *DocumentStore) updateColumn(ctx context.Context, docID, column, value string) error {
	res := s.db.WithContext(ctx).Model(&Document{}).Where("id = ?", docID).
		Updates(map[string]any{column: value, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// mysql reports unchanged rows as unaffected
		_, err := s.Get(ctx, docID)
		return err
	}
	return nil
}

// UpdateContent overwrites the flattened content. Concurrent writers race
// last-writer-wins; the replicated state is unaffected.
func (s *DocumentStore) UpdateContent(ctx context.Context, docID, content string) error {
	return s.updateColumn(ctx, docID, "content", content)
}

func (s *DocumentStore) UpdateTitle(ctx context.Context, docID, title string) error {
	return s.updateColumn(ctx, docID, "title", title)
}

// Delete removes the document with its collaborators and state. Only the owner may delete.
func (s *DocumentStore) Delete(ctx context.Context, docID, userID string) error {
	doc, err := s.Get(ctx, docID)
	if err != nil {
		return err
	}
	if doc.OwnerID != userID {
		return ErrNotOwner
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", docID).Delete(&Collaborator{}).Error; err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", docID).Delete(&DocumentState{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", docID).Delete(&Document{}).Error
	})
}

// ListForUser returns the documents userID collaborates on, newest first.
func (s *DocumentStore) ListForUser(ctx context.Context, userID string) ([]Document, error) {
	var docs []Document
	err := s.db.WithContext(ctx).
		Joins("JOIN collaborators ON collaborators.document_id = documents.id").
		Where("collaborators.user_id = ?", userID).
		Order("documents.updated_at DESC").
		Find(&docs).Error
	return docs, err
}

// AddCollaborator is idempotent.
func (s *DocumentStore) AddCollaborator(ctx context.Context, docID, userID string) error {
	if _, err := s.Get(ctx, docID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Create(&Collaborator{DocumentID: docID, UserID: userID}).Error
	if err != nil && !isDuplicate(err) {
		return err
	}
	return nil
}

// RemoveCollaborator refuses to remove the owner.
func (s *DocumentStore) RemoveCollaborator(ctx context.Context, docID, userID string) error {
	doc, err := s.Get(ctx, docID)
	if err != nil {
		return err
	}
	if doc.OwnerID == userID {
		return ErrNotOwner
	}
	return s.db.WithContext(ctx).
		Where("document_id = ? AND user_id = ?", docID, userID).
		Delete(&Collaborator{}).Error
}

func (s *DocumentStore) ListCollaborators(ctx context.Context, docID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Collaborator{}).
		Where("document_id = ?", docID).
		Order("created_at").
		Pluck("user_id", &ids).Error
	return ids, err
}

func (s *DocumentStore) IsCollaborator(ctx context.Context, docID, userID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Collaborator{}).
		Where("document_id = ? AND user_id = ?", docID, userID).
		Count(&n).Error
	return n > 0, err
}

// LoadState returns the persisted replicated state (nil if never flushed) and
// the flattened content.
func (s *DocumentStore) LoadState(ctx context.Context, docID string) ([]byte, string, error) {
	doc, err := s.Get(ctx, docID)
	if err != nil {
		return nil, "", err
	}
	var st DocumentState
	err = s.db.WithContext(ctx).Where("document_id = ?", docID).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, doc.Content, nil
	}
	if err != nil {
		return nil, "", err
	}
	return st.State, doc.Content, nil
}

// SaveState locks the document row, hands merge the stored replicated state
// and writes back the merged state and its rendering. Concurrent writers are
// serialized on the lock, so each folds in what the previous one stored.
func (s *DocumentStore) SaveState(ctx context.Context, docID string, merge func(stored []byte) ([]byte, string, error)) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc Document
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id").Where("id = ?", docID).First(&doc).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrDocumentNotFound
		}
		if err != nil {
			return err
		}

		var stored []byte
		var cur DocumentState
		err = tx.Where("document_id = ?", docID).First(&cur).Error
		switch {
		case err == nil:
			stored = cur.State
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		state, content, err := merge(stored)
		if err != nil {
			return fmt.Errorf("merge state: %w", err)
		}
		now := time.Now()
		row := DocumentState{DocumentID: docID, State: state, UpdatedAt: now}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "document_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "updated_at"}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
		return tx.Model(&Document{}).Where("id = ?", docID).
			Updates(map[string]any{"content": content, "updated_at": now}).Error
	})
}
