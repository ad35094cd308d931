package documents

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"docuchat_back/storage"
	"docuchat_back/vectorindex"
)

// VectorIndex is the slice of the vector store the metadata side needs:
// writing entries during ingestion and removing a document's entries on
// delete or rollback.
type VectorIndex interface {
	Upsert(ctx context.Context, points []vectorindex.Point) error
	DeleteByDocument(ctx context.Context, documentID string) error
}

// Service owns document and chunk rows. The metadata store is the source of
// truth for existence and processing status; vector entries follow it.
type Service struct {
	db    *gorm.DB
	index VectorIndex
	files *storage.FileStore
}

func NewService(db *gorm.DB, index VectorIndex, files *storage.FileStore) *Service {
	return &Service{db: db, index: index, files: files}
}

// CreateDocument inserts the pending row for a fresh upload. The upload call
// returns as soon as this row exists; processing happens in the background.
func (s *Service) CreateDocument(ctx context.Context, filename, originalFilename, fileType string, fileSize int64, storageKey *string, metadata datatypes.JSON) (*Document, error) {
	if s.db == nil {
		return nil, errors.New("documents: database connection is not configured")
	}

	doc := Document{
		ID:               uuid.NewString(),
		Filename:         filename,
		OriginalFilename: originalFilename,
		FileType:         fileType,
		FileSize:         fileSize,
		UploadDate:       time.Now().UTC(),
		Status:           StatusPending,
		StorageKey:       storageKey,
		Metadata:         metadata,
	}
	if err := s.db.WithContext(ctx).Create(&doc).Error; err != nil {
		return nil, fmt.Errorf("documents: create document: %w", err)
	}
	return &doc, nil
}

// ListDocuments returns documents newest first.
func (s *Service) ListDocuments(ctx context.Context, offset, limit int) ([]Document, error) {
	if s.db == nil {
		return nil, errors.New("documents: database connection is not configured")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var docs []Document
	if err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *Service) GetDocument(ctx context.Context, documentID string) (*Document, error) {
	if s.db == nil {
		return nil, errors.New("documents: database connection is not configured")
	}
	var doc Document
	if err := s.db.WithContext(ctx).Where("id = ?", documentID).Take(&doc).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

// CheckConsistency verifies that a processed document has a resolved vector
// entry for every chunk. A violation is reported, never swallowed: the
// caller decides between re-ingestion and surfacing the error.
func (s *Service) CheckConsistency(ctx context.Context, documentID string) error {
	var doc Document
	if err := s.db.WithContext(ctx).Where("id = ?", documentID).Take(&doc).Error; err != nil {
		return err
	}
	if doc.Status != StatusProcessed {
		return nil
	}

	var total, unresolved int64
	if err := s.db.WithContext(ctx).Model(&Chunk{}).
		Where("document_id = ?", documentID).
		Count(&total).Error; err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Model(&Chunk{}).
		Where("document_id = ? AND (vector_id IS NULL OR vector_id = '')", documentID).
		Count(&unresolved).Error; err != nil {
		return err
	}
	if unresolved > 0 || int(total) != doc.NumChunks {
		return fmt.Errorf("%w (document %s: %d of %d chunks unresolved)", ErrConsistency, documentID, unresolved, total)
	}
	return nil
}

// DeleteDocument removes the document, its chunks and its vector entries.
// The vector delete runs inside the transaction so a vector-store failure
// aborts the row deletes and no orphaned vector entries survive. The vector
// store cannot join the transaction's rollback: if the row deletes fail
// after the vector delete landed, the rows survive while the vectors are
// gone, so the document is demoted to failed to keep it out of retrieval
// and leave it reclaimable by re-ingestion.
func (s *Service) DeleteDocument(ctx context.Context, documentID string) error {
	if s.db == nil {
		return errors.New("documents: database connection is not configured")
	}

	var storageKey *string
	vectorsDeleted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc Document
		if err := tx.Where("id = ?", documentID).Take(&doc).Error; err != nil {
			return err
		}
		storageKey = doc.StorageKey

		if s.index != nil {
			if err := s.index.DeleteByDocument(ctx, documentID); err != nil {
				return err
			}
		}
		vectorsDeleted = true
		if err := tx.Where("document_id = ?", documentID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Document{}, "id = ?", documentID).Error
	})
	if err != nil {
		if vectorsDeleted && !errors.Is(err, gorm.ErrRecordNotFound) {
			demote := s.db.WithContext(ctx).Model(&Document{}).
				Where("id = ?", documentID).
				Updates(map[string]interface{}{
					"status":       StatusFailed,
					"error_reason": "delete aborted after vector entries were removed",
				})
			if demote.Error != nil {
				log.Printf("documents: demote %s after aborted delete failed: %v", documentID, demote.Error)
			}
		}
		return err
	}

	if s.files != nil && storageKey != nil {
		if err := s.files.Delete(ctx, *storageKey); err != nil {
			log.Printf("documents: delete stored original %s failed: %v", *storageKey, err)
		}
	}
	return nil
}

// AppendQueryLog records an answered query. Logging is write-once and
// best-effort; the pipeline never reads these rows.
func (s *Service) AppendQueryLog(ctx context.Context, queryText, responseText string, documentsUsed datatypes.JSON, responseTime time.Duration) error {
	if s.db == nil {
		return errors.New("documents: database connection is not configured")
	}
	record := QueryLog{
		ID:             uuid.NewString(),
		QueryText:      queryText,
		ResponseText:   responseText,
		DocumentsUsed:  documentsUsed,
		ResponseTimeMs: int(responseTime.Milliseconds()),
	}
	return s.db.WithContext(ctx).Create(&record).Error
}
