package documents

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"docuchat_back/embedding"
	"docuchat_back/storage"
	"docuchat_back/vectorindex"
)

// Module wires the document store, the ingestion coordinator and their
// HTTP endpoints.
type Module struct {
	db          *gorm.DB
	service     *Service
	coordinator *Coordinator
	files       *storage.FileStore
}

// RegisterRoutes bootstraps the document endpoints under /documents and
// starts the background ingestion workers. Documents left mid-ingestion by
// a previous run are re-queued or failed before traffic is served.
func RegisterRoutes(router *gin.Engine) (*Module, error) {
	db, err := OpenDatabaseFromEnv()
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}

	embedder, err := embedding.NewHTTPEmbedderFromEnv()
	if err != nil {
		return nil, err
	}

	index, err := vectorindex.NewClientFromEnv()
	if err != nil {
		return nil, err
	}
	ensureCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := index.EnsureCollection(ensureCtx); err != nil {
		return nil, err
	}

	files, err := storage.NewFileStoreFromEnv()
	if err != nil {
		return nil, err
	}
	if files == nil {
		log.Printf("documents: file store not configured, uploads kept in memory only")
	}

	module := &Module{
		db:          db,
		service:     NewService(db, index, files),
		coordinator: NewCoordinator(db, embedder, index, NewChunkerFromEnv(), NewTextExtractor(), files),
		files:       files,
	}
	module.coordinator.Start()

	resumeCtx, cancelResume := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelResume()
	if err := module.coordinator.ResumeInterrupted(resumeCtx); err != nil {
		log.Printf("documents: resume interrupted ingestion failed: %v", err)
	}

	group := router.Group("/documents")
	group.POST("/upload", module.handleUpload)
	group.GET("", module.handleListDocuments)
	group.GET("/:id", module.handleGetDocument)
	group.DELETE("/:id", module.handleDeleteDocument)

	return module, nil
}

// Service exposes the document service for other modules.
func (m *Module) Service() *Service {
	if m == nil {
		return nil
	}
	return m.service
}

// Close drains the ingestion queue and stops the workers.
func (m *Module) Close() {
	if m == nil || m.coordinator == nil {
		return
	}
	m.coordinator.Close()
}

func (m *Module) handleUpload(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file field is required"})
		return
	}

	safeName, fileType, err := ValidateUpload(header.Filename, header.Header.Get("Content-Type"), header.Size)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Reason})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to open uploaded file"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxFileSizeBytes()+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read uploaded file"})
		return
	}
	if int64(len(data)) > MaxFileSizeBytes() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file exceeds the maximum allowed size"})
		return
	}

	doc, err := m.service.CreateDocument(c.Request.Context(), safeName, header.Filename, fileType, int64(len(data)), nil, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create document record"})
		return
	}

	if m.files != nil {
		key, err := m.files.Save(c.Request.Context(), doc.ID, safeName, header.Header.Get("Content-Type"), data)
		if err != nil {
			log.Printf("documents: store original upload %s failed: %v", doc.ID, err)
		} else {
			doc.StorageKey = &key
			if err := m.db.WithContext(c.Request.Context()).Model(&Document{}).
				Where("id = ?", doc.ID).Update("storage_key", key).Error; err != nil {
				log.Printf("documents: persist storage key for %s failed: %v", doc.ID, err)
			}
		}
	}

	task := Task{DocumentID: doc.ID, Filename: safeName, FileType: fileType, Data: data}
	if err := m.coordinator.Enqueue(task); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ingestion queue is full, retry later"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"document": doc})
}

func (m *Module) handleListDocuments(c *gin.Context) {
	offset := parseIntDefault(c.Query("offset"), 0)
	limit := parseIntDefault(c.Query("limit"), 100)

	docs, err := m.service.ListDocuments(c.Request.Context(), offset, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list documents"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs, "count": len(docs)})
}

func (m *Module) handleGetDocument(c *gin.Context) {
	doc, err := m.service.GetDocument(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load document"})
		return
	}

	payload := gin.H{"document": doc}
	if doc.Status == StatusProcessed {
		if err := m.service.CheckConsistency(c.Request.Context(), doc.ID); err != nil {
			if errors.Is(err, ErrConsistency) {
				payload["consistency_error"] = err.Error()
			} else {
				log.Printf("documents: consistency check for %s failed: %v", doc.ID, err)
			}
		}
	}
	c.JSON(http.StatusOK, payload)
}

func (m *Module) handleDeleteDocument(c *gin.Context) {
	if err := m.service.DeleteDocument(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete document"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func parseIntDefault(raw string, fallback int) int {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback
	}
	value, err := strconv.Atoi(trimmed)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
