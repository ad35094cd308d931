package documents

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"docuchat_back/embedding"
	"docuchat_back/storage"
	"docuchat_back/vectorindex"
)

// Task is one queued ingestion unit: the raw upload plus enough metadata to
// process it without another fetch.
type Task struct {
	DocumentID string
	Filename   string
	FileType   string
	Data       []byte
}

// Coordinator drives extract -> chunk -> embed -> dual-write -> status flip
// for uploaded documents on a bounded worker pool. The two stores are kept
// consistent by convention: chunk rows are written first (cheap, reversible),
// then embeddings, and the processed flag flips only after every vector
// write succeeded. On failure the document's vector entries are rolled back
// before the failed status commits, so retrieval never sees partial results.
type Coordinator struct {
	db        *gorm.DB
	embedder  embedding.Embedder
	index     VectorIndex
	chunker   *Chunker
	extractor Extractor
	files     *storage.FileStore

	queue     chan Task
	wg        sync.WaitGroup
	closeOnce sync.Once

	workers     int
	fanout      int
	groupSize   int
	maxAttempts int
	retryBase   time.Duration
	docBudget   time.Duration
}

// NewCoordinator builds a coordinator; tuning comes from the environment:
// INGEST_WORKERS (4), INGEST_EMBED_CONCURRENCY (4), EMBED_MAX_ATTEMPTS (3)
// and INGEST_TIMEOUT_SECONDS (300). Call Start before enqueueing.
func NewCoordinator(db *gorm.DB, embedder embedding.Embedder, index VectorIndex, chunker *Chunker, extractor Extractor, files *storage.FileStore) *Coordinator {
	if chunker == nil {
		chunker = NewChunkerFromEnv()
	}
	if extractor == nil {
		extractor = NewTextExtractor()
	}
	return &Coordinator{
		db:          db,
		embedder:    embedder,
		index:       index,
		chunker:     chunker,
		extractor:   extractor,
		files:       files,
		queue:       make(chan Task, 256),
		workers:     envInt("INGEST_WORKERS", 4),
		fanout:      envInt("INGEST_EMBED_CONCURRENCY", 4),
		groupSize:   envInt("INGEST_EMBED_GROUP_SIZE", 8),
		maxAttempts: envInt("EMBED_MAX_ATTEMPTS", 3),
		retryBase:   500 * time.Millisecond,
		docBudget:   time.Duration(envInt("INGEST_TIMEOUT_SECONDS", 300)) * time.Second,
	}
}

func envInt(key string, fallback int) int {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

// Start launches the worker pool.
func (c *Coordinator) Start() {
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for task := range c.queue {
				c.process(task)
			}
		}()
	}
}

// Close stops accepting tasks and waits for in-flight ingestions.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.queue)
	})
	c.wg.Wait()
}

// Enqueue hands a task to the pool without blocking the upload request.
func (c *Coordinator) Enqueue(task Task) error {
	if strings.TrimSpace(task.DocumentID) == "" {
		return errors.New("documents: task document id is required")
	}
	select {
	case c.queue <- task:
		return nil
	default:
		return errors.New("documents: ingestion queue is full")
	}
}

// ResumeInterrupted requeues documents a previous process left in pending or
// processing. Requeueing needs the original bytes, so it only works when the
// file store kept them; otherwise the document is marked failed instead of
// lingering in a state no worker will ever finish.
func (c *Coordinator) ResumeInterrupted(ctx context.Context) error {
	var stranded []Document
	if err := c.db.WithContext(ctx).
		Where("status IN ?", []string{StatusPending, StatusProcessing}).
		Find(&stranded).Error; err != nil {
		return err
	}

	for _, doc := range stranded {
		if c.files == nil || doc.StorageKey == nil {
			c.markFailed(doc.ID, "ingestion interrupted by restart; original file unavailable")
			continue
		}
		data, err := c.files.Fetch(ctx, *doc.StorageKey)
		if err != nil {
			c.markFailed(doc.ID, fmt.Sprintf("ingestion interrupted by restart; fetch original: %v", err))
			continue
		}
		if err := c.db.WithContext(ctx).Model(&Document{}).
			Where("id = ?", doc.ID).
			Update("status", StatusPending).Error; err != nil {
			return err
		}
		if err := c.Enqueue(Task{
			DocumentID: doc.ID,
			Filename:   doc.OriginalFilename,
			FileType:   doc.FileType,
			Data:       data,
		}); err != nil {
			return err
		}
		log.Printf("documents: requeued interrupted document %s", doc.ID)
	}
	return nil
}

// process runs the per-document state machine. Ingestion is fire-and-forget
// relative to the upload, so every failure lands on the document row rather
// than on a caller.
func (c *Coordinator) process(task Task) {
	if err := c.claim(task.DocumentID); err != nil {
		if errors.Is(err, ErrAlreadyProcessing) {
			log.Printf("documents: skip %s: %v", task.DocumentID, err)
			return
		}
		log.Printf("documents: claim %s failed: %v", task.DocumentID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.docBudget)
	defer cancel()

	if err := c.ingest(ctx, task); err != nil {
		reason := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			reason = fmt.Sprintf("ingestion exceeded %s budget", c.docBudget)
		}
		c.rollbackVectors(task.DocumentID)
		c.markFailed(task.DocumentID, reason)
		log.Printf("documents: ingestion of %s failed: %s", task.DocumentID, reason)
	}
}

// claim flips pending/failed to processing. The guarded update doubles as a
// per-document mutex: a second run for the same id observes zero affected
// rows and no-ops instead of racing.
func (c *Coordinator) claim(documentID string) error {
	res := c.db.Model(&Document{}).
		Where("id = ? AND status IN ?", documentID, []string{StatusPending, StatusFailed}).
		Updates(map[string]interface{}{
			"status":       StatusProcessing,
			"error_reason": gorm.Expr("NULL"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var doc Document
		if err := c.db.Select("id", "status").Where("id = ?", documentID).Take(&doc).Error; err != nil {
			return err
		}
		return fmt.Errorf("%w (status %s)", ErrAlreadyProcessing, doc.Status)
	}
	return nil
}

func (c *Coordinator) ingest(ctx context.Context, task Task) error {
	var doc Document
	if err := c.db.WithContext(ctx).Where("id = ?", task.DocumentID).Take(&doc).Error; err != nil {
		return fmt.Errorf("load document: %w", err)
	}

	text, err := c.extractor.Extract(ctx, task.Data, task.FileType)
	if err != nil {
		return err
	}

	segments := c.chunker.Split(text)
	if len(segments) == 0 {
		return ErrEmptyDocument
	}

	// Re-running a failed document starts from a clean slate: stale chunks
	// and vectors are replaced, never duplicated.
	if err := c.index.DeleteByDocument(ctx, task.DocumentID); err != nil {
		return fmt.Errorf("clear stale vector entries: %w", err)
	}
	if err := c.db.WithContext(ctx).Where("document_id = ?", task.DocumentID).Delete(&Chunk{}).Error; err != nil {
		return fmt.Errorf("clear stale chunks: %w", err)
	}

	// Whitespace-only segments carry nothing to embed and the provider path
	// drops blank inputs; skip them here so vector counts always match the
	// chunk rows, keeping chunk_index contiguous over the kept chunks.
	chunks := make([]Chunk, 0, len(segments))
	for _, segment := range segments {
		if strings.TrimSpace(segment.Text) == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			ID:         uuid.NewString(),
			DocumentID: task.DocumentID,
			ChunkIndex: len(chunks),
			Content:    segment.Text,
		})
	}
	if len(chunks) == 0 {
		return ErrEmptyDocument
	}
	if err := c.db.WithContext(ctx).CreateInBatches(&chunks, 100).Error; err != nil {
		return fmt.Errorf("persist chunks: %w", err)
	}

	if err := c.embedChunks(ctx, doc, chunks); err != nil {
		return err
	}

	// Guard before the commit point: the flag must never flip with an
	// unresolved chunk behind it.
	var unresolved int64
	if err := c.db.WithContext(ctx).Model(&Chunk{}).
		Where("document_id = ? AND (vector_id IS NULL OR vector_id = '')", task.DocumentID).
		Count(&unresolved).Error; err != nil {
		return err
	}
	if unresolved > 0 {
		return fmt.Errorf("%w (%d unresolved chunks after embedding)", ErrConsistency, unresolved)
	}

	return c.db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", task.DocumentID).
		Updates(map[string]interface{}{
			"status":       StatusProcessed,
			"num_chunks":   len(chunks),
			"error_reason": gorm.Expr("NULL"),
		}).Error
}

// embedChunks embeds chunk groups concurrently up to the configured fan-out
// and joins on every group before returning, so the caller's status flip is
// a barrier and never a race.
func (c *Coordinator) embedChunks(ctx context.Context, doc Document, chunks []Chunk) error {
	groupSize := c.groupSize
	if groupSize <= 0 {
		groupSize = 8
	}

	sem := make(chan struct{}, c.fanout)
	var wg sync.WaitGroup
	var errMu sync.Mutex
	var firstErr error

	setErr := func(err error) {
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
	}

	for start := 0; start < len(chunks); start += groupSize {
		if err := ctx.Err(); err != nil {
			setErr(err)
			break
		}
		errMu.Lock()
		failed := firstErr != nil
		errMu.Unlock()
		if failed {
			break
		}

		end := start + groupSize
		if end > len(chunks) {
			end = len(chunks)
		}
		group := chunks[start:end]

		sem <- struct{}{}
		wg.Add(1)
		go func(group []Chunk) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := c.embedGroup(ctx, doc, group); err != nil {
				setErr(err)
			}
		}(group)
	}

	wg.Wait()
	return firstErr
}

func (c *Coordinator) embedGroup(ctx context.Context, doc Document, group []Chunk) error {
	texts := make([]string, len(group))
	for i, chunk := range group {
		texts[i] = chunk.Content
	}

	vectors, err := c.embedWithRetry(ctx, texts)
	if err != nil {
		return err
	}
	if len(vectors) != len(group) {
		return fmt.Errorf("documents: embedding count mismatch (expected %d, got %d)", len(group), len(vectors))
	}

	points := make([]vectorindex.Point, len(group))
	for i, chunk := range group {
		points[i] = vectorindex.Point{
			// The vector entry shares the chunk's identity.
			ID:     chunk.ID,
			Vector: vectors[i],
			Payload: map[string]interface{}{
				"document_id":     doc.ID,
				"chunk_id":        chunk.ID,
				"chunk_index":     chunk.ChunkIndex,
				"content":         chunk.Content,
				"filename":        doc.OriginalFilename,
				"file_type":       doc.FileType,
				"embedding_model": c.embedder.ModelID(),
				"upload_unix":     doc.UploadDate.Unix(),
			},
		}
	}
	if err := c.index.Upsert(ctx, points); err != nil {
		return fmt.Errorf("write vector entries: %w", err)
	}

	// Attach the back-reference only after the vector write landed.
	for _, chunk := range group {
		if err := c.db.WithContext(ctx).Model(&Chunk{}).
			Where("id = ?", chunk.ID).
			Update("vector_id", chunk.ID).Error; err != nil {
			return fmt.Errorf("attach vector reference: %w", err)
		}
	}
	return nil
}

// embedWithRetry retries transient provider failures with exponential
// backoff up to the attempt budget. Permanent failures abort immediately.
func (c *Coordinator) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	delay := c.retryBase
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		vectors, err := c.embedder.Embed(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if !embedding.IsTransient(err) {
			return nil, err
		}
		log.Printf("documents: transient embedding failure (attempt %d/%d): %v", attempt+1, c.maxAttempts, err)
	}
	return nil, fmt.Errorf("documents: embedding retries exhausted: %w", lastErr)
}

// rollbackVectors removes whatever vector entries a failed run managed to
// write, so a failed document contributes nothing to retrieval.
func (c *Coordinator) rollbackVectors(documentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.index.DeleteByDocument(ctx, documentID); err != nil {
		log.Printf("documents: rollback vector entries for %s failed: %v", documentID, err)
	}
}

func (c *Coordinator) markFailed(documentID, reason string) {
	// Truncate on a rune boundary; the column caps the reason at 500.
	if runes := []rune(reason); len(runes) > 500 {
		reason = string(runes[:500])
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", documentID).
		Updates(map[string]interface{}{
			"status":       StatusFailed,
			"error_reason": reason,
		}).Error; err != nil {
		log.Printf("documents: mark %s failed: %v", documentID, err)
	}
}
