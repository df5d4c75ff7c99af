package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"aun-builder/internal/logging"
	"aun-builder/pkg/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MaxAttachmentSize is the largest accepted upload
const MaxAttachmentSize = 10 << 20

var (
	ErrStorageUnavailable = errors.New("attachment storage is not configured")
	ErrUnsupportedType    = errors.New("only PNG, JPEG, GIF and WebP images are supported")
	ErrTooLarge           = errors.New("attachment exceeds the 10MB limit")
)

// imageExtensions holds the image types the model accepts
var imageExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Upload describes one incoming file
type Upload struct {
	AppID       string
	UserID      string
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Attachments records image uploads for app chats
type Attachments struct {
	db    *gorm.DB
	store ObjectStore
}

// NewAttachments creates the service. A nil store makes every upload fail
// with ErrStorageUnavailable.
func NewAttachments(db *gorm.DB, store ObjectStore) *Attachments {
	return &Attachments{db: db, store: store}
}

// Available reports whether uploads can be stored
func (a *Attachments) Available() bool {
	return a.store != nil
}

// Save validates and uploads an image, then records it
func (a *Attachments) Save(ctx context.Context, up Upload) (*models.Attachment, error) {
	if a.store == nil {
		return nil, ErrStorageUnavailable
	}
	if up.Size > MaxAttachmentSize {
		return nil, ErrTooLarge
	}

	// Sniff the real type; the declared one comes from the browser
	head := make([]byte, 512)
	n, err := io.ReadFull(up.Body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	head = head[:n]
	contentType := detectImageType(head)
	if contentType == "" {
		return nil, ErrUnsupportedType
	}

	key := fmt.Sprintf("apps/%s/%s%s", up.AppID, uuid.New().String(), extensionFor(up.Filename, contentType))
	body := &countingReader{r: io.LimitReader(io.MultiReader(bytes.NewReader(head), up.Body), MaxAttachmentSize+1)}

	url, err := a.store.Upload(ctx, key, contentType, body)
	if err != nil {
		return nil, err
	}
	if body.n > MaxAttachmentSize {
		a.removeObject(key)
		return nil, ErrTooLarge
	}

	att := &models.Attachment{
		ID:          uuid.New().String(),
		AppID:       up.AppID,
		UserID:      up.UserID,
		Key:         key,
		ContentType: contentType,
		Size:        body.n,
		URL:         url,
		CreatedAt:   time.Now().UTC(),
	}
	if err := a.db.WithContext(ctx).Create(att).Error; err != nil {
		a.removeObject(key)
		return nil, fmt.Errorf("failed to record attachment: %w", err)
	}
	return att, nil
}

// List returns the attachments of an app, newest first
func (a *Attachments) List(ctx context.Context, appID string) ([]models.Attachment, error) {
	var out []models.Attachment
	err := a.db.WithContext(ctx).Where("app_id = ?", appID).Order("created_at DESC").Find(&out).Error
	return out, err
}

// Resolve returns the app's attachments whose URLs are listed, in the order
// given. URLs that are not attachments of the app are dropped.
func (a *Attachments) Resolve(ctx context.Context, appID string, urls []string) ([]models.Attachment, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	var found []models.Attachment
	if err := a.db.WithContext(ctx).Where("app_id = ? AND url IN ?", appID, urls).Find(&found).Error; err != nil {
		return nil, fmt.Errorf("failed to load attachments: %w", err)
	}
	byURL := make(map[string]models.Attachment, len(found))
	for _, att := range found {
		byURL[att.URL] = att
	}

	out := make([]models.Attachment, 0, len(found))
	for _, url := range urls {
		att, ok := byURL[url]
		if !ok {
			continue
		}
		delete(byURL, url)
		out = append(out, att)
	}
	return out, nil
}

// DeleteForApp removes the objects and rows of an app's attachments. Object
// deletion is best effort.
func (a *Attachments) DeleteForApp(ctx context.Context, appID string) error {
	atts, err := a.List(ctx, appID)
	if err != nil {
		return err
	}
	if err := a.db.WithContext(ctx).Where("app_id = ?", appID).Delete(&models.Attachment{}).Error; err != nil {
		return err
	}
	a.RemoveObjects(ctx, atts)
	return nil
}

// RemoveObjects deletes the stored objects of atts, logging failures
func (a *Attachments) RemoveObjects(ctx context.Context, atts []models.Attachment) {
	if a.store == nil {
		return
	}
	for _, att := range atts {
		if err := a.store.Delete(ctx, att.Key); err != nil {
			logging.L().Warn("failed to delete attachment object", zap.String("key", att.Key), zap.Error(err))
		}
	}
}

func (a *Attachments) removeObject(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.store.Delete(ctx, key); err != nil {
		logging.L().Warn("failed to remove rejected attachment", zap.String("key", key), zap.Error(err))
	}
}

// detectImageType returns the sniffed MIME type of the content when it is
// one of the accepted image types, or ""
func detectImageType(head []byte) string {
	sniffed := http.DetectContentType(head)
	if _, ok := imageExtensions[sniffed]; ok {
		return sniffed
	}
	return ""
}

func extensionFor(filename, contentType string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext != "" {
		if t := mime.TypeByExtension(ext); strings.HasPrefix(t, contentType) {
			return ext
		}
	}
	if ext, ok := imageExtensions[contentType]; ok {
		return ext
	}
	return ""
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
