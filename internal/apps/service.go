// Package apps creates and manages builder apps. Each app owns a Freestyle
// git repository, one membership per user and an agent memory thread.
package apps

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"aun-builder/internal/agents"
	"aun-builder/internal/auth"
	"aun-builder/internal/cache"
	"aun-builder/internal/freestyle"
	"aun-builder/internal/logging"
	"aun-builder/internal/metrics"
	"aun-builder/internal/secrets"
	"aun-builder/internal/storage"
	"aun-builder/internal/stream"
	"aun-builder/internal/subscriptions"
	"aun-builder/internal/templates"
	"aun-builder/pkg/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// DefaultAppName is used for the repository and for apps created without a prompt
const DefaultAppName = "Unnamed App"

const appListTTL = time.Minute

var (
	ErrAppNotFound         = errors.New("app not found")
	ErrForbidden           = errors.New("you do not have permission to modify this app")
	ErrRenameArgs          = errors.New("App ID and new name are required")
	ErrEmptyName           = errors.New("App name cannot be empty")
	ErrRenameFailed        = errors.New("Failed to rename app")
	ErrEmptyMessage        = errors.New("message must contain text or images")
	ErrTemplateNotFound    = templates.ErrTemplateNotFound
	ErrAppLimitReached     = subscriptions.ErrAppLimitReached
	ErrMessageLimitReached = subscriptions.ErrMessageLimitReached
)

// Sandbox is the part of the Freestyle API the service needs
type Sandbox interface {
	CreateGitRepository(ctx context.Context, req freestyle.CreateRepoRequest) (*freestyle.Repository, error)
	DeleteGitRepository(ctx context.Context, repoID string) error
	GrantGitPermission(ctx context.Context, identityID, repoID, permission string) error
	CreateGitAccessToken(ctx context.Context, identityID string) (*freestyle.AccessToken, error)
	RevokeGitAccessToken(ctx context.Context, identityID, tokenID string) error
	RequestDevServer(ctx context.Context, repoID string) (*freestyle.DevServer, error)
}

// Streamer starts agent runs for chat messages
type Streamer interface {
	SendMessageWithStreaming(req stream.RunRequest) (*stream.State, error)
}

// Summary is one entry of a user's app list
type Summary struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	CreatedAt   time.Time         `json:"createdAt"`
	GitRepo     string            `json:"gitRepo"`
	Permissions models.Permission `json:"permissions"`
}

// Detail is an app as seen by one of its members
type Detail struct {
	App         models.App        `json:"app"`
	Permissions models.Permission `json:"permissions"`
	AccessToken string            `json:"freestyleAccessToken,omitempty"`
	DevServer   *DevServerURLs    `json:"devServer,omitempty"`
}

// DevServerURLs are the URLs of the app's running dev server
type DevServerURLs struct {
	PreviewURL    string `json:"previewUrl"`
	MCPURL        string `json:"mcpUrl"`
	CodeServerURL string `json:"codeServerUrl"`
}

// Dependencies wires the service
type Dependencies struct {
	DB            *gorm.DB
	Sandbox       Sandbox
	Templates     *templates.Registry
	Subscriptions *subscriptions.Service
	Secrets       *secrets.Manager
	Memory        *agents.Memory
	Streams       Streamer
	// Optional
	Attachments *storage.Attachments
	Cache       *cache.RedisCache
}

// Service implements app lifecycle operations
type Service struct {
	db          *gorm.DB
	sandbox     Sandbox
	templates   *templates.Registry
	subs        *subscriptions.Service
	secrets     *secrets.Manager
	memory      *agents.Memory
	streams     Streamer
	attachments *storage.Attachments
	cache       *cache.RedisCache
}

// NewService creates the app service
func NewService(deps Dependencies) *Service {
	return &Service{
		db:          deps.DB,
		sandbox:     deps.Sandbox,
		templates:   deps.Templates,
		subs:        deps.Subscriptions,
		secrets:     deps.Secrets,
		memory:      deps.Memory,
		streams:     deps.Streams,
		attachments: deps.Attachments,
		cache:       deps.Cache,
	}
}

// CreateApp provisions a repository and dev server from a template, records
// the app with the caller as admin and starts the chat with initialMessage.
func (s *Service) CreateApp(ctx context.Context, user *auth.User, initialMessage, templateID string) (app *models.App, err error) {
	if templateID == "" {
		templateID = templates.DefaultTemplateID
	}
	defer func() { metrics.Get().RecordAppCreated(templateID, err == nil) }()

	if _, err := s.subs.CanCreateApp(ctx, user.UserID); err != nil {
		return nil, err
	}

	tmpl, err := s.templates.Get(templateID)
	if err != nil {
		return nil, err
	}

	log := logging.L().With(zap.String("user_id", user.UserID), zap.String("template", tmpl.ID))

	repo, err := s.sandbox.CreateGitRepository(ctx, freestyle.CreateRepoRequest{
		Name:   DefaultAppName,
		Public: true,
		Source: freestyle.RepoSource{Type: "git", URL: tmpl.Repo},
	})
	if err != nil {
		metrics.RecordProvisioningFailure("create_repo")
		return nil, fmt.Errorf("failed to create repository: %w", err)
	}
	log = log.With(zap.String("repo_id", repo.RepoID))

	token, dev, err := s.provision(ctx, user.FreestyleIdentity, repo.RepoID)
	if err != nil {
		s.deleteRepo(repo.RepoID)
		return nil, err
	}

	name := strings.TrimSpace(initialMessage)
	if name == "" {
		name = DefaultAppName
	}

	app, err = s.insertApp(ctx, user, repo.RepoID, name, token)
	if err != nil {
		metrics.RecordProvisioningFailure("insert_app")
		s.deleteRepo(repo.RepoID)
		return nil, err
	}
	log = log.With(zap.String("app_id", app.ID))

	// The app row exists from here on, so cached lists must see it even if
	// the thread cannot be created
	s.invalidate(ctx, user.UserID)

	if _, err := s.memory.CreateThread(ctx, app.ID, app.ID, app.Name); err != nil {
		return nil, fmt.Errorf("failed to create chat thread: %w", err)
	}

	if strings.TrimSpace(initialMessage) != "" {
		_, err := s.streams.SendMessageWithStreaming(stream.RunRequest{
			AppID:      app.ID,
			MCPURL:     dev.MCPEphemeralURL,
			PreviewURL: dev.EphemeralURL,
			Message:    models.TextMessage(uuid.New().String(), initialMessage),
		})
		if err != nil {
			// The app exists; the user can resend from the chat
			log.Warn("failed to send initial message", zap.Error(err))
		}
	}

	log.Info("app created")
	return app, nil
}

// provision grants the identity write access, then issues its token and
// starts the dev server concurrently
func (s *Service) provision(ctx context.Context, identity, repoID string) (*freestyle.AccessToken, *freestyle.DevServer, error) {
	if err := s.sandbox.GrantGitPermission(ctx, identity, repoID, string(models.PermissionWrite)); err != nil {
		metrics.RecordProvisioningFailure("grant_permission")
		return nil, nil, fmt.Errorf("failed to grant repository access: %w", err)
	}

	var (
		token *freestyle.AccessToken
		dev   *freestyle.DevServer
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t, err := s.sandbox.CreateGitAccessToken(gctx, identity)
		if err != nil {
			metrics.RecordProvisioningFailure("create_token")
			return fmt.Errorf("failed to create access token: %w", err)
		}
		token = t
		return nil
	})
	g.Go(func() error {
		d, err := s.sandbox.RequestDevServer(gctx, repoID)
		if err != nil {
			metrics.RecordProvisioningFailure("dev_server")
			return fmt.Errorf("failed to start dev server: %w", err)
		}
		dev = d
		return nil
	})
	if err := g.Wait(); err != nil {
		if token != nil {
			s.revokeToken(identity, token.ID)
		}
		return nil, nil, err
	}
	return token, dev, nil
}

func (s *Service) insertApp(ctx context.Context, user *auth.User, repoID, name string, token *freestyle.AccessToken) (*models.App, error) {
	sealed, err := s.secrets.Encrypt(user.UserID, token.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}

	app := &models.App{
		ID:      uuid.New().String(),
		Name:    name,
		GitRepo: repoID,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(app).Error; err != nil {
			return err
		}
		return tx.Create(&models.AppUser{
			AppID:                  app.ID,
			UserID:                 user.UserID,
			Permissions:            models.PermissionAdmin,
			FreestyleAccessToken:   sealed,
			FreestyleAccessTokenID: token.ID,
			FreestyleIdentity:      user.FreestyleIdentity,
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create app: %w", err)
	}
	return app, nil
}

func (s *Service) deleteRepo(repoID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := s.sandbox.DeleteGitRepository(ctx, repoID)
	metrics.RecordCompensation("delete_repo", err == nil)
	if err != nil {
		logging.L().Error("failed to delete orphaned repository", zap.String("repo_id", repoID), zap.Error(err))
	}
}

func (s *Service) revokeToken(identity, tokenID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := s.sandbox.RevokeGitAccessToken(ctx, identity, tokenID)
	metrics.RecordCompensation("revoke_token", err == nil)
	if err != nil {
		logging.L().Warn("failed to revoke access token", zap.String("token_id", tokenID), zap.Error(err))
	}
}

// RenameApp sets a new trimmed name. The caller needs write access.
func (s *Service) RenameApp(ctx context.Context, user *auth.User, appID, newName string) error {
	if appID == "" || newName == "" {
		return ErrRenameArgs
	}
	name := strings.TrimSpace(newName)
	if name == "" {
		return ErrEmptyName
	}

	member, err := s.membership(ctx, user.UserID, appID)
	if err != nil {
		return err
	}
	if !member.Permissions.CanWrite() {
		return ErrForbidden
	}

	if err := s.db.WithContext(ctx).Model(&models.App{}).
		Where("id = ?", appID).
		Update("name", name).Error; err != nil {
		logging.L().Error("failed to rename app", zap.String("app_id", appID), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrRenameFailed, err)
	}

	s.invalidateMembers(ctx, appID)
	return nil
}

// DeleteApp removes an app the caller administers. Memberships, chat history
// and attachment rows go in one transaction; member tokens and attachment
// objects are removed best effort once it has committed.
func (s *Service) DeleteApp(ctx context.Context, user *auth.User, appID string) error {
	member, err := s.membership(ctx, user.UserID, appID)
	if err != nil {
		return err
	}
	if member.Permissions != models.PermissionAdmin {
		return ErrForbidden
	}

	var members []models.AppUser
	if err := s.db.WithContext(ctx).Where("app_id = ?", appID).Find(&members).Error; err != nil {
		return fmt.Errorf("failed to load app members: %w", err)
	}
	var attachments []models.Attachment
	if err := s.db.WithContext(ctx).Where("app_id = ?", appID).Find(&attachments).Error; err != nil {
		return fmt.Errorf("failed to load attachments: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Explicit deletes keep sqlite, which ignores FK cascades by default, consistent
		if err := tx.Where("app_id = ?", appID).Delete(&models.AppUser{}).Error; err != nil {
			return err
		}
		if err := tx.Where("thread_id = ?", appID).Delete(&models.ChatMessage{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", appID).Delete(&models.ChatThread{}).Error; err != nil {
			return err
		}
		if err := tx.Where("app_id = ?", appID).Delete(&models.Attachment{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", appID).Delete(&models.App{}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to delete app: %w", err)
	}

	for _, m := range members {
		if m.FreestyleAccessTokenID != "" {
			s.revokeToken(m.FreestyleIdentity, m.FreestyleAccessTokenID)
		}
		s.invalidate(ctx, m.UserID)
	}
	if s.attachments != nil {
		s.attachments.RemoveObjects(ctx, attachments)
	}
	logging.L().Info("app deleted", zap.String("app_id", appID), zap.String("user_id", user.UserID))
	return nil
}

// ListUserApps returns the caller's apps, newest first
func (s *Service) ListUserApps(ctx context.Context, user *auth.User) ([]Summary, error) {
	if s.cache == nil {
		return s.loadUserApps(ctx, user.UserID)
	}

	var out []Summary
	err := s.cache.GetOrSetJSON(ctx, cache.UserAppsKey(user.UserID), appListTTL, &out, func() (interface{}, error) {
		return s.loadUserApps(ctx, user.UserID)
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Summary{}
	}
	return out, nil
}

func (s *Service) loadUserApps(ctx context.Context, userID string) ([]Summary, error) {
	out := []Summary{}
	err := s.db.WithContext(ctx).
		Table("apps").
		Select("apps.id, apps.name, apps.created_at, apps.git_repo, app_users.permissions").
		Joins("JOIN app_users ON app_users.app_id = apps.id").
		Where("app_users.user_id = ?", userID).
		Order("apps.created_at DESC").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list apps: %w", err)
	}
	return out, nil
}

// GetApp returns the app with the caller's decrypted token and the URLs of
// its dev server. A dev server failure is logged and leaves DevServer nil.
func (s *Service) GetApp(ctx context.Context, user *auth.User, appID string) (*Detail, error) {
	member, err := s.membership(ctx, user.UserID, appID)
	if err != nil {
		return nil, err
	}

	var app models.App
	if err := s.db.WithContext(ctx).First(&app, "id = ?", appID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAppNotFound
		}
		return nil, fmt.Errorf("failed to load app: %w", err)
	}

	detail := &Detail{App: app, Permissions: member.Permissions}
	if member.FreestyleAccessToken != "" {
		token, err := s.secrets.Decrypt(user.UserID, member.FreestyleAccessToken)
		if err != nil {
			logging.L().Error("failed to decrypt access token", zap.String("app_id", appID), zap.Error(err))
		} else {
			detail.AccessToken = token
		}
	}

	dev, err := s.sandbox.RequestDevServer(ctx, app.GitRepo)
	if err != nil {
		logging.L().Warn("failed to request dev server", zap.String("app_id", appID), zap.Error(err))
		return detail, nil
	}
	detail.DevServer = &DevServerURLs{
		PreviewURL:    dev.EphemeralURL,
		MCPURL:        dev.MCPEphemeralURL,
		CodeServerURL: dev.CodeServerURL,
	}
	return detail, nil
}

// SendMessage reserves one of the caller's messages and starts an agent run
// for it. Image URLs must be attachments of the app; others are dropped. The
// reservation is released when the run cannot start.
func (s *Service) SendMessage(ctx context.Context, user *auth.User, appID, text string, imageURLs []string) (state *stream.State, err error) {
	member, err := s.membership(ctx, user.UserID, appID)
	if err != nil {
		return nil, err
	}
	if !member.Permissions.CanWrite() {
		return nil, ErrForbidden
	}

	// Cached check first, so users at the limit cost no write
	if _, err := s.subs.CanSendMessage(ctx, user.UserID); err != nil {
		return nil, err
	}

	images, err := s.resolveImages(ctx, appID, imageURLs)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" && len(images) == 0 {
		return nil, ErrEmptyMessage
	}

	summary, err := s.subs.ReserveMessage(ctx, user.UserID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err == nil {
			return
		}
		if rerr := s.subs.ReleaseMessage(context.Background(), user.UserID); rerr != nil {
			logging.L().Error("failed to release message", zap.String("user_id", user.UserID), zap.Error(rerr))
		}
	}()

	var app models.App
	if err := s.db.WithContext(ctx).First(&app, "id = ?", appID).Error; err != nil {
		return nil, fmt.Errorf("failed to load app: %w", err)
	}

	dev, err := s.sandbox.RequestDevServer(ctx, app.GitRepo)
	if err != nil {
		return nil, fmt.Errorf("failed to start dev server: %w", err)
	}

	state, err = s.streams.SendMessageWithStreaming(stream.RunRequest{
		AppID:      appID,
		MCPURL:     dev.MCPEphemeralURL,
		PreviewURL: dev.EphemeralURL,
		Message:    agents.NewUserMessage(text, images...),
	})
	if err != nil {
		return nil, err
	}

	metrics.Get().RecordMessage(summary.SubscriptionType)
	return state, nil
}

// resolveImages keeps the URLs that belong to attachments of the app
func (s *Service) resolveImages(ctx context.Context, appID string, urls []string) ([]string, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	var atts []models.Attachment
	if s.attachments != nil {
		var err error
		if atts, err = s.attachments.Resolve(ctx, appID, urls); err != nil {
			return nil, err
		}
	}
	if dropped := len(urls) - len(atts); dropped > 0 {
		logging.L().Warn("dropping image urls that are not app attachments",
			zap.String("app_id", appID), zap.Int("dropped", dropped))
	}
	out := make([]string, 0, len(atts))
	for _, att := range atts {
		out = append(out, att.URL)
	}
	return out, nil
}

// Messages returns the stored chat of an app the caller belongs to
func (s *Service) Messages(ctx context.Context, user *auth.User, appID string) ([]models.UIMessage, error) {
	if _, err := s.membership(ctx, user.UserID, appID); err != nil {
		return nil, err
	}
	return s.memory.History(ctx, appID, agents.DefaultHistoryLimit)
}

// Authorize returns the caller's membership or ErrAppNotFound
func (s *Service) Authorize(ctx context.Context, userID, appID string) (*models.AppUser, error) {
	return s.membership(ctx, userID, appID)
}

func (s *Service) membership(ctx context.Context, userID, appID string) (*models.AppUser, error) {
	var member models.AppUser
	err := s.db.WithContext(ctx).First(&member, "app_id = ? AND user_id = ?", appID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAppNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load membership: %w", err)
	}
	return &member, nil
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	s.subs.Invalidate(ctx, userID)
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cache.UserAppsKey(userID)); err != nil {
		logging.L().Warn("failed to invalidate app list", zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *Service) invalidateMembers(ctx context.Context, appID string) {
	var userIDs []string
	if err := s.db.WithContext(ctx).Model(&models.AppUser{}).
		Where("app_id = ?", appID).
		Pluck("user_id", &userIDs).Error; err != nil {
		logging.L().Warn("failed to load app members", zap.String("app_id", appID), zap.Error(err))
		return
	}
	for _, id := range userIDs {
		s.invalidate(ctx, id)
	}
}
