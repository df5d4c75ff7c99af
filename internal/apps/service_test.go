package apps

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"aun-builder/internal/agents"
	"aun-builder/internal/auth"
	"aun-builder/internal/cache"
	"aun-builder/internal/freestyle"
	"aun-builder/internal/secrets"
	"aun-builder/internal/storage"
	"aun-builder/internal/stream"
	"aun-builder/internal/subscriptions"
	"aun-builder/internal/templates"
	"aun-builder/pkg/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeSandbox struct {
	mu          sync.Mutex
	repos       []freestyle.CreateRepoRequest
	deleted     []string
	grants      []string
	revoked     []string
	devRequests int
	devErr      error
	repoErr     error
}

func (f *fakeSandbox) CreateGitRepository(ctx context.Context, req freestyle.CreateRepoRequest) (*freestyle.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.repoErr != nil {
		return nil, f.repoErr
	}
	f.repos = append(f.repos, req)
	return &freestyle.Repository{RepoID: fmt.Sprintf("repo-%d", len(f.repos))}, nil
}

func (f *fakeSandbox) DeleteGitRepository(ctx context.Context, repoID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, repoID)
	return nil
}

func (f *fakeSandbox) GrantGitPermission(ctx context.Context, identityID, repoID, permission string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants = append(f.grants, identityID+":"+repoID+":"+permission)
	return nil
}

func (f *fakeSandbox) CreateGitAccessToken(ctx context.Context, identityID string) (*freestyle.AccessToken, error) {
	return &freestyle.AccessToken{ID: "tok-" + identityID, Token: "secret-" + identityID}, nil
}

func (f *fakeSandbox) RevokeGitAccessToken(ctx context.Context, identityID, tokenID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, tokenID)
	return nil
}

func (f *fakeSandbox) RequestDevServer(ctx context.Context, repoID string) (*freestyle.DevServer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devRequests++
	if f.devErr != nil {
		return nil, f.devErr
	}
	return &freestyle.DevServer{
		EphemeralURL:    "https://" + repoID + ".preview.test",
		MCPEphemeralURL: "https://" + repoID + ".preview.test/mcp",
		CodeServerURL:   "https://" + repoID + ".code.test",
	}, nil
}

type fakeStreamer struct {
	mu       sync.Mutex
	requests []stream.RunRequest
}

func (f *fakeStreamer) SendMessageWithStreaming(req stream.RunRequest) (*stream.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return &stream.State{StreamID: "stream-1", AppID: req.AppID, MessageID: req.Message.ID, Status: stream.StatusRunning, StartedAt: time.Now()}, nil
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string]bool
}

func (f *fakeObjects) Upload(ctx context.Context, key, contentType string, body io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = true
	return "https://cdn.test/" + key, nil
}

func (f *fakeObjects) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeObjects) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01")

type harness struct {
	db          *gorm.DB
	sandbox     *fakeSandbox
	streams     *fakeStreamer
	secrets     *secrets.Manager
	service     *Service
	user        *auth.User
	redis       *cache.RedisCache
	subs        *subscriptions.Service
	memory      *agents.Memory
	objects     *fakeObjects
	attachments *storage.Attachments
}

func newHarness(t *testing.T, withCache bool) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.All()...))

	mgr, err := secrets.NewManager(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("k"), 32)))
	require.NoError(t, err)

	h := &harness{
		db:      db,
		sandbox: &fakeSandbox{},
		streams: &fakeStreamer{},
		secrets: mgr,
		user:    &auth.User{UserID: "user-1", Email: "a@test", FreestyleIdentity: "ident-1"},
		memory:  agents.NewMemory(db),
		objects: &fakeObjects{objects: map[string]bool{}},
	}
	h.attachments = storage.NewAttachments(db, h.objects)
	if withCache {
		h.redis = cache.NewRedisCache(nil)
		t.Cleanup(func() { h.redis.Close() })
	}
	h.subs = subscriptions.NewService(db, h.redis)
	h.service = NewService(Dependencies{
		DB:            db,
		Sandbox:       h.sandbox,
		Templates:     templates.Default(),
		Subscriptions: h.subs,
		Secrets:       mgr,
		Memory:        h.memory,
		Streams:       h.streams,
		Attachments:   h.attachments,
		Cache:         h.redis,
	})
	return h
}

func (h *harness) attach(t *testing.T, appID string) *models.Attachment {
	t.Helper()
	att, err := h.attachments.Save(context.Background(), storage.Upload{
		AppID:    appID,
		UserID:   h.user.UserID,
		Filename: "shot.png",
		Size:     int64(len(pngHeader)),
		Body:     bytes.NewReader(pngHeader),
	})
	require.NoError(t, err)
	return att
}

// failOn makes every statement of kind against table fail
func failOn(t *testing.T, db *gorm.DB, kind, table string) {
	t.Helper()
	fail := func(tx *gorm.DB) {
		if tx.Statement.Schema != nil && tx.Statement.Schema.Table == table {
			_ = tx.AddError(errors.New("disk full"))
		}
	}
	var err error
	switch kind {
	case "create":
		err = db.Callback().Create().Before("gorm:create").Register("test:fail_"+table, fail)
	case "delete":
		err = db.Callback().Delete().Before("gorm:delete").Register("test:fail_"+table, fail)
	}
	require.NoError(t, err)
}

func (h *harness) addMember(t *testing.T, appID, userID string, perm models.Permission) {
	t.Helper()
	require.NoError(t, h.db.FirstOrCreate(&models.App{}, models.App{ID: appID, Name: appID, GitRepo: "repo-" + appID}).Error)
	require.NoError(t, h.db.Create(&models.AppUser{
		AppID:                  appID,
		UserID:                 userID,
		Permissions:            perm,
		FreestyleAccessToken:   "sealed",
		FreestyleAccessTokenID: "tok-" + userID,
		FreestyleIdentity:      "ident-" + userID,
	}).Error)
}

func TestCreateApp(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	app, err := h.service.CreateApp(ctx, h.user, "Build a todo app", "")
	require.NoError(t, err)

	assert.Equal(t, "Build a todo app", app.Name)
	assert.Equal(t, "repo-1", app.GitRepo)

	require.Len(t, h.sandbox.repos, 1)
	repo := h.sandbox.repos[0]
	assert.Equal(t, DefaultAppName, repo.Name)
	assert.True(t, repo.Public)
	assert.Equal(t, "git", repo.Source.Type)
	tmpl, err := templates.Default().Get(templates.DefaultTemplateID)
	require.NoError(t, err)
	assert.Equal(t, tmpl.Repo, repo.Source.URL)
	assert.Equal(t, []string{"ident-1:repo-1:write"}, h.sandbox.grants)

	var member models.AppUser
	require.NoError(t, h.db.First(&member, "app_id = ?", app.ID).Error)
	assert.Equal(t, models.PermissionAdmin, member.Permissions)
	assert.Equal(t, "tok-ident-1", member.FreestyleAccessTokenID)
	assert.Equal(t, "ident-1", member.FreestyleIdentity)
	assert.NotEqual(t, "secret-ident-1", member.FreestyleAccessToken)
	token, err := h.secrets.Decrypt("user-1", member.FreestyleAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "secret-ident-1", token)

	thread, err := h.memory.GetThread(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, app.ID, thread.ResourceID)

	require.Len(t, h.streams.requests, 1)
	req := h.streams.requests[0]
	assert.Equal(t, app.ID, req.AppID)
	assert.Equal(t, "https://repo-1.preview.test/mcp", req.MCPURL)
	assert.Equal(t, "https://repo-1.preview.test", req.PreviewURL)
	assert.Equal(t, models.RoleUser, req.Message.Role)
	assert.NotEmpty(t, req.Message.ID)
	require.Len(t, req.Message.Parts, 1)
	assert.Equal(t, "Build a todo app", req.Message.Parts[0].Text)
}

func TestCreateAppWithoutMessage(t *testing.T) {
	h := newHarness(t, false)

	app, err := h.service.CreateApp(context.Background(), h.user, "  ", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultAppName, app.Name)
	assert.Empty(t, h.streams.requests)
}

func TestCreateAppLimitReached(t *testing.T) {
	h := newHarness(t, false)
	for i := 0; i < subscriptions.FreeAppLimit; i++ {
		h.addMember(t, fmt.Sprintf("app-%d", i), "user-1", models.PermissionAdmin)
	}

	_, err := h.service.CreateApp(context.Background(), h.user, "hi", "")
	assert.ErrorIs(t, err, ErrAppLimitReached)
	assert.Empty(t, h.sandbox.repos)
}

func TestCreateAppUnknownTemplate(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.service.CreateApp(context.Background(), h.user, "hi", "cobol")
	assert.ErrorIs(t, err, ErrTemplateNotFound)
	assert.Contains(t, err.Error(), "Template cobol not found. Available templates: ")
	assert.Empty(t, h.sandbox.repos)
}

func TestCreateAppCompensatesOnProvisioningFailure(t *testing.T) {
	h := newHarness(t, false)
	h.sandbox.devErr = errors.New("no capacity")

	_, err := h.service.CreateApp(context.Background(), h.user, "hi", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start dev server")

	assert.Equal(t, []string{"repo-1"}, h.sandbox.deleted)
	assert.Equal(t, []string{"tok-ident-1"}, h.sandbox.revoked)

	var count int64
	require.NoError(t, h.db.Model(&models.App{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Empty(t, h.streams.requests)
}

func TestCreateAppRepoFailure(t *testing.T) {
	h := newHarness(t, false)
	h.sandbox.repoErr = &freestyle.APIError{StatusCode: 500, Message: "boom"}

	_, err := h.service.CreateApp(context.Background(), h.user, "hi", "")
	var apiErr *freestyle.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Empty(t, h.sandbox.deleted)
}

func TestCreateAppThreadFailureStillInvalidatesList(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	list, err := h.service.ListUserApps(ctx, h.user)
	require.NoError(t, err)
	assert.Empty(t, list)

	failOn(t, h.db, "create", "chat_threads")
	_, err = h.service.CreateApp(ctx, h.user, "hi", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create chat thread")

	list, err = h.service.ListUserApps(ctx, h.user)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	summary, err := h.subs.Summary(ctx, h.user.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.AppCount)
}

func TestRenameApp(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	app, err := h.service.CreateApp(ctx, h.user, "first", "")
	require.NoError(t, err)

	tests := []struct {
		name    string
		appID   string
		newName string
		wantErr error
	}{
		{"missing id", "", "x", ErrRenameArgs},
		{"missing name", app.ID, "", ErrRenameArgs},
		{"blank name", app.ID, "   ", ErrEmptyName},
		{"not a member", "other-app", "x", ErrAppNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.service.RenameApp(ctx, h.user, tt.appID, tt.newName)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	require.NoError(t, h.service.RenameApp(ctx, h.user, app.ID, "  Todo  "))
	var stored models.App
	require.NoError(t, h.db.First(&stored, "id = ?", app.ID).Error)
	assert.Equal(t, "Todo", stored.Name)

	reader := &auth.User{UserID: "user-2"}
	h.addMember(t, app.ID, "user-2", models.PermissionRead)
	assert.ErrorIs(t, h.service.RenameApp(ctx, reader, app.ID, "mine"), ErrForbidden)
}

func TestDeleteApp(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	app, err := h.service.CreateApp(ctx, h.user, "first", "")
	require.NoError(t, err)
	_, err = h.memory.AppendMessage(ctx, app.ID, "", models.RoleUser, []models.MessagePart{{Type: models.PartText, Text: "hi"}})
	require.NoError(t, err)

	writer := &auth.User{UserID: "user-2"}
	h.addMember(t, app.ID, "user-2", models.PermissionWrite)
	assert.ErrorIs(t, h.service.DeleteApp(ctx, writer, app.ID), ErrForbidden)

	h.attach(t, app.ID)
	require.Equal(t, 1, h.objects.count())

	require.NoError(t, h.service.DeleteApp(ctx, h.user, app.ID))
	assert.ElementsMatch(t, []string{"tok-ident-1", "tok-user-2"}, h.sandbox.revoked)
	assert.Zero(t, h.objects.count())

	for _, model := range []interface{}{&models.App{}, &models.AppUser{}, &models.ChatThread{}, &models.ChatMessage{}, &models.Attachment{}} {
		var count int64
		require.NoError(t, h.db.Model(model).Count(&count).Error)
		assert.Zero(t, count, "%T", model)
	}

	assert.ErrorIs(t, h.service.DeleteApp(ctx, h.user, app.ID), ErrAppNotFound)
}

func TestDeleteAppFailureKeepsTokensAndAttachments(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	app, err := h.service.CreateApp(ctx, h.user, "first", "")
	require.NoError(t, err)
	h.attach(t, app.ID)

	failOn(t, h.db, "delete", "apps")
	err = h.service.DeleteApp(ctx, h.user, app.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to delete app")

	assert.Empty(t, h.sandbox.revoked)
	assert.Equal(t, 1, h.objects.count())
	atts, err := h.attachments.List(ctx, app.ID)
	require.NoError(t, err)
	assert.Len(t, atts, 1)

	detail, err := h.service.GetApp(ctx, h.user, app.ID)
	require.NoError(t, err)
	assert.Equal(t, "secret-ident-1", detail.AccessToken)
}

func TestListUserAppsNewestFirst(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	list, err := h.service.ListUserApps(ctx, h.user)
	require.NoError(t, err)
	assert.Empty(t, list)

	first, err := h.service.CreateApp(ctx, h.user, "first", "")
	require.NoError(t, err)
	require.NoError(t, h.db.Model(&models.App{}).Where("id = ?", first.ID).
		Update("created_at", time.Now().Add(-time.Hour)).Error)
	second, err := h.service.CreateApp(ctx, h.user, "second", "")
	require.NoError(t, err)

	list, err = h.service.ListUserApps(ctx, h.user)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
	assert.Equal(t, models.PermissionAdmin, list[0].Permissions)
	assert.Equal(t, "repo-2", list[0].GitRepo)

	require.NoError(t, h.service.RenameApp(ctx, h.user, first.ID, "renamed"))
	list, err = h.service.ListUserApps(ctx, h.user)
	require.NoError(t, err)
	assert.Equal(t, "renamed", list[1].Name)

	other, err := h.service.ListUserApps(ctx, &auth.User{UserID: "user-2"})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestGetApp(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	app, err := h.service.CreateApp(ctx, h.user, "first", "")
	require.NoError(t, err)

	detail, err := h.service.GetApp(ctx, h.user, app.ID)
	require.NoError(t, err)
	assert.Equal(t, app.ID, detail.App.ID)
	assert.Equal(t, models.PermissionAdmin, detail.Permissions)
	assert.Equal(t, "secret-ident-1", detail.AccessToken)
	require.NotNil(t, detail.DevServer)
	assert.Equal(t, "https://repo-1.preview.test", detail.DevServer.PreviewURL)
	assert.Equal(t, "https://repo-1.code.test", detail.DevServer.CodeServerURL)

	h.sandbox.devErr = errors.New("down")
	detail, err = h.service.GetApp(ctx, h.user, app.ID)
	require.NoError(t, err)
	assert.Nil(t, detail.DevServer)

	_, err = h.service.GetApp(ctx, &auth.User{UserID: "user-2"}, app.ID)
	assert.ErrorIs(t, err, ErrAppNotFound)
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	app, err := h.service.CreateApp(ctx, h.user, "", "")
	require.NoError(t, err)
	att := h.attach(t, app.ID)

	_, err = h.service.SendMessage(ctx, h.user, app.ID, " ", nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)

	state, err := h.service.SendMessage(ctx, h.user, app.ID, "make it blue", []string{att.URL})
	require.NoError(t, err)
	assert.Equal(t, app.ID, state.AppID)

	require.Len(t, h.streams.requests, 1)
	msg := h.streams.requests[0].Message
	require.Len(t, msg.Parts, 2)
	assert.Equal(t, models.PartImage, msg.Parts[1].Type)
	assert.Equal(t, att.URL, msg.Parts[1].URL)

	count, err := h.subs.MessageCount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	for i := 1; i < subscriptions.FreeMessageLimit; i++ {
		require.NoError(t, h.subs.TrackMessage(ctx, "user-1"))
	}
	_, err = h.service.SendMessage(ctx, h.user, app.ID, "again", nil)
	assert.ErrorIs(t, err, ErrMessageLimitReached)
	assert.Len(t, h.streams.requests, 1)
}

func TestSendMessageDropsForeignImages(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	app, err := h.service.CreateApp(ctx, h.user, "", "")
	require.NoError(t, err)
	other, err := h.service.CreateApp(ctx, h.user, "", "")
	require.NoError(t, err)
	own := h.attach(t, app.ID)
	foreign := h.attach(t, other.ID)

	_, err = h.service.SendMessage(ctx, h.user, app.ID, "", []string{"https://evil.test/x.svg", foreign.URL})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = h.service.SendMessage(ctx, h.user, app.ID, "compare", []string{"https://evil.test/x.svg", own.URL, foreign.URL})
	require.NoError(t, err)
	require.Len(t, h.streams.requests, 1)
	parts := h.streams.requests[0].Message.Parts
	require.Len(t, parts, 2)
	assert.Equal(t, own.URL, parts[1].URL)

	count, err := h.subs.MessageCount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSendMessageReleasesReservationOnFailure(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	app, err := h.service.CreateApp(ctx, h.user, "", "")
	require.NoError(t, err)

	h.sandbox.devErr = errors.New("no capacity")
	_, err = h.service.SendMessage(ctx, h.user, app.ID, "hi", nil)
	require.Error(t, err)

	count, err := h.subs.MessageCount(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSendMessageConcurrentSendsRespectFreeLimit(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	app, err := h.service.CreateApp(ctx, h.user, "", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 3*subscriptions.FreeMessageLimit; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = h.service.SendMessage(ctx, h.user, app.ID, fmt.Sprintf("msg %d", i), nil)
		}(i)
	}
	wg.Wait()

	assert.Len(t, h.streams.requests, subscriptions.FreeMessageLimit)
	count, err := h.subs.MessageCount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, subscriptions.FreeMessageLimit, count)
}

func TestSendMessageRequiresWriteAccess(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	app, err := h.service.CreateApp(ctx, h.user, "", "")
	require.NoError(t, err)

	h.addMember(t, app.ID, "user-2", models.PermissionRead)
	_, err = h.service.SendMessage(ctx, &auth.User{UserID: "user-2"}, app.ID, "hi", nil)
	assert.ErrorIs(t, err, ErrForbidden)

	msgs, err := h.service.Messages(ctx, &auth.User{UserID: "user-2"}, app.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
