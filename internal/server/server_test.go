package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"monkeyhouse/internal/config"
	"monkeyhouse/internal/database"
	"monkeyhouse/internal/models"
	"monkeyhouse/internal/notifications"
	"monkeyhouse/internal/repository"
	"monkeyhouse/internal/security"
	"monkeyhouse/internal/stream"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testKeyHex = "6d6f6e6b6579686f7573652d7365727665722d746573742d6b65792d30313233"

func newTestServer(t *testing.T) (*Server, *fiber.App) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		Port:          "0",
		JWTSecret:     "test-secret-that-is-long-enough-for-hs256",
		EncryptionKey: testKeyHex,
		Env:           "test",
	}

	codec, err := security.NewCodec(cfg.EncryptionKey)
	require.NoError(t, err)

	userRepo := repository.NewUserRepository(db)
	chatRepo := repository.NewChatRepository(db)
	bus := notifications.NewChangeBus(rdb)

	// The Prometheus middleware registers collectors in the default registry,
	// which cannot happen more than once per process; tests leave it nil.
	s := &Server{
		config:    cfg,
		db:        db,
		redis:     rdb,
		userRepo:  userRepo,
		chatRepo:  chatRepo,
		codec:     codec,
		bus:       bus,
		publisher: stream.NewPublisher(chatRepo, userRepo, codec, bus),
	}

	app := fiber.New()
	s.SetupRoutes(app)
	return s, app
}

func doJSON(t *testing.T, app *fiber.App, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := app.Test(req, 5000)
	require.NoError(t, err)

	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp, decoded
}

func signup(t *testing.T, app *fiber.App, name, email string) string {
	t.Helper()
	resp, body := doJSON(t, app, fiber.MethodPost, "/api/auth/signup", "", fiber.Map{
		"name": name, "email": email, "password": "hunter2hunter2",
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func createConversation(t *testing.T, app *fiber.App, token string, participants []string) uint {
	t.Helper()
	resp, body := doJSON(t, app, fiber.MethodPost, "/api/conversations", token, fiber.Map{
		"participants": participants,
	})
	require.Contains(t, []int{fiber.StatusCreated, fiber.StatusOK}, resp.StatusCode)
	id, ok := body["id"].(float64)
	require.True(t, ok, "body: %v", body)
	return uint(id)
}

func TestSignupAndLogin(t *testing.T) {
	_, app := newTestServer(t)

	signup(t, app, "Alice", "alice@example.com")

	t.Run("duplicate signup conflicts", func(t *testing.T) {
		resp, _ := doJSON(t, app, fiber.MethodPost, "/api/auth/signup", "", fiber.Map{
			"name": "Alice Again", "email": "ALICE@example.com", "password": "hunter2hunter2",
		})
		assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	})

	t.Run("login with valid credentials", func(t *testing.T) {
		resp, body := doJSON(t, app, fiber.MethodPost, "/api/auth/login", "", fiber.Map{
			"email": "alice@example.com", "password": "hunter2hunter2",
		})
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.NotEmpty(t, body["token"])
	})

	t.Run("login with wrong password", func(t *testing.T) {
		resp, _ := doJSON(t, app, fiber.MethodPost, "/api/auth/login", "", fiber.Map{
			"email": "alice@example.com", "password": "wrong-password",
		})
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("signup rejects short password", func(t *testing.T) {
		resp, _ := doJSON(t, app, fiber.MethodPost, "/api/auth/signup", "", fiber.Map{
			"name": "Bob", "email": "bob@example.com", "password": "short",
		})
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	})
}

func TestAuthRequired(t *testing.T) {
	_, app := newTestServer(t)
	token := signup(t, app, "Alice", "alice@example.com")

	t.Run("missing token rejected", func(t *testing.T) {
		resp, _ := doJSON(t, app, fiber.MethodGet, "/api/conversations", "", nil)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("garbage token rejected", func(t *testing.T) {
		resp, _ := doJSON(t, app, fiber.MethodGet, "/api/conversations", "not-a-jwt", nil)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("bearer token accepted", func(t *testing.T) {
		resp, _ := doJSON(t, app, fiber.MethodGet, "/api/conversations", token, nil)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	})

	t.Run("query param token accepted", func(t *testing.T) {
		resp, _ := doJSON(t, app, fiber.MethodGet, "/api/conversations?token="+token, "", nil)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	})
}

func TestConversationLifecycle(t *testing.T) {
	_, app := newTestServer(t)
	alice := signup(t, app, "Alice", "alice@example.com")
	bob := signup(t, app, "Bob", "bob@example.com")

	// Creating twice with the same participant set yields the same row.
	resp, body := doJSON(t, app, fiber.MethodPost, "/api/conversations", alice, fiber.Map{
		"participants": []string{"bob@example.com"},
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	convID := uint(body["id"].(float64))

	resp, body = doJSON(t, app, fiber.MethodPost, "/api/conversations", alice, fiber.Map{
		"participants": []string{" BOB@example.com "},
	})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, convID, uint(body["id"].(float64)))

	// A conversation without messages is invisible in the list.
	resp, body = doJSON(t, app, fiber.MethodGet, "/api/conversations", bob, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Empty(t, body["conversations"])

	// Send a message; the response carries the plaintext back.
	resp, body = doJSON(t, app, fiber.MethodPost,
		fmt.Sprintf("/api/conversations/%d/messages", convID), alice, fiber.Map{
			"content": "hello bob",
		})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.Equal(t, "hello bob", body["content"])

	// Stored content is sealed, served content is not.
	resp, body = doJSON(t, app, fiber.MethodGet,
		fmt.Sprintf("/api/conversations/%d/messages", convID), bob, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 1)
	msg := msgs[0].(map[string]any)
	assert.Equal(t, "hello bob", msg["content"])
	assert.Equal(t, []any{"alice@example.com"}, msg["read_by"])

	// Bob's list now shows the conversation with one unread.
	resp, body = doJSON(t, app, fiber.MethodGet, "/api/conversations", bob, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	convs := body["conversations"].([]any)
	require.Len(t, convs, 1)
	listed := convs[0].(map[string]any)
	assert.Equal(t, float64(1), listed["unread_count"])
	assert.Equal(t, "hello bob", listed["last_message"].(map[string]any)["content"])

	// Unread totals agree.
	resp, body = doJSON(t, app, fiber.MethodGet, "/api/messages/unread", bob, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])

	// With the conversation open, its unread count is suppressed.
	resp, body = doJSON(t, app, fiber.MethodGet,
		fmt.Sprintf("/api/messages/unread?active=%d", convID), bob, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["total"])

	// Mark read is effective once, then a no-op.
	resp, body = doJSON(t, app, fiber.MethodPost,
		fmt.Sprintf("/api/conversations/%d/mark-read", convID), bob, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["updated"])

	resp, body = doJSON(t, app, fiber.MethodPost,
		fmt.Sprintf("/api/conversations/%d/mark-read", convID), bob, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["updated"])

	resp, body = doJSON(t, app, fiber.MethodGet, "/api/messages/unread", bob, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["total"])
}

func TestHideAndUnhide(t *testing.T) {
	_, app := newTestServer(t)
	alice := signup(t, app, "Alice", "alice@example.com")
	bob := signup(t, app, "Bob", "bob@example.com")

	convID := createConversation(t, app, alice, []string{"bob@example.com"})
	resp, _ := doJSON(t, app, fiber.MethodPost,
		fmt.Sprintf("/api/conversations/%d/messages", convID), alice, fiber.Map{"content": "ping"})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	resp, _ = doJSON(t, app, fiber.MethodPost,
		fmt.Sprintf("/api/conversations/%d/hide", convID), bob, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	// Hidden for Bob only.
	_, body := doJSON(t, app, fiber.MethodGet, "/api/conversations", bob, nil)
	assert.Empty(t, body["conversations"])
	_, body = doJSON(t, app, fiber.MethodGet, "/api/conversations", alice, nil)
	assert.Len(t, body["conversations"], 1)

	// Hidden conversations do not contribute unread counts.
	_, body = doJSON(t, app, fiber.MethodGet, "/api/messages/unread", bob, nil)
	assert.Equal(t, float64(0), body["total"])

	resp, _ = doJSON(t, app, fiber.MethodPost,
		fmt.Sprintf("/api/conversations/%d/unhide", convID), bob, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	_, body = doJSON(t, app, fiber.MethodGet, "/api/conversations", bob, nil)
	assert.Len(t, body["conversations"], 1)
}

func TestConversationAccessControl(t *testing.T) {
	_, app := newTestServer(t)
	alice := signup(t, app, "Alice", "alice@example.com")
	signup(t, app, "Bob", "bob@example.com")
	mallory := signup(t, app, "Mallory", "mallory@example.com")

	convID := createConversation(t, app, alice, []string{"bob@example.com"})

	t.Run("non-member cannot read messages", func(t *testing.T) {
		resp, _ := doJSON(t, app, fiber.MethodGet,
			fmt.Sprintf("/api/conversations/%d/messages", convID), mallory, nil)
		assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	})

	t.Run("non-member cannot send", func(t *testing.T) {
		resp, _ := doJSON(t, app, fiber.MethodPost,
			fmt.Sprintf("/api/conversations/%d/messages", convID), mallory, fiber.Map{"content": "hi"})
		assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	})

	t.Run("unknown conversation is 404", func(t *testing.T) {
		resp, _ := doJSON(t, app, fiber.MethodGet, "/api/conversations/9999/messages", alice, nil)
		assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	})

	t.Run("empty message rejected", func(t *testing.T) {
		resp, _ := doJSON(t, app, fiber.MethodPost,
			fmt.Sprintf("/api/conversations/%d/messages", convID), alice, fiber.Map{"content": "   "})
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown participant on create is 404", func(t *testing.T) {
		resp, _ := doJSON(t, app, fiber.MethodPost, "/api/conversations", alice, fiber.Map{
			"participants": []string{"ghost@example.com"},
		})
		assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	})

	t.Run("realtime stream rejects non-member before any frame", func(t *testing.T) {
		resp, _ := doJSON(t, app, fiber.MethodGet,
			fmt.Sprintf("/api/realtime/conversations/%d/messages", convID), mallory, nil)
		assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	})

	t.Run("realtime stream rejects missing auth", func(t *testing.T) {
		resp, _ := doJSON(t, app, fiber.MethodGet, "/api/realtime/conversations", "", nil)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	})
}

func TestDeleteConversation(t *testing.T) {
	_, app := newTestServer(t)
	alice := signup(t, app, "Alice", "alice@example.com")
	signup(t, app, "Bob", "bob@example.com")

	convID := createConversation(t, app, alice, []string{"bob@example.com"})

	resp, _ := doJSON(t, app, fiber.MethodDelete,
		fmt.Sprintf("/api/conversations/%d", convID), alice, nil)
	require.Equal(t, fiber.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, app, fiber.MethodGet,
		fmt.Sprintf("/api/conversations/%d", convID), alice, nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestDeleteMyAccount(t *testing.T) {
	_, app := newTestServer(t)
	alice := signup(t, app, "Alice", "alice@example.com")
	bob := signup(t, app, "Bob", "bob@example.com")

	convID := createConversation(t, app, alice, []string{"bob@example.com"})
	resp, _ := doJSON(t, app, fiber.MethodPost,
		fmt.Sprintf("/api/conversations/%d/messages", convID), alice, fiber.Map{"content": "remember me"})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	resp, _ = doJSON(t, app, fiber.MethodDelete, "/api/users/me", alice, nil)
	require.Equal(t, fiber.StatusNoContent, resp.StatusCode)

	t.Run("credentials stop working", func(t *testing.T) {
		resp, _ := doJSON(t, app, fiber.MethodPost, "/api/auth/login", "", fiber.Map{
			"email": "alice@example.com", "password": "hunter2hunter2",
		})
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("history keeps content under a tombstone", func(t *testing.T) {
		resp, body := doJSON(t, app, fiber.MethodGet,
			fmt.Sprintf("/api/conversations/%d/messages", convID), bob, nil)
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
		msgs := body["messages"].([]any)
		require.Len(t, msgs, 1)
		msg := msgs[0].(map[string]any)
		sender := msg["sender"].(map[string]any)
		assert.Equal(t, models.Tombstone("alice@example.com"), sender["email"])
		assert.Equal(t, models.DeletedUserLabel, sender["name"])
		assert.Equal(t, "remember me", msg["content"])
	})

	t.Run("tombstones never count as unread", func(t *testing.T) {
		_, body := doJSON(t, app, fiber.MethodGet, "/api/messages/unread", bob, nil)
		assert.Equal(t, float64(0), body["total"])
	})
}

func TestHealthEndpoints(t *testing.T) {
	_, app := newTestServer(t)

	resp, body := doJSON(t, app, fiber.MethodGet, "/health/live", "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "up", body["status"])

	resp, body = doJSON(t, app, fiber.MethodGet, "/health/ready", "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "healthy", checks["database"])
	assert.Equal(t, "healthy", checks["redis"])
}
