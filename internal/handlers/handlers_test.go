package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/apperr"
	"parley/internal/auth"
	"parley/internal/blob"
	"parley/internal/clock"
	"parley/internal/db"
	"parley/internal/messaging"
	mw "parley/internal/middleware"
	"parley/internal/realtime"
	"parley/internal/resilience"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type env struct {
	srv    *httptest.Server
	auth   *auth.Service
	svc    *messaging.Service
	hub    *Hub
	scope  string
	tokens map[string]string
}

func newEnv(t *testing.T, limiter *mw.IPRateLimiter) *env {
	t.Helper()
	dir := t.TempDir()
	database, err := db.Init(filepath.Join(dir, "parley.db"), 64)
	require.NoError(t, err)
	blobs, err := blob.NewLocal(filepath.Join(dir, "uploads"), "/uploads")
	require.NoError(t, err)

	clk := clock.Real()
	log := zerolog.Nop()
	retry := resilience.New(clk, log, resilience.Options{})
	bus := realtime.New(realtime.FeedSource(database.Feed), retry, log, realtime.Options{})
	svc := messaging.New(database, blobs, clk, log, messaging.Options{MaxUploadBytes: 1 << 10})

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(svc, bus, log)
	go hub.Run(ctx)

	authSvc := auth.New(testSecret)
	h := New(svc, bus, hub, log, Options{MaxUploadBytes: 1 << 10})
	srv := httptest.NewServer(h.Router(authSvc, limiter))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		bus.Close()
		database.Close()
	})

	scope, err := svc.CreateCommunity(context.Background(), "acme")
	require.NoError(t, err)
	return &env{srv: srv, auth: authSvc, svc: svc, hub: hub, scope: scope.ID, tokens: map[string]string{}}
}

func (e *env) token(t *testing.T, user string) string {
	t.Helper()
	if tok, ok := e.tokens[user]; ok {
		return tok
	}
	tok, err := e.auth.GenerateToken(user, strings.ToLower(user), time.Hour)
	require.NoError(t, err)
	e.tokens[user] = tok
	return tok
}

// call performs a request as user ("" for anonymous) and decodes the JSON
// response into out when it is non-nil.
func (e *env) call(t *testing.T, user, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, user))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// channel creates a public channel owned by owner and joined by others.
func (e *env) channel(t *testing.T, owner, name string, others ...string) db.Channel {
	t.Helper()
	var ch db.Channel
	code := e.call(t, owner, http.MethodPost, "/api/communities/"+e.scope+"/channels",
		map[string]interface{}{"name": name}, &ch)
	require.Equal(t, http.StatusCreated, code)
	for _, u := range others {
		require.Equal(t, http.StatusOK, e.call(t, u, http.MethodPost, "/api/channels/"+ch.ID+"/join", nil, nil))
	}
	return ch
}

func TestMessageLifecycle(t *testing.T) {
	e := newEnv(t, nil)
	ch := e.channel(t, "A", "general", "B")

	var msg db.Message
	code := e.call(t, "A", http.MethodPost, "/api/channels/"+ch.ID+"/messages", map[string]interface{}{
		"content":  "hi @B",
		"metadata": map[string]interface{}{"mentions": []map[string]string{{"user_id": "B", "type": "user"}}},
	}, &msg)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, msg.ID, msg.ThreadRootID)
	require.Len(t, msg.Mentions, 1)

	var reply db.Message
	code = e.call(t, "B", http.MethodPost, "/api/channels/"+ch.ID+"/messages",
		map[string]interface{}{"content": "hello", "parent_message_id": msg.ID}, &reply)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, msg.ID, reply.ThreadRootID)

	var top, thread []db.Message
	require.Equal(t, http.StatusOK, e.call(t, "B", http.MethodGet, "/api/channels/"+ch.ID+"/messages", nil, &top))
	require.Len(t, top, 1)
	require.Equal(t, http.StatusOK, e.call(t, "B", http.MethodGet,
		"/api/channels/"+ch.ID+"/messages?thread_root_id="+msg.ID, nil, &thread))
	require.Len(t, thread, 1)
	assert.Equal(t, reply.ID, thread[0].ID)

	var rs db.ReadStatus
	require.Equal(t, http.StatusOK, e.call(t, "B", http.MethodGet, "/api/channels/"+ch.ID+"/unread", nil, &rs))
	assert.Equal(t, 1, rs.UnreadCount)
	assert.Equal(t, 1, rs.UnreadMentionsCount)

	var mentions []db.Mention
	require.Equal(t, http.StatusOK, e.call(t, "B", http.MethodGet, "/api/mentions", nil, &mentions))
	require.Len(t, mentions, 1)

	require.Equal(t, http.StatusOK, e.call(t, "B", http.MethodPost, "/api/channels/"+ch.ID+"/read",
		map[string]string{"last_message_id": msg.ID}, &rs))
	assert.Zero(t, rs.UnreadCount)
	require.Equal(t, http.StatusOK, e.call(t, "B", http.MethodGet, "/api/mentions", nil, &mentions))
	assert.Empty(t, mentions)

	var summary []db.ReactionSummary
	require.Equal(t, http.StatusOK, e.call(t, "B", http.MethodPost, "/api/messages/"+msg.ID+"/reactions",
		map[string]string{"emoji": "👍"}, &summary))
	require.Len(t, summary, 1)
	assert.Equal(t, 1, summary[0].Count)
	require.Equal(t, http.StatusOK, e.call(t, "B", http.MethodDelete, "/api/messages/"+msg.ID+"/reactions/👍", nil, &summary))
	assert.Empty(t, summary)

	assert.Equal(t, http.StatusForbidden, e.call(t, "B", http.MethodPut, "/api/messages/"+msg.ID,
		map[string]string{"content": "hijack"}, nil))

	var edited db.Message
	require.Equal(t, http.StatusOK, e.call(t, "A", http.MethodPut, "/api/messages/"+msg.ID,
		map[string]string{"content": "hi all"}, &edited))
	assert.True(t, edited.IsEdited)
	assert.Equal(t, "hi all", edited.Content)

	var deleted db.Message
	require.Equal(t, http.StatusOK, e.call(t, "A", http.MethodDelete, "/api/messages/"+msg.ID, nil, &deleted))
	assert.True(t, deleted.IsDeleted)
	require.Equal(t, http.StatusOK, e.call(t, "A", http.MethodGet, "/api/channels/"+ch.ID+"/messages", nil, &top))
	assert.Empty(t, top)
}

func TestChannelRoutes(t *testing.T) {
	e := newEnv(t, nil)
	ch := e.channel(t, "A", "general", "B")

	var errBody map[string]string
	code := e.call(t, "B", http.MethodPost, "/api/communities/"+e.scope+"/channels",
		map[string]interface{}{"name": "general"}, &errBody)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, string(apperr.CodeConflict), errBody["code"])

	var m db.Member
	require.Equal(t, http.StatusOK, e.call(t, "A", http.MethodPut, "/api/channels/"+ch.ID+"/members/B",
		map[string]string{"role": "moderator"}, &m))
	assert.Equal(t, db.RoleModerator, m.Role)
	require.Equal(t, http.StatusOK, e.call(t, "B", http.MethodPut, "/api/channels/"+ch.ID+"/members/C",
		map[string]string{}, &m))
	assert.Equal(t, db.RoleMember, m.Role)
	assert.Equal(t, http.StatusForbidden, e.call(t, "B", http.MethodPut, "/api/channels/"+ch.ID+"/members/A",
		map[string]string{"role": "member"}, nil))

	var members []db.Member
	require.Equal(t, http.StatusOK, e.call(t, "C", http.MethodGet, "/api/channels/"+ch.ID+"/members", nil, &members))
	assert.Len(t, members, 3)

	require.Equal(t, http.StatusOK, e.call(t, "C", http.MethodPost, "/api/channels/"+ch.ID+"/leave", nil, nil))
	assert.Equal(t, http.StatusConflict, e.call(t, "A", http.MethodPost, "/api/channels/"+ch.ID+"/leave", nil, nil))

	assert.Equal(t, http.StatusForbidden, e.call(t, "B", http.MethodPost, "/api/channels/"+ch.ID+"/archive", nil, nil))
	var archived db.Channel
	require.Equal(t, http.StatusOK, e.call(t, "A", http.MethodPost, "/api/channels/"+ch.ID+"/archive", nil, &archived))
	assert.True(t, archived.IsArchived)

	var listed []db.Channel
	require.Equal(t, http.StatusOK, e.call(t, "B", http.MethodGet, "/api/communities/"+e.scope+"/channels", nil, &listed))
	assert.NotNil(t, listed)
}

func TestErrorStatuses(t *testing.T) {
	e := newEnv(t, nil)
	ch := e.channel(t, "A", "general")

	assert.Equal(t, http.StatusUnauthorized, e.call(t, "", http.MethodGet, "/api/mentions", nil, nil))
	assert.Equal(t, http.StatusNotFound, e.call(t, "A", http.MethodGet, "/api/channels/nope/messages", nil, nil))
	assert.Equal(t, http.StatusNotFound, e.call(t, "A", http.MethodGet, "/api/communities/nope/channels", nil, nil))
	assert.Equal(t, http.StatusBadRequest, e.call(t, "A", http.MethodPost, "/api/channels/"+ch.ID+"/messages",
		map[string]string{"content": "   "}, nil))
	assert.Equal(t, http.StatusForbidden, e.call(t, "B", http.MethodPost, "/api/channels/"+ch.ID+"/messages",
		map[string]string{"content": "not a member"}, nil))

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/api/channels/"+ch.ID+"/messages", strings.NewReader("{"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.token(t, "A"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	for code, status := range map[apperr.Code]int{
		apperr.CodeValidation:       400,
		apperr.CodePermissionDenied: 403,
		apperr.CodeNotFound:         404,
		apperr.CodeConflict:         409,
		apperr.CodeTransientStore:   503,
		apperr.CodePermanentFailure: 502,
		apperr.CodeInternal:         500,
	} {
		assert.Equal(t, status, statusOf(code), code)
	}
}

func TestTypingRoutes(t *testing.T) {
	e := newEnv(t, nil)
	ch := e.channel(t, "A", "general", "B")

	require.Equal(t, http.StatusOK, e.call(t, "B", http.MethodPost, "/api/channels/"+ch.ID+"/typing", nil, nil))
	var typing []db.TypingIndicator
	require.Equal(t, http.StatusOK, e.call(t, "A", http.MethodGet, "/api/channels/"+ch.ID+"/typing", nil, &typing))
	require.Len(t, typing, 1)
	assert.Equal(t, "B", typing[0].UserID)

	require.Equal(t, http.StatusOK, e.call(t, "B", http.MethodDelete, "/api/channels/"+ch.ID+"/typing", nil, nil))
	require.Equal(t, http.StatusOK, e.call(t, "A", http.MethodGet, "/api/channels/"+ch.ID+"/typing", nil, &typing))
	assert.Empty(t, typing)

	assert.Equal(t, http.StatusForbidden, e.call(t, "C", http.MethodPost, "/api/channels/"+ch.ID+"/typing", nil, nil))
}

func upload(t *testing.T, e *env, user, name string, content []byte) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mpw := multipart.NewWriter(&buf)
	require.NoError(t, mpw.WriteField("note", "ignored"))
	fw, err := mpw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mpw.Close())

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/api/upload", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mpw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+e.token(t, user))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestUploadAttachAndServe(t *testing.T) {
	e := newEnv(t, nil)
	ch := e.channel(t, "A", "general")

	resp, body := upload(t, e, "A", "notes.txt", []byte("meeting notes"))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var att db.Attachment
	require.NoError(t, json.Unmarshal(body, &att))
	assert.Equal(t, "text/plain", att.ContentType)
	assert.EqualValues(t, 13, att.Size)

	var msg db.Message
	require.Equal(t, http.StatusCreated, e.call(t, "A", http.MethodPost, "/api/channels/"+ch.ID+"/messages",
		map[string]interface{}{"attachment_ids": []string{att.ID}}, &msg))
	require.Len(t, msg.Attachments, 1)

	got, err := http.Get(e.srv.URL + att.StorageURL)
	require.NoError(t, err)
	defer got.Body.Close()
	data, _ := io.ReadAll(got.Body)
	assert.Equal(t, http.StatusOK, got.StatusCode)
	assert.Equal(t, "meeting notes", string(data))
	assert.Equal(t, "nosniff", got.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, `attachment; filename=notes.txt`, got.Header.Get("Content-Disposition"))

	missing, err := http.Get(e.srv.URL + "/uploads/A/nothing/here.txt")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestUploadRejects(t *testing.T) {
	e := newEnv(t, nil)

	resp, _ := upload(t, e, "A", "big.txt", bytes.Repeat([]byte("a"), 4<<10))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = upload(t, e, "A", "run.exe", []byte{0x4d, 0x5a, 0x90, 0x00, 0x03})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMessageRoutesAreRateLimited(t *testing.T) {
	e := newEnv(t, mw.NewIPRateLimiter(1, 1))
	ch := e.channel(t, "A", "general")

	assert.Equal(t, http.StatusCreated, e.call(t, "A", http.MethodPost, "/api/channels/"+ch.ID+"/messages",
		map[string]string{"content": "one"}, nil))
	assert.Equal(t, http.StatusTooManyRequests, e.call(t, "A", http.MethodPost, "/api/channels/"+ch.ID+"/messages",
		map[string]string{"content": "two"}, nil))
	// Reads are not limited.
	assert.Equal(t, http.StatusOK, e.call(t, "A", http.MethodGet, "/api/channels/"+ch.ID+"/messages", nil, nil))
}
