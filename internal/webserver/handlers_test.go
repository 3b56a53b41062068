package webserver

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkincode/wagate/config"
	"github.com/talkincode/wagate/internal/engine"
	"github.com/talkincode/wagate/internal/session"
)

const testSecret = "unit-test-secret"

// fakeService records calls and returns canned results.
type fakeService struct {
	startResult *session.StartResult
	startErr    error
	statusRes   *session.StatusResult
	statusErr   error
	qr          string
	qrErr       error
	logoutErr   error
	sendRes     *engine.SendResult
	sendErr     error
	messages    []engine.Message
	messagesErr error
	webhooks    map[string]string
	list        []session.StatusResult

	lastTarget string
	lastBody   string
	lastData   []byte
}

func newFakeService() *fakeService {
	return &fakeService{
		webhooks: make(map[string]string),
		sendRes:  &engine.SendResult{ID: "msg-1", Timestamp: time.Unix(1700000000, 0)},
	}
}

func (f *fakeService) StartSession(ctx context.Context, id string, opts session.StartOptions) (*session.StartResult, error) {
	return f.startResult, f.startErr
}

func (f *fakeService) Status(ctx context.Context, id string) (*session.StatusResult, error) {
	return f.statusRes, f.statusErr
}

func (f *fakeService) QRCode(ctx context.Context, id string) (string, error) {
	return f.qr, f.qrErr
}

func (f *fakeService) Logout(ctx context.Context, id string) error {
	return f.logoutErr
}

func (f *fakeService) SendText(ctx context.Context, id, target, body string) (*engine.SendResult, error) {
	f.lastTarget, f.lastBody = target, body
	return f.sendRes, f.sendErr
}

func (f *fakeService) SendImage(ctx context.Context, id, target string, data []byte, name, caption string) (*engine.SendResult, error) {
	f.lastTarget, f.lastData = target, data
	return f.sendRes, f.sendErr
}

func (f *fakeService) SendFile(ctx context.Context, id, target string, data []byte, name, caption string) (*engine.SendResult, error) {
	f.lastTarget, f.lastData = target, data
	return f.sendRes, f.sendErr
}

func (f *fakeService) SendVoice(ctx context.Context, id, target string, data []byte) (*engine.SendResult, error) {
	f.lastTarget, f.lastData = target, data
	return f.sendRes, f.sendErr
}

func (f *fakeService) SendVideo(ctx context.Context, id, target string, data []byte, name, caption string) (*engine.SendResult, error) {
	f.lastTarget, f.lastData = target, data
	return f.sendRes, f.sendErr
}

func (f *fakeService) Messages(ctx context.Context, id, chat string, includeSelf, includeNotifications bool) ([]engine.Message, error) {
	f.lastTarget = chat
	return f.messages, f.messagesErr
}

func (f *fakeService) SetWebhook(id, url string) { f.webhooks[id] = url }
func (f *fakeService) RemoveWebhook(id string)   { delete(f.webhooks, id) }
func (f *fakeService) Webhook(id string) string  { return f.webhooks[id] }

func (f *fakeService) List(ctx context.Context) []session.StatusResult { return f.list }
func (f *fakeService) Count() int                                      { return len(f.list) }

func newTestServer(svc SessionService) *Server {
	cfg := config.DefaultConfig()
	cfg.Web.Secret = testSecret
	return NewServer(cfg, svc)
}

func doRequest(s *Server, method, path, body string, authorized bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorized {
		req.Header.Set("Authorization", "Bearer "+testSecret)
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthNoAuthRequired(t *testing.T) {
	s := newTestServer(newFakeService())
	rec := doRequest(s, http.MethodGet, "/health", "", false)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
}

func TestMissingOrWrongSecret(t *testing.T) {
	s := newTestServer(newFakeService())

	rec := doRequest(s, http.MethodGet, "/api/sessions", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer wrong-secret")
	rr := httptest.NewRecorder()
	s.Echo().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestStartSessionResponse(t *testing.T) {
	svc := newFakeService()
	svc.startResult = &session.StartResult{
		Session: "alpha",
		Status:  engine.StatusQRCode,
		QRCode:  "data:image/png;base64,abcd",
	}
	s := newTestServer(svc)

	rec := doRequest(s, http.MethodPost, "/api/alpha/start-session",
		`{"webhook":"http://example.com/hook","waitQrCode":true}`, true)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "alpha", body["session"])
	assert.Equal(t, "qrcode", body["status"])
	assert.Equal(t, "data:image/png;base64,abcd", body["qrCode"])
	assert.Equal(t, "scan the qr code to pair", body["message"])
}

func TestStartSessionOmitsEmptyQRCode(t *testing.T) {
	svc := newFakeService()
	svc.startResult = &session.StartResult{
		Session: "alpha",
		Status:  engine.StatusConnected,
	}
	s := newTestServer(svc)

	rec := doRequest(s, http.MethodPost, "/api/alpha/start-session", `{}`, true)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "session already connected", body["message"])
	_, present := body["qrCode"]
	assert.False(t, present)
}

func TestStatusUnknownSessionShape(t *testing.T) {
	svc := newFakeService()
	svc.statusRes = &session.StatusResult{Session: "ghost", Status: engine.StatusNotLogged}
	svc.statusErr = session.ErrSessionNotFound
	s := newTestServer(svc)

	rec := doRequest(s, http.MethodGet, "/api/ghost/status", "", true)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "ghost", body["session"])
	assert.Equal(t, "notLogged", body["status"])
	assert.Equal(t, false, body["connected"])
}

func TestStatusConnected(t *testing.T) {
	svc := newFakeService()
	svc.statusRes = &session.StatusResult{Session: "alpha", Status: engine.StatusConnected, Connected: true}
	s := newTestServer(svc)

	rec := doRequest(s, http.MethodGet, "/api/alpha/status", "", true)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["connected"])
	assert.Equal(t, "connected", body["status"])
}

func TestSendTextValidation(t *testing.T) {
	s := newTestServer(newFakeService())

	rec := doRequest(s, http.MethodPost, "/api/alpha/send-text", `{"to":"","text":""}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendTextNotConnected(t *testing.T) {
	svc := newFakeService()
	svc.sendErr = session.ErrNotConnected
	s := newTestServer(svc)

	rec := doRequest(s, http.MethodPost, "/api/alpha/send-text",
		`{"to":"5511999","text":"hi"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
}

func TestSendTextSuccess(t *testing.T) {
	svc := newFakeService()
	s := newTestServer(svc)

	rec := doRequest(s, http.MethodPost, "/api/alpha/send-text",
		`{"to":"5511999","text":"hello there"}`, true)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "msg-1", body["id"])
	assert.Equal(t, "5511999", svc.lastTarget)
	assert.Equal(t, "hello there", svc.lastBody)
}

func TestSendImageDecodesBase64(t *testing.T) {
	svc := newFakeService()
	s := newTestServer(svc)

	data := base64.StdEncoding.EncodeToString([]byte{0x89, 0x50, 0x4e, 0x47})
	rec := doRequest(s, http.MethodPost, "/api/alpha/send-image",
		`{"to":"5511999","data":"`+data+`","filename":"pic.png","caption":"look"}`, true)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []byte{0x89, 0x50, 0x4e, 0x47}, svc.lastData)
}

func TestSendImageRejectsBadBase64(t *testing.T) {
	s := newTestServer(newFakeService())

	rec := doRequest(s, http.MethodPost, "/api/alpha/send-image",
		`{"to":"5511999","data":"not-base64!!!"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessagesQueryFlags(t *testing.T) {
	svc := newFakeService()
	svc.messages = []engine.Message{{ID: "m1", Chat: "5511999@s.whatsapp.net", Body: "hi"}}
	s := newTestServer(svc)

	rec := doRequest(s, http.MethodGet, "/api/alpha/messages/5511999?include_self=true", "", true)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	msgs, ok := body["messages"].([]interface{})
	require.True(t, ok)
	assert.Len(t, msgs, 1)
}

func TestWebhookSetAndRemove(t *testing.T) {
	svc := newFakeService()
	s := newTestServer(svc)

	rec := doRequest(s, http.MethodPost, "/api/alpha/webhook",
		`{"url":"http://example.com/hook"}`, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://example.com/hook", svc.webhooks["alpha"])

	rec = doRequest(s, http.MethodPost, "/api/alpha/webhook", `{"url":""}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, http.MethodDelete, "/api/alpha/webhook", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	_, exists := svc.webhooks["alpha"]
	assert.False(t, exists)
}

func TestListSessions(t *testing.T) {
	svc := newFakeService()
	svc.list = []session.StatusResult{
		{Session: "alpha", Status: engine.StatusConnected, Connected: true},
		{Session: "beta", Status: engine.StatusQRCode},
	}
	s := newTestServer(svc)

	rec := doRequest(s, http.MethodGet, "/api/sessions", "", true)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	sessions, ok := body["sessions"].([]interface{})
	require.True(t, ok)
	assert.Len(t, sessions, 2)
}

func TestLogout(t *testing.T) {
	svc := newFakeService()
	s := newTestServer(svc)

	rec := doRequest(s, http.MethodPost, "/api/alpha/logout", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)

	svc.logoutErr = session.ErrSessionNotFound
	rec = doRequest(s, http.MethodPost, "/api/alpha/logout", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
