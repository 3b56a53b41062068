package webserver

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/spf13/cast"

	"github.com/talkincode/wagate/internal/engine"
	"github.com/talkincode/wagate/internal/session"
)

// SessionService is the session manager surface the HTTP layer depends on.
// Tests substitute a fake implementation.
type SessionService interface {
	StartSession(ctx context.Context, id string, opts session.StartOptions) (*session.StartResult, error)
	Status(ctx context.Context, id string) (*session.StatusResult, error)
	QRCode(ctx context.Context, id string) (string, error)
	Logout(ctx context.Context, id string) error
	SendText(ctx context.Context, id, target, body string) (*engine.SendResult, error)
	SendImage(ctx context.Context, id, target string, data []byte, name, caption string) (*engine.SendResult, error)
	SendFile(ctx context.Context, id, target string, data []byte, name, caption string) (*engine.SendResult, error)
	SendVoice(ctx context.Context, id, target string, data []byte) (*engine.SendResult, error)
	SendVideo(ctx context.Context, id, target string, data []byte, name, caption string) (*engine.SendResult, error)
	Messages(ctx context.Context, id, chat string, includeSelf, includeNotifications bool) ([]engine.Message, error)
	SetWebhook(id, url string)
	RemoveWebhook(id string)
	Webhook(id string) string
	List(ctx context.Context) []session.StatusResult
	Count() int
}

func ok(c echo.Context, data echo.Map) error {
	data["success"] = true
	return c.JSON(http.StatusOK, data)
}

func fail(c echo.Context, code int, msg string) error {
	return c.JSON(code, echo.Map{"success": false, "error": msg})
}

// svcError maps session manager errors onto the response taxonomy:
// 404 not-found, 400 not-connected, 500 timeout/engine failure.
func svcError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return fail(c, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrNotConnected):
		return fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrQRNotAvailable):
		return fail(c, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrAlreadyConnected):
		return fail(c, http.StatusBadRequest, err.Error())
	default:
		return fail(c, http.StatusInternalServerError, err.Error())
	}
}

func sessionParam(c echo.Context) (string, bool) {
	id := strings.TrimSpace(c.Param("session"))
	return id, id != ""
}

func (s *Server) postStartSession(c echo.Context) error {
	id, valid := sessionParam(c)
	if !valid {
		return fail(c, http.StatusBadRequest, "session id is required")
	}
	var payload struct {
		Webhook    string `json:"webhook"`
		WaitQrCode bool   `json:"waitQrCode"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "unable to parse request body")
	}
	res, err := s.svc.StartSession(c.Request().Context(), id, session.StartOptions{
		WebhookURL: payload.Webhook,
		WaitQR:     payload.WaitQrCode,
	})
	if err != nil {
		return svcError(c, err)
	}
	message := "session is starting"
	switch res.Status {
	case engine.StatusConnected:
		message = "session already connected"
	case engine.StatusQRCode:
		message = "scan the qr code to pair"
	}
	resp := echo.Map{
		"session": res.Session,
		"status":  res.Status,
		"message": message,
		"webhook": res.Webhook,
	}
	if res.QRCode != "" {
		resp["qrCode"] = res.QRCode
	}
	return ok(c, resp)
}

func (s *Server) getQRCode(c echo.Context) error {
	id, valid := sessionParam(c)
	if !valid {
		return fail(c, http.StatusBadRequest, "session id is required")
	}
	qr, err := s.svc.QRCode(c.Request().Context(), id)
	if err != nil {
		return svcError(c, err)
	}
	return ok(c, echo.Map{"session": id, "qrCode": qr})
}

func (s *Server) getStatus(c echo.Context) error {
	id, valid := sessionParam(c)
	if !valid {
		return fail(c, http.StatusBadRequest, "session id is required")
	}
	res, err := s.svc.Status(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{
				"success":   false,
				"session":   id,
				"status":    engine.StatusNotLogged,
				"connected": false,
			})
		}
		return svcError(c, err)
	}
	return ok(c, echo.Map{
		"session":   res.Session,
		"status":    res.Status,
		"connected": res.Connected,
	})
}

func (s *Server) postLogout(c echo.Context) error {
	id, valid := sessionParam(c)
	if !valid {
		return fail(c, http.StatusBadRequest, "session id is required")
	}
	if err := s.svc.Logout(c.Request().Context(), id); err != nil {
		return svcError(c, err)
	}
	return ok(c, echo.Map{"session": id, "message": "session terminated"})
}

func (s *Server) postSendText(c echo.Context) error {
	id, valid := sessionParam(c)
	if !valid {
		return fail(c, http.StatusBadRequest, "session id is required")
	}
	var payload struct {
		To   string `json:"to"`
		Text string `json:"text"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "unable to parse request body")
	}
	if payload.To == "" || payload.Text == "" {
		return fail(c, http.StatusBadRequest, "to and text are required")
	}
	res, err := s.svc.SendText(c.Request().Context(), id, payload.To, payload.Text)
	if err != nil {
		return svcError(c, err)
	}
	return sendResult(c, id, res)
}

type mediaPayload struct {
	To       string `json:"to"`
	Data     string `json:"data"` // base64
	Filename string `json:"filename"`
	Caption  string `json:"caption"`
}

func bindMedia(c echo.Context) (*mediaPayload, []byte, error) {
	var payload mediaPayload
	if err := c.Bind(&payload); err != nil {
		return nil, nil, errors.New("unable to parse request body")
	}
	if payload.To == "" || payload.Data == "" {
		return nil, nil, errors.New("to and data are required")
	}
	raw, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		return nil, nil, errors.New("data must be base64 encoded")
	}
	return &payload, raw, nil
}

func sendResult(c echo.Context, id string, res *engine.SendResult) error {
	return ok(c, echo.Map{
		"session":   id,
		"id":        res.ID,
		"timestamp": res.Timestamp.UnixMilli(),
	})
}

func (s *Server) postSendImage(c echo.Context) error {
	id, valid := sessionParam(c)
	if !valid {
		return fail(c, http.StatusBadRequest, "session id is required")
	}
	payload, raw, err := bindMedia(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, err.Error())
	}
	res, err := s.svc.SendImage(c.Request().Context(), id, payload.To, raw, payload.Filename, payload.Caption)
	if err != nil {
		return svcError(c, err)
	}
	return sendResult(c, id, res)
}

func (s *Server) postSendFile(c echo.Context) error {
	id, valid := sessionParam(c)
	if !valid {
		return fail(c, http.StatusBadRequest, "session id is required")
	}
	payload, raw, err := bindMedia(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, err.Error())
	}
	res, err := s.svc.SendFile(c.Request().Context(), id, payload.To, raw, payload.Filename, payload.Caption)
	if err != nil {
		return svcError(c, err)
	}
	return sendResult(c, id, res)
}

func (s *Server) postSendVoice(c echo.Context) error {
	id, valid := sessionParam(c)
	if !valid {
		return fail(c, http.StatusBadRequest, "session id is required")
	}
	payload, raw, err := bindMedia(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, err.Error())
	}
	res, err := s.svc.SendVoice(c.Request().Context(), id, payload.To, raw)
	if err != nil {
		return svcError(c, err)
	}
	return sendResult(c, id, res)
}

func (s *Server) postSendVideo(c echo.Context) error {
	id, valid := sessionParam(c)
	if !valid {
		return fail(c, http.StatusBadRequest, "session id is required")
	}
	payload, raw, err := bindMedia(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, err.Error())
	}
	res, err := s.svc.SendVideo(c.Request().Context(), id, payload.To, raw, payload.Filename, payload.Caption)
	if err != nil {
		return svcError(c, err)
	}
	return sendResult(c, id, res)
}

func (s *Server) getMessages(c echo.Context) error {
	id, valid := sessionParam(c)
	if !valid {
		return fail(c, http.StatusBadRequest, "session id is required")
	}
	target := strings.TrimSpace(c.Param("target"))
	if target == "" {
		return fail(c, http.StatusBadRequest, "target is required")
	}
	includeSelf := cast.ToBool(c.QueryParam("include_self"))
	includeNotifications := cast.ToBool(c.QueryParam("include_notifications"))
	msgs, err := s.svc.Messages(c.Request().Context(), id, target, includeSelf, includeNotifications)
	if err != nil {
		return svcError(c, err)
	}
	return ok(c, echo.Map{"session": id, "messages": msgs})
}

func (s *Server) postWebhook(c echo.Context) error {
	id, valid := sessionParam(c)
	if !valid {
		return fail(c, http.StatusBadRequest, "session id is required")
	}
	var payload struct {
		Url string `json:"url"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "unable to parse request body")
	}
	if payload.Url == "" {
		return fail(c, http.StatusBadRequest, "url is required")
	}
	s.svc.SetWebhook(id, payload.Url)
	return ok(c, echo.Map{"session": id, "webhook": payload.Url})
}

func (s *Server) deleteWebhook(c echo.Context) error {
	id, valid := sessionParam(c)
	if !valid {
		return fail(c, http.StatusBadRequest, "session id is required")
	}
	s.svc.RemoveWebhook(id)
	return ok(c, echo.Map{"session": id})
}

func (s *Server) listSessions(c echo.Context) error {
	return ok(c, echo.Map{"sessions": s.svc.List(c.Request().Context())})
}

func (s *Server) getHealth(c echo.Context) error {
	return ok(c, echo.Map{
		"status":     "ok",
		"uptime_sec": int64(time.Since(s.started).Seconds()),
		"sessions":   s.svc.Count(),
	})
}
