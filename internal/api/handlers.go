package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/LeventeLantos/messaging-gateway/internal/auth"
	"github.com/LeventeLantos/messaging-gateway/internal/cache"
	"github.com/LeventeLantos/messaging-gateway/internal/events"
	"github.com/LeventeLantos/messaging-gateway/internal/logging"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
	"github.com/LeventeLantos/messaging-gateway/internal/provider/whatsapp"
	"github.com/LeventeLantos/messaging-gateway/internal/repo"
	"github.com/LeventeLantos/messaging-gateway/internal/retry"
	"github.com/LeventeLantos/messaging-gateway/internal/scheduler"
	"github.com/LeventeLantos/messaging-gateway/internal/service"
)

const maxBodyBytes = 1 << 16

type Sweeper interface {
	Sweep(ctx context.Context) retry.SweepResult
}

type Subscriber interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

// ReceiptLookup serves recently sent messages without a database read.
type ReceiptLookup interface {
	LookupSent(ctx context.Context, id uuid.UUID) (cache.SentRecord, bool, error)
}

type Deps struct {
	Hub       *service.Hub
	Auth      *auth.Gateway
	Messages  repo.MessageRepository
	Receipts  ReceiptLookup
	Scheduler *scheduler.Scheduler
	Sweeper   Sweeper
	Events    Subscriber
}

type Handler struct {
	hub      *service.Hub
	auth     *auth.Gateway
	repo     repo.MessageRepository
	receipts ReceiptLookup
	sched    *scheduler.Scheduler
	sweeper  Sweeper
	events   Subscriber
	log      *slog.Logger
	ssePing  time.Duration
	qrPixels int
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		hub:      d.Hub,
		auth:     d.Auth,
		repo:     d.Messages,
		receipts: d.Receipts,
		sched:    d.Scheduler,
		sweeper:  d.Sweeper,
		events:   d.Events,
		log:      logging.Component("api"),
		ssePing:  15 * time.Second,
		qrPixels: 256,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	token, exp, err := h.auth.Login(req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "expiresAt": exp})
}

type sendRequest struct {
	Service   string            `json:"service"`
	Recipient string            `json:"recipient"`
	Body      string            `json:"body"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	svc, err := model.ParseService(req.Service)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", service.ErrInvalidRequest, err))
		return
	}

	id, _ := auth.IdentityFrom(r.Context())
	if perm := string(svc) + ":send"; !id.Can(perm) {
		writeError(w, fmt.Errorf("%w: missing permission %s", auth.ErrForbidden, perm))
		return
	}

	res, err := h.hub.Send(r.Context(), service.SendRequest{
		Service:   svc,
		Recipient: req.Recipient,
		Body:      req.Body,
		Metadata:  req.Metadata,
		Identity:  id,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) ListSentMessages(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, err := h.repo.ListSent(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type messageView struct {
	ID         uuid.UUID      `json:"id"`
	Status     model.Status   `json:"status"`
	ExternalID string         `json:"externalId,omitempty"`
	SentAt     *time.Time     `json:"sentAt,omitempty"`
	Message    *model.Message `json:"message,omitempty"`
}

// GetMessage answers from the receipt cache when it can and falls back to
// the stored record.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: malformed message id", service.ErrInvalidRequest))
		return
	}

	if h.receipts != nil {
		rec, ok, err := h.receipts.LookupSent(r.Context(), id)
		if err != nil {
			h.log.Warn("receipt lookup failed", "id", id, "error", err)
		}
		if ok {
			at := rec.SentAt
			writeJSON(w, http.StatusOK, messageView{ID: id, Status: model.Sent, ExternalID: rec.ExternalID, SentAt: &at})
			return
		}
	}

	m, err := h.repo.FindByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if m == nil {
		writeError(w, fmt.Errorf("%w: message %s", repo.ErrNotFound, id))
		return
	}
	view := messageView{ID: m.ID, Status: m.Status, Message: m}
	if m.ExternalID != nil {
		view.ExternalID = *m.ExternalID
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) Configure(w http.ResponseWriter, r *http.Request) {
	svc, err := serviceParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", service.ErrInvalidRequest, err))
		return
	}
	if err := h.hub.Configure(r.Context(), svc, raw); err != nil {
		writeError(w, err)
		return
	}
	h.writeSession(w, http.StatusOK, svc)
}

type controlRequest struct {
	Value string `json:"value"`
}

func (h *Handler) Control(w http.ResponseWriter, r *http.Request) {
	svc, err := serviceParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	action := service.Action(chi.URLParam(r, "action"))

	var req controlRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	if err := h.hub.Control(r.Context(), svc, action, req.Value); err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if action == service.ActionConnect {
		status = http.StatusAccepted
	}
	h.writeSession(w, status, svc)
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	report, err := h.hub.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) QRCode(w http.ResponseWriter, r *http.Request) {
	svc, err := serviceParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s, err := h.hub.Session(svc)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.Detail == nil || s.Detail.QRCode == "" {
		writeError(w, fmt.Errorf("%w: no qr code pending for %s", repo.ErrNotFound, svc))
		return
	}

	png, err := whatsapp.RenderQR(s.Detail.QRCode, h.qrPixels)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// Events streams the event bus as Server-Sent Events until the client leaves.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	feed, cancel := h.events.Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.log.Warn("event stream not flushable", "error", err)
		return
	}

	ping := time.NewTicker(h.ssePing)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
		case e, ok := <-feed:
			if !ok {
				return
			}
			b, err := json.Marshal(e)
			if err != nil {
				h.log.Error("encode event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, b); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Status())
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.sched.Start()
	writeJSON(w, http.StatusOK, h.sched.Status())
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop()
	writeJSON(w, http.StatusOK, h.sched.Status())
}

// SchedulerRun runs one sweep now. It reports skipped when a sweep is
// already in progress.
func (h *Handler) SchedulerRun(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sweeper.Sweep(r.Context()))
}

func (h *Handler) writeSession(w http.ResponseWriter, status int, svc model.Service) {
	s, err := h.hub.Session(svc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, map[string]any{"session": s, "state": s.StateLabel()})
}

func serviceParam(r *http.Request) (model.Service, error) {
	svc, err := model.ParseService(chi.URLParam(r, "service"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", service.ErrInvalidRequest, err)
	}
	return svc, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(into); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", service.ErrInvalidRequest)
		}
		return fmt.Errorf("%w: malformed json: %v", service.ErrInvalidRequest, err)
	}
	return nil
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
