// Package httpapi is the HTTP surface of the lab service: station
// registration and scans, member administration, logs and the dashboard.
package httpapi

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"labtrack/internal/auth"
	"labtrack/internal/badge"
	"labtrack/internal/cloudinary"
	"labtrack/internal/dashboard"
	"labtrack/internal/member"
	"labtrack/internal/presence"
	"labtrack/internal/scan"
)

// Store is the persistence the handlers read directly.
type Store interface {
	UpsertStation(ctx context.Context, stationID string) error
	ListRecentLogEntries(ctx context.Context, limit int) ([]presence.LogEntry, error)
	ListMemberLogEntries(ctx context.Context, memberID string, limit int) ([]presence.LogEntry, error)
}

// ImageUploader stores profile photos.
type ImageUploader interface {
	UploadBase64(ctx context.Context, data string) (*cloudinary.UploadResult, error)
	UploadBytes(ctx context.Context, data []byte, filename, publicID string) (*cloudinary.UploadResult, error)
}

// Handler holds the services behind the routes.
type Handler struct {
	store    Store
	members  *member.Service
	scans    *scan.Service
	dash     *dashboard.Service
	enroller *auth.Enroller
	images   ImageUploader // nil if photo storage is not configured
	checks   map[string]HealthCheck
	opts     Options
}

// New creates a handler.
func New(store Store, members *member.Service, scans *scan.Service, dash *dashboard.Service, enroller *auth.Enroller, opts Options) *Handler {
	if opts.MemberLogWindow <= 0 {
		opts.MemberLogWindow = 20
	}
	if opts.LogWindow <= 0 {
		opts.LogWindow = dashboard.DefaultWindow
	}
	return &Handler{
		store:    store,
		members:  members,
		scans:    scans,
		dash:     dash,
		enroller: enroller,
		checks:   make(map[string]HealthCheck),
		opts:     opts,
	}
}

// SetImageUploader enables profile photo uploads.
func (h *Handler) SetImageUploader(u ImageUploader) { h.images = u }

// AddHealthCheck registers a dependency reported by /healthz.
func (h *Handler) AddHealthCheck(name string, check HealthCheck) { h.checks[name] = check }

// Router builds the engine for h.
func (h *Handler) Router() *gin.Engine { return NewRouter(h, h.opts) }

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.checks {
		healthy := check(ctx) == nil
		body[name] = healthy
		if !healthy {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// ---------- Stations ----------

func (h *Handler) RegisterStation(c *gin.Context) {
	var req struct {
		StationID string `json:"station_id" binding:"required"`
		EnrollKey string `json:"enroll_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.StationID = strings.TrimSpace(req.StationID)
	if req.StationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "station_id required"})
		return
	}
	if err := h.enroller.Check(req.EnrollKey); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.UpsertStation(c.Request.Context(), req.StationID); err != nil {
		log.Printf("register station %s: %v", req.StationID, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "station registration failed"})
		return
	}

	tok, err := auth.Issue(req.StationID, auth.RoleStation, h.opts.JWTIssuer, h.opts.JWTSigningKey, h.opts.AccessTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	log.Printf("station %s registered", req.StationID)
	c.JSON(http.StatusCreated, gin.H{
		"station_id":   req.StationID,
		"access_token": tok.AccessToken,
		"expires_at":   tok.ExpiresAt.Unix(),
	})
}

// ---------- Scans ----------

func (h *Handler) Scan(c *gin.Context) {
	var req struct {
		Payload string `json:"payload" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, _ := auth.ClaimsFrom(c)

	acc, err := h.scans.Scan(c.Request.Context(), scan.Request{Station: claims.Subject, Payload: req.Payload})
	out := scan.Classify(acc, err)
	if err != nil {
		log.Printf("scan at %s: %s: %v", claims.Subject, out.Kind, err)
	} else {
		log.Printf("scan at %s: %s %s", claims.Subject, acc.Member.ExternalID, acc.Action)
	}

	switch out.Kind {
	case scan.KindAccepted:
		c.JSON(http.StatusCreated, out)
	case scan.KindThrottled:
		secs := int(math.Ceil(float64(out.RemainingMs) / 1000))
		c.Header("Retry-After", strconv.Itoa(max(1, secs)))
		c.JSON(http.StatusTooManyRequests, out)
	case scan.KindUnknownMember:
		c.JSON(http.StatusNotFound, out)
	case scan.KindConflict:
		c.JSON(http.StatusConflict, out)
	default:
		c.JSON(http.StatusServiceUnavailable, out)
	}
}

// ---------- Members ----------

type memberRequest struct {
	FirstName       string `json:"first_name"`
	MiddleName      string `json:"middle_name"`
	LastName        string `json:"last_name"`
	ExternalID      string `json:"external_id"`
	Role            string `json:"role"`
	ProfileImageURL string `json:"profile_image_url"`
	IssueQR         bool   `json:"issue_qr"`
}

func (h *Handler) CreateMember(c *gin.Context) {
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	role, err := member.ParseRole(req.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := h.members.Create(c.Request.Context(), member.Member{
		FirstName:       req.FirstName,
		MiddleName:      req.MiddleName,
		LastName:        req.LastName,
		ExternalID:      req.ExternalID,
		Role:            role,
		ProfileImageURL: req.ProfileImageURL,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if req.IssueQR {
		if m, err = h.members.IssueQR(c.Request.Context(), m.ID); err != nil {
			writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, m)
}

func (h *Handler) ListMembers(c *gin.Context) {
	ms, err := h.members.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if ms == nil {
		ms = []member.Member{}
	}
	c.JSON(http.StatusOK, gin.H{"members": ms})
}

func (h *Handler) GetMember(c *gin.Context) {
	m, err := h.members.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handler) UpdateMember(c *gin.Context) {
	var u member.Update
	if err := c.ShouldBindJSON(&u); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// payload and badge are only set through IssueQR and the badge worker
	u.QRPayload, u.BadgeURL = nil, nil
	if u.Role != nil {
		role, err := member.ParseRole(string(*u.Role))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		u.Role = &role
	}
	m, err := h.members.UpdateProfile(c.Request.Context(), c.Param("id"), u)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handler) IssueQR(c *gin.Context) {
	m, err := h.members.IssueQR(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"member": m, "qr_payload": m.QRPayload})
}

func (h *Handler) BadgePNG(c *gin.Context) {
	m, err := h.members.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if m.QRPayload == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "qr code not issued"})
		return
	}
	size := badge.DefaultSize
	if v := c.Query("size"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 64 && parsed <= 2048 {
			size = parsed
		}
	}
	png, err := badge.Render(m.QRPayload, size)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+h.members.Codec().BadgeFilename(m)+`"`)
	c.Data(http.StatusOK, "image/png", png)
}

// UploadPhoto stores a profile photo, sent either as a multipart "file"
// field or as {"data": "<base64 data URL>"}, and records its URL.
func (h *Handler) UploadPhoto(c *gin.Context) {
	if h.images == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
		return
	}
	ctx := c.Request.Context()
	m, err := h.members.Get(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	var result *cloudinary.UploadResult
	if strings.Contains(c.ContentType(), "multipart/form-data") {
		file, header, ferr := c.Request.FormFile("file")
		if ferr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
			return
		}
		defer file.Close()
		data, ferr := io.ReadAll(file)
		if ferr != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "read file failed"})
			return
		}
		result, err = h.images.UploadBytes(ctx, data, header.Filename, "profile_"+m.ID)
	} else {
		var body struct {
			Data string `json:"data" binding:"required"`
		}
		if berr := c.ShouldBindJSON(&body); berr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "provide {\"data\": \"<base64 data URL>\"}"})
			return
		}
		result, err = h.images.UploadBase64(ctx, body.Data)
	}
	if err != nil {
		log.Printf("profile photo upload failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
		return
	}

	m, err = h.members.UpdateProfile(ctx, m.ID, member.Update{ProfileImageURL: &result.SecureURL})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// ---------- Logs ----------

func (h *Handler) MemberLogs(c *gin.Context) {
	ctx := c.Request.Context()
	m, err := h.members.Get(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	logs, err := h.store.ListMemberLogEntries(ctx, m.ID, queryLimit(c, h.opts.MemberLogWindow))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"member": m,
		"state":  presence.CurrentState(first(logs)),
		"logs":   nonNil(logs),
	})
}

func (h *Handler) RecentLogs(c *gin.Context) {
	logs, err := h.store.ListRecentLogEntries(c.Request.Context(), queryLimit(c, h.opts.LogWindow))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": nonNil(logs)})
}

// ---------- Dashboard ----------

func (h *Handler) Dashboard(c *gin.Context) {
	v, err := h.dash.Snapshot(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// DashboardStream pushes a "dashboard" server-sent event with a fresh view
// on connect and after every recorded scan. A slow client only sees the
// latest view.
func (h *Handler) DashboardStream(c *gin.Context) {
	ctx := c.Request.Context()
	views := make(chan dashboard.View, 1)
	sub, err := h.dash.Watch(ctx, func(v dashboard.View) {
		select {
		case views <- v:
		default:
			select {
			case <-views:
			default:
			}
			views <- v
		}
	})
	if err != nil {
		writeError(c, err)
		return
	}
	defer sub.Close()

	c.Stream(func(w io.Writer) bool {
		select {
		case v := <-views:
			c.SSEvent("dashboard", v)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// ---------- helpers ----------

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, member.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, member.ErrInvalid), errors.Is(err, badge.ErrNoPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, member.ErrDuplicateExternalID):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Printf("%s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func queryLimit(c *gin.Context, fallback int) int {
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			return parsed
		}
	}
	return fallback
}

func first(logs []presence.LogEntry) *presence.LogEntry {
	if len(logs) == 0 {
		return nil
	}
	return &logs[0]
}

func nonNil(logs []presence.LogEntry) []presence.LogEntry {
	if logs == nil {
		return []presence.LogEntry{}
	}
	return logs
}
