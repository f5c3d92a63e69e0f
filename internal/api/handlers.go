package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/mailwarm/internal/ratelimit"
	"github.com/foxzi/mailwarm/internal/sink"
	"github.com/foxzi/mailwarm/internal/store"
	"github.com/foxzi/mailwarm/internal/warmup"
)

// AccountResponse is an account without credentials
type AccountResponse struct {
	Email                string              `json:"email"`
	Owner                string              `json:"owner,omitempty"`
	SMTPHost             string              `json:"smtp_host"`
	SMTPPort             int                 `json:"smtp_port"`
	IMAPHost             string              `json:"imap_host"`
	IMAPPort             int                 `json:"imap_port"`
	Status               store.AccountStatus `json:"status"`
	WarmupStage          int                 `json:"warmup_stage"`
	DailyLimit           int                 `json:"daily_limit"`
	CurrentDailySent     int                 `json:"current_daily_sent"`
	TotalWarmupEmails    int                 `json:"total_warmup_emails"`
	SuccessfulDeliveries int                 `json:"successful_deliveries"`
	FailedDeliveries     int                 `json:"failed_deliveries"`
	SpamIncidents        int                 `json:"spam_incidents"`
	SpamScore            float64             `json:"spam_score"`
	InboxPlacementRate   float64             `json:"inbox_placement_rate"`
	StageStartedAt       time.Time           `json:"stage_started_at"`
	CreatedAt            time.Time           `json:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at"`
	LastWarmup           *time.Time          `json:"last_warmup,omitempty"`
	LastError            string              `json:"last_error,omitempty"`
}

func newAccountResponse(a *store.Account) *AccountResponse {
	return &AccountResponse{
		Email:                a.Email,
		Owner:                a.Owner,
		SMTPHost:             a.SMTPHost,
		SMTPPort:             a.SMTPPort,
		IMAPHost:             a.IMAPHost,
		IMAPPort:             a.IMAPPort,
		Status:               a.Status,
		WarmupStage:          a.WarmupStage,
		DailyLimit:           a.DailyLimit,
		CurrentDailySent:     a.CurrentDailySent,
		TotalWarmupEmails:    a.TotalWarmupEmails,
		SuccessfulDeliveries: a.SuccessfulDeliveries,
		FailedDeliveries:     a.FailedDeliveries,
		SpamIncidents:        a.SpamIncidents,
		SpamScore:            a.SpamScore,
		InboxPlacementRate:   a.InboxPlacementRate,
		StageStartedAt:       a.StageStartedAt,
		CreatedAt:            a.CreatedAt,
		UpdatedAt:            a.UpdatedAt,
		LastWarmup:           a.LastWarmup,
		LastError:            a.LastError,
	}
}

// AccountListResponse is the response for GET /accounts
type AccountListResponse struct {
	Accounts []*AccountResponse `json:"accounts"`
	Total    int                `json:"total"`
}

// ScheduleResponse is the response for GET /schedule
type ScheduleResponse struct {
	Start    int   `json:"start"`
	Target   int   `json:"target"`
	Days     int   `json:"days"`
	Schedule []int `json:"schedule"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.opts.Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleRegister handles POST /api/v1/accounts
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req warmup.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	acc, err := s.deps.Accounts.Register(r.Context(), req)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	s.logger.Info("account registered", "email", acc.Email, "status", acc.Status)
	sendJSON(w, http.StatusCreated, newAccountResponse(acc))
}

// handleListAccounts handles GET /api/v1/accounts
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AccountFilter{
		Status: store.AccountStatus(q.Get("status")),
		Owner:  q.Get("owner"),
		Limit:  parseBounded(q.Get("limit"), 100, 1000),
		Offset: parseBounded(q.Get("offset"), 0, 1000000),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		sendError(w, http.StatusBadRequest, "invalid status")
		return
	}

	accounts, err := s.deps.Records.ListAccounts(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list accounts", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to list accounts")
		return
	}

	resp := AccountListResponse{
		Accounts: make([]*AccountResponse, len(accounts)),
		Total:    len(accounts),
	}
	for i, a := range accounts {
		resp.Accounts[i] = newAccountResponse(a)
	}
	sendJSON(w, http.StatusOK, resp)
}

// handleGetAccount handles GET /api/v1/accounts/{email}
func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := s.deps.Accounts.Get(r.Context(), chi.URLParam(r, "email"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, newAccountResponse(acc))
}

// handleDeleteAccount handles DELETE /api/v1/accounts/{email}
func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Accounts.Delete(r.Context(), chi.URLParam(r, "email")); err != nil {
		s.sendDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAccountMetrics handles GET /api/v1/accounts/{email}/metrics
func (s *Server) handleAccountMetrics(w http.ResponseWriter, r *http.Request) {
	acc, err := s.deps.Accounts.Get(r.Context(), chi.URLParam(r, "email"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	m, err := s.deps.Records.GetMetrics(r.Context(), acc.Email)
	if errors.Is(err, store.ErrNotFound) {
		m = &store.Metrics{Email: acc.Email}
	} else if err != nil {
		s.logger.Error("failed to get metrics", "email", acc.Email, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to get metrics")
		return
	}

	sendJSON(w, http.StatusOK, m)
}

// handleAccountLogs handles GET /api/v1/accounts/{email}/logs
func (s *Server) handleAccountLogs(w http.ResponseWriter, r *http.Request) {
	acc, err := s.deps.Accounts.Get(r.Context(), chi.URLParam(r, "email"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	q := r.URL.Query()
	days := parseBounded(q.Get("days"), 7, 365)
	logs, err := s.deps.Records.ListMessageLogs(r.Context(), store.LogFilter{
		FromEmail:  acc.Email,
		CycleID:    q.Get("cycle_id"),
		CampaignID: q.Get("campaign_id"),
		Since:      time.Now().AddDate(0, 0, -days),
		Limit:      parseBounded(q.Get("limit"), 100, 1000),
	})
	if err != nil {
		s.logger.Error("failed to list logs", "email", acc.Email, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to list logs")
		return
	}
	if logs == nil {
		logs = []*store.MessageLog{}
	}

	sendJSON(w, http.StatusOK, logs)
}

// handlePause handles POST /api/v1/accounts/{email}/pause
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	acc, err := s.deps.Accounts.Pause(r.Context(), chi.URLParam(r, "email"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, newAccountResponse(acc))
}

// handleResume handles POST /api/v1/accounts/{email}/resume
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	acc, err := s.deps.Accounts.Resume(r.Context(), chi.URLParam(r, "email"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, newAccountResponse(acc))
}

// FailRequest is the body of POST /accounts/{email}/fail
type FailRequest struct {
	Reason string `json:"reason"`
}

// handleComplete handles POST /api/v1/accounts/{email}/complete
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	acc, err := s.deps.Accounts.Complete(r.Context(), chi.URLParam(r, "email"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, newAccountResponse(acc))
}

// handleFail handles POST /api/v1/accounts/{email}/fail
func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req FailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Reason == "" {
		sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: "is required", Field: "reason"})
		return
	}

	acc, err := s.deps.Accounts.Fail(r.Context(), chi.URLParam(r, "email"), req.Reason)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, newAccountResponse(acc))
}

// CampaignListResponse is the response for GET /campaigns
type CampaignListResponse struct {
	Campaigns []*store.Campaign `json:"campaigns"`
	Total     int               `json:"total"`
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req warmup.CampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	c, err := s.deps.Campaigns.Create(r.Context(), req)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, c)
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.CampaignFilter{
		Owner:  q.Get("owner"),
		Status: store.CampaignStatus(q.Get("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		sendError(w, http.StatusBadRequest, "invalid status")
		return
	}

	campaigns, err := s.deps.Campaigns.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list campaigns", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to list campaigns")
		return
	}
	if campaigns == nil {
		campaigns = []*store.Campaign{}
	}
	sendJSON(w, http.StatusOK, CampaignListResponse{Campaigns: campaigns, Total: len(campaigns)})
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, c)
}

// handleUpdateCampaign handles PUT /api/v1/campaigns/{id}
func (s *Server) handleUpdateCampaign(w http.ResponseWriter, r *http.Request) {
	var req warmup.CampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	c, err := s.deps.Campaigns.Update(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, c)
}

// handleDeleteCampaign handles DELETE /api/v1/campaigns/{id}
func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Campaigns.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.sendDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSchedule handles GET /api/v1/schedule?start=&target=&days=
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	start := s.deps.Settings.InitialVolume
	target := s.deps.Settings.MaxVolume
	days := 30

	for _, p := range []struct {
		name string
		dst  *int
	}{{"start", &start}, {"target", &target}, {"days", &days}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: "must be a non-negative integer", Field: p.name})
			return
		}
		*p.dst = v
	}
	if days > 3650 {
		sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: "must be at most 3650", Field: "days"})
		return
	}

	sendJSON(w, http.StatusOK, ScheduleResponse{
		Start:    start,
		Target:   target,
		Days:     days,
		Schedule: warmup.GenerateSchedule(start, target, days),
	})
}

// handleRateLimitStats handles GET /api/v1/ratelimits/{level}/{key}
func (s *Server) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	level := ratelimit.Level(chi.URLParam(r, "level"))
	switch level {
	case ratelimit.LevelGlobal, ratelimit.LevelDomain, ratelimit.LevelSender, ratelimit.LevelRecipientDomain:
	default:
		sendError(w, http.StatusBadRequest, "unknown level")
		return
	}

	stats, err := s.deps.RateLimit.GetStats(r.Context(), level, chi.URLParam(r, "key"))
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get rate limit stats")
		return
	}
	sendJSON(w, http.StatusOK, stats)
}

// handleSinkList handles GET /api/v1/sink/messages
func (s *Server) handleSinkList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	messages, err := s.deps.Sink.List(r.Context(), sink.ListFilter{
		Domain: q.Get("domain"),
		From:   q.Get("from"),
		Limit:  parseBounded(q.Get("limit"), 100, 1000),
		Offset: parseBounded(q.Get("offset"), 0, 1000000),
	})
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}
	if messages == nil {
		messages = []*sink.Message{}
	}
	sendJSON(w, http.StatusOK, messages)
}

// handleSinkStats handles GET /api/v1/sink/stats
func (s *Server) handleSinkStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Sink.Stats(r.Context())
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get sink stats")
		return
	}
	sendJSON(w, http.StatusOK, stats)
}

// sendDomainError maps warmup errors to status codes
func (s *Server) sendDomainError(w http.ResponseWriter, err error) {
	var verr *warmup.ValidationError
	switch {
	case errors.As(err, &verr):
		sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: verr.Reason, Field: verr.Field})
	case errors.Is(err, warmup.ErrValidation):
		sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, warmup.ErrAccountNotFound):
		sendError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, warmup.ErrCampaignNotFound):
		sendError(w, http.StatusNotFound, "campaign not found")
	case errors.Is(err, warmup.ErrDuplicateAccount):
		sendError(w, http.StatusConflict, "account already registered")
	case errors.Is(err, warmup.ErrConcurrencyConflict):
		sendError(w, http.StatusConflict, "cycle already running")
	case errors.Is(err, warmup.ErrAccountInactive):
		sendError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		sendError(w, http.StatusInternalServerError, "Internal error")
	}
}

// parseBounded parses a non-negative integer query value, falling back to
// def and capping at max
func parseBounded(raw string, def, max int) int {
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

// sendJSON sends a JSON response
func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, ErrorResponse{Error: message})
}
