package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/followaudit/followaudit/internal/domain"
	"github.com/followaudit/followaudit/internal/service/session"
)

// AdminGuard authenticates the admin surface by the X-User-Id header against
// the configured admin ids. 401 without the header, 403 for non-admins.
func (s *Server) AdminGuard() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("X-User-Id")
			if raw == "" {
				writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{Code: "UNAUTHORIZED", Message: "X-User-Id header required"}})
				return
			}
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || !s.Cfg.IsAdmin(id) {
				writeJSON(w, http.StatusForbidden, errorEnvelope{Error: apiError{Code: "FORBIDDEN", Message: "admin access required"}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type sessionResponse struct {
	MaskedCookie   string  `json:"masked_cookie"`
	IsActive       bool    `json:"is_active"`
	IsValid        bool    `json:"is_valid"`
	FailCount      int     `json:"fail_count"`
	NextRefreshAt  *string `json:"next_refresh_at,omitempty"`
	LastVerifiedAt *string `json:"last_verified_at,omitempty"`
	LastError      string  `json:"last_error,omitempty"`
}

func toSessionResponse(sess domain.UpstreamSession) sessionResponse {
	resp := sessionResponse{
		MaskedCookie: sess.CookieValue,
		IsActive:     sess.IsActive,
		IsValid:      sess.IsValid,
		FailCount:    sess.FailCount,
		LastError:    sess.LastError,
	}
	if sess.NextRefreshAt != nil {
		v := sess.NextRefreshAt.UTC().Format(time.RFC3339)
		resp.NextRefreshAt = &v
	}
	if sess.LastVerifiedAt != nil {
		v := sess.LastVerifiedAt.UTC().Format(time.RFC3339)
		resp.LastVerifiedAt = &v
	}
	return resp
}

// AdminSessionHandler returns the current session with the cookie masked.
func (s *Server) AdminSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.Sessions.Masked(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": toSessionResponse(sess)})
	}
}

// AdminSetSessionHandler stores a manually supplied cookie as the active
// session after a validity probe.
func (s *Server) AdminSetSessionHandler() http.HandlerFunc {
	type request struct {
		Cookie string `json:"cookie" validate:"required,min=10"`
		Note   string `json:"note" validate:"max=200"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if !decodeJSON(w, r, &req) {
			return
		}
		valid, verdict, err := s.Sessions.Validate(r.Context(), req.Cookie)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if !valid {
			writeError(w, r, fmt.Errorf("%w: cookie rejected by probe: %s", domain.ErrInvalidArgument, verdict), nil)
			return
		}
		sess, err := s.Sessions.Save(r.Context(), req.Cookie, req.Note)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		sess.CookieValue = session.Mask(sess.CookieValue)
		writeJSON(w, http.StatusOK, map[string]any{"session": toSessionResponse(sess), "probe": verdict})
	}
}

// AdminRefreshSyncHandler runs a browser refresh synchronously and reports
// the outcome. 500 carries the refresh error for the operator.
func (s *Server) AdminRefreshSyncHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Sessions.RefreshNow(r.Context()); err != nil {
			writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: apiError{Code: "REFRESH_FAILED", Message: err.Error()}})
			return
		}
		sess, err := s.Sessions.Masked(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": toSessionResponse(sess)})
	}
}

// AdminStatsHandler returns service-wide aggregates.
func (s *Server) AdminStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overview, err := s.Stats.Overview(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"total_users":      overview.TotalUsers,
			"total_jobs":       overview.TotalJobs,
			"completed_jobs":   overview.CompletedJobs,
			"failed_jobs":      overview.FailedJobs,
			"pending_jobs":     overview.PendingJobs,
			"processing_jobs":  overview.ProcessingJobs,
			"total_payments":   overview.TotalPayments,
			"completed_amount": overview.CompletedAmount,
			"credits_granted":  overview.CreditsGranted,
		})
	}
}

// AdminDailyStatsHandler returns aggregates for one calendar day.
func (s *Server) AdminDailyStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		daily, err := s.Stats.Daily(r.Context(), r.URL.Query().Get("target_date"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"day":            daily.Day.UTC().Format("2006-01-02"),
			"new_users":      daily.NewUsers,
			"jobs_started":   daily.JobsStarted,
			"jobs_completed": daily.JobsCompleted,
			"jobs_failed":    daily.JobsFailed,
			"payments":       daily.Payments,
			"revenue":        daily.Revenue,
		})
	}
}

// AdminFailedChecksHandler lists recent failed jobs for triage.
func (s *Server) AdminFailedChecksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		jobs, err := s.Stats.FailedChecks(r.Context(), limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]jobResponse, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, toJobResponse(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
	}
}

// AdminGrantHandler settles a manual payment, crediting a user directly.
func (s *Server) AdminGrantHandler() http.HandlerFunc {
	type request struct {
		AdminID  int64 `json:"admin_id" validate:"required,gt=0"`
		UserID   int64 `json:"user_id" validate:"required,gt=0"`
		TariffID int64 `json:"tariff_id" validate:"required,gt=0"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if !decodeJSON(w, r, &req) {
			return
		}
		p, err := s.Payments.GrantManual(r.Context(), req.AdminID, req.UserID, req.TariffID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"payment": toPaymentResponse(p)})
	}
}
