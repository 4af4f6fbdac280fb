package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/followaudit/followaudit/internal/config"
	"github.com/followaudit/followaudit/internal/domain"
	"github.com/followaudit/followaudit/internal/service/session"
	"github.com/followaudit/followaudit/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Users      *usecase.UserService
	Checks     *usecase.CheckService
	Payments   *usecase.PaymentService
	Tariffs    *usecase.TariffService
	Stats      *usecase.StatsService
	Sessions   *session.Manager
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, users *usecase.UserService, checks *usecase.CheckService,
	payments *usecase.PaymentService, tariffs *usecase.TariffService, stats *usecase.StatsService,
	sessions *session.Manager, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{
		Cfg: cfg, Users: users, Checks: checks, Payments: payments,
		Tariffs: tariffs, Stats: stats, Sessions: sessions,
		DBCheck: dbCheck, RedisCheck: redisCheck,
	}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, fmt.Errorf("%w: malformed JSON body", domain.ErrInvalidArgument), map[string]any{"decode": err.Error()})
		return false
	}
	if err := getValidator().Struct(dst); err != nil {
		writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), map[string]any{"validation": err.Error()})
		return false
	}
	return true
}

type userResponse struct {
	ID            int64  `json:"id"`
	CreditBalance int    `json:"credit_balance"`
	ReferralCode  string `json:"referral_code"`
}

func toUserResponse(u domain.User) userResponse {
	return userResponse{ID: u.ID, CreditBalance: u.CreditBalance, ReferralCode: u.ReferralCode}
}

// EnsureUserHandler upserts a user by external id.
func (s *Server) EnsureUserHandler() http.HandlerFunc {
	type request struct {
		UserID int64 `json:"user_id" validate:"required,gt=0"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if !decodeJSON(w, r, &req) {
			return
		}
		u, err := s.Users.Ensure(r.Context(), req.UserID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toUserResponse(u))
	}
}

// BalanceHandler returns a user's balance and referral code.
func (s *Server) BalanceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: user id must be numeric", domain.ErrInvalidArgument), nil)
			return
		}
		u, err := s.Users.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toUserResponse(u))
	}
}

type jobResponse struct {
	ID            string  `json:"id"`
	UserID        int64   `json:"user_id"`
	TargetHandle  string  `json:"target_handle"`
	Status        string  `json:"status"`
	Progress      int     `json:"progress"`
	QueuePosition *int    `json:"queue_position"`
	FollowersN    int     `json:"followers_n"`
	FollowingN    int     `json:"following_n"`
	NonMutualN    int     `json:"non_mutual_n"`
	ArtifactPath  string  `json:"artifact_path,omitempty"`
	ErrorMessage  string  `json:"error_message,omitempty"`
	CreatedAt     string  `json:"created_at"`
	CompletedAt   *string `json:"completed_at,omitempty"`
}

func toJobResponse(j domain.Job) jobResponse {
	resp := jobResponse{
		ID:            j.ID,
		UserID:        j.UserID,
		TargetHandle:  j.TargetHandle,
		Status:        string(j.Status),
		Progress:      j.Progress,
		QueuePosition: j.QueuePosition,
		FollowersN:    j.FollowersN,
		FollowingN:    j.FollowingN,
		NonMutualN:    j.NonMutualN,
		ArtifactPath:  j.ArtifactPath,
		ErrorMessage:  j.ErrorMessage,
		CreatedAt:     j.CreatedAt.UTC().Format(time.RFC3339),
	}
	if j.CompletedAt != nil {
		v := j.CompletedAt.UTC().Format(time.RFC3339)
		resp.CompletedAt = &v
	}
	return resp
}

// InitiateCheckHandler admits a job, deducting one credit.
func (s *Server) InitiateCheckHandler() http.HandlerFunc {
	type request struct {
		UserID       int64  `json:"user_id" validate:"required,gt=0"`
		TargetHandle string `json:"target_handle" validate:"required,max=64"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if !decodeJSON(w, r, &req) {
			return
		}
		handle := NormalizeHandle(req.TargetHandle)
		if !ValidHandle(handle) {
			writeError(w, r, fmt.Errorf("%w: target_handle is not a valid username", domain.ErrInvalidArgument), nil)
			return
		}
		adm, err := s.Checks.InitiateCheck(r.Context(), req.UserID, handle)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"job":                    toJobResponse(adm.Job),
			"estimated_wait_seconds": adm.EstimatedSeconds,
		})
	}
}

type recordResponse struct {
	TargetUserID    string `json:"target_user_id"`
	TargetHandle    string `json:"target_handle"`
	TargetFullName  string `json:"target_full_name"`
	TargetAvatarURL string `json:"target_avatar_url,omitempty"`
	FollowsYou      bool   `json:"follows_you"`
	YouFollow       bool   `json:"you_follow"`
	IsMutual        bool   `json:"is_mutual"`
}

// CheckHandler returns one job's state with result rows once completed.
func (s *Server) CheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !ValidJobID(id) {
			writeError(w, r, fmt.Errorf("%w: malformed job id", domain.ErrInvalidArgument), nil)
			return
		}
		st, err := s.Checks.GetCheck(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		resp := map[string]any{"job": toJobResponse(st.Job)}
		if st.Job.Status == domain.JobCompleted {
			recs := make([]recordResponse, 0, len(st.Records))
			for _, rec := range st.Records {
				recs = append(recs, recordResponse{
					TargetUserID:    rec.TargetUserID,
					TargetHandle:    rec.TargetHandle,
					TargetFullName:  rec.TargetFullName,
					TargetAvatarURL: rec.TargetAvatarURL,
					FollowsYou:      rec.TargetFollowsUser,
					YouFollow:       rec.UserFollowsTarget,
					IsMutual:        rec.IsMutual,
				})
			}
			resp["records"] = recs
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// HistoryHandler returns a user's jobs, newest first.
func (s *Server) HistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
		if err != nil || userID <= 0 {
			writeError(w, r, fmt.Errorf("%w: user_id query parameter required", domain.ErrInvalidArgument), nil)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		jobs, err := s.Checks.History(r.Context(), userID, limit, offset)
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

type tariffResponse struct {
	ID              int64   `json:"id"`
	Name            string  `json:"name"`
	Description     string  `json:"description"`
	CreditsCount    int     `json:"credits_count"`
	PriceFiat       float64 `json:"price_fiat"`
	PriceNativeStar *int    `json:"price_native_stars,omitempty"`
	SortOrder       int     `json:"sort_order"`
}

// TariffsHandler returns active tariffs in display order.
func (s *Server) TariffsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tariffs, err := s.Tariffs.ListActive(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]tariffResponse, 0, len(tariffs))
		for _, t := range tariffs {
			out = append(out, tariffResponse{
				ID: t.ID, Name: t.Name, Description: t.Description,
				CreditsCount: t.CreditsCount, PriceFiat: t.PriceFiat,
				PriceNativeStar: t.PriceNativeStar, SortOrder: t.SortOrder,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"tariffs": out})
	}
}

type paymentResponse struct {
	ID           string  `json:"id"`
	InvoiceID    int64   `json:"invoice_id"`
	UserID       int64   `json:"user_id"`
	TariffID     int64   `json:"tariff_id"`
	Amount       float64 `json:"amount"`
	Currency     string  `json:"currency"`
	CreditsCount int     `json:"credits_count"`
	Method       string  `json:"method"`
	Status       string  `json:"status"`
}

func toPaymentResponse(p domain.Payment) paymentResponse {
	return paymentResponse{
		ID: p.ID, InvoiceID: p.InvoiceID, UserID: p.UserID, TariffID: p.TariffID,
		Amount: p.Amount, Currency: p.Currency, CreditsCount: p.CreditsCount,
		Method: string(p.Method), Status: string(p.Status),
	}
}

// StarsCreateHandler creates a pending native-currency payment.
func (s *Server) StarsCreateHandler() http.HandlerFunc {
	type request struct {
		UserID   int64 `json:"user_id" validate:"required,gt=0"`
		TariffID int64 `json:"tariff_id" validate:"required,gt=0"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if !decodeJSON(w, r, &req) {
			return
		}
		p, err := s.Payments.CreateStars(r.Context(), req.UserID, req.TariffID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"payment": toPaymentResponse(p)})
	}
}

// StarsValidateHandler is the pre-checkout gate. It must answer within the
// acquirer's single-digit-second deadline and never transitions the row.
func (s *Server) StarsValidateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		amount, err := strconv.ParseFloat(r.URL.Query().Get("expected_amount"), 64)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: expected_amount query parameter required", domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.Payments.ValidateStars(r.Context(), id, amount); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// StarsCompleteHandler settles a native-currency payment idempotently.
func (s *Server) StarsCompleteHandler() http.HandlerFunc {
	type request struct {
		PaymentID string  `json:"payment_id" validate:"required,max=100"`
		ChargeID  string  `json:"charge_id" validate:"required,max=200"`
		Amount    float64 `json:"amount" validate:"required,gt=0"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if !decodeJSON(w, r, &req) {
			return
		}
		p, err := s.Payments.CompleteStars(r.Context(), req.PaymentID, req.ChargeID, req.Amount)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"payment": toPaymentResponse(p)})
	}
}

// ExternalCallbackHandler verifies and settles an acquirer result callback.
// The acquirer expects a literal plain-text reply, not JSON.
func (s *Server) ExternalCallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeError(w, r, fmt.Errorf("%w: malformed form body", domain.ErrInvalidArgument), nil)
			return
		}
		reply, err := s.Payments.HandleExternalCallback(r.Context(), r.Form)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(reply))
	}
}

// ReadyzHandler reports dependency health.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		checks := map[string]string{}
		healthy := true
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks["db"] = err.Error()
				healthy = false
			} else {
				checks["db"] = "ok"
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks["redis"] = err.Error()
				healthy = false
			} else {
				checks["redis"] = "ok"
			}
		}
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"healthy": healthy, "checks": checks})
	}
}
