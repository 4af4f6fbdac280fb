package domain

import (
	"context"
	"time"
)

// User is an external chat identity with a balance of analysis credits.
// CreditBalance is the authoritative count of remaining analyses; it is
// decremented on job admission and incremented on refund or payment completion.
type User struct {
	ID            int64
	CreditBalance int
	ReferralCode  string
	CreatedAt     time.Time
}

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Active reports whether the status occupies a queue position.
func (s JobStatus) Active() bool { return s == JobPending || s == JobProcessing }

// Job is one analysis request.
// Invariants: QueuePosition is non-nil iff the status is active; positions are
// unique among active rows; Progress=100 implies a terminal status;
// CompletedAt is set exactly when the status leaves the active set.
type Job struct {
	ID            string
	UserID        int64
	TargetHandle  string
	Status        JobStatus
	Progress      int
	QueuePosition *int
	StartedAt     *time.Time
	CompletedAt   *time.Time
	FollowersN    int
	FollowingN    int
	NonMutualN    int
	ArtifactPath  string
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NonMutualRecord is one row of a completed job's result set.
// Created only on successful completion; cascade-deleted with the Job.
type NonMutualRecord struct {
	ID                 int64
	JobID              string
	TargetUserID       string
	TargetHandle       string
	TargetFullName     string
	TargetAvatarURL    string
	UserFollowsTarget  bool
	TargetFollowsUser  bool
	IsMutual           bool
}

// UpstreamSession is one stored upstream cookie. At most one row has
// IsActive=true; rotation inserts a new row and demotes prior rows atomically.
type UpstreamSession struct {
	ID              int64
	CookieValue     string
	IsActive        bool
	IsValid         bool
	FailCount       int
	RefreshAttempts int
	NextRefreshAt   *time.Time
	CreatedAt       time.Time
	LastUsedAt      *time.Time
	LastVerifiedAt  *time.Time
	LastError       string
}

// RefreshCredential stores login material for the browser refresh path.
// Password and TOTP secret are authenticated-encryption ciphertexts.
type RefreshCredential struct {
	ID                   int64
	Username             string
	PasswordCiphertext   string
	TOTPSecretCiphertext string
	IsActive             bool
	LastUsedAt           *time.Time
	LastLoginSuccess     *bool
	LastError            string
}

type PaymentMethod string

const (
	PaymentMethodExternal PaymentMethod = "external_acquirer"
	PaymentMethodStars    PaymentMethod = "native_stars"
	PaymentMethodManual   PaymentMethod = "manual"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
)

// Payment is one credit-purchase transaction.
// Invariant: a completed payment has a non-empty ExternalChargeID (for
// non-manual methods) and non-nil CompletedAt; at most one completed row per
// (method, external_charge_id).
type Payment struct {
	ID               string
	InvoiceID        int64
	UserID           int64
	TariffID         int64
	Amount           float64
	Currency         string
	CreditsCount     int
	Method           PaymentMethod
	Status           PaymentStatus
	ExternalChargeID *string
	CreatedAt        time.Time
	CompletedAt      *time.Time
}

type PaymentEventKind string

const (
	PaymentEventCreated       PaymentEventKind = "created"
	PaymentEventPreCheckout   PaymentEventKind = "pre_checkout"
	PaymentEventCompleted     PaymentEventKind = "completed"
	PaymentEventFailed        PaymentEventKind = "failed"
	PaymentEventCancelled     PaymentEventKind = "cancelled"
	PaymentEventRetrySchedule PaymentEventKind = "retry_scheduled"
	PaymentEventRetryExecuted PaymentEventKind = "retry_executed"
)

// PaymentEvent is one append-only audit record. Events for a payment form a
// total order by CreatedAt; the final event's StatusAfter matches the row.
type PaymentEvent struct {
	ID           int64
	PaymentID    string
	Kind         PaymentEventKind
	StatusBefore PaymentStatus
	StatusAfter  PaymentStatus
	Details      map[string]any
	ErrorMessage string
	CreatedAt    time.Time
}

// Tariff is one purchasable credit bundle.
type Tariff struct {
	ID              int64
	Name            string
	Description     string
	CreditsCount    int
	PriceFiat       float64
	PriceNativeStar *int
	IsActive        bool
	SortOrder       int
}

// Profile is an upstream account summary.
type Profile struct {
	UserID         string
	Handle         string
	FullName       string
	IsPrivate      bool
	FollowersCount int
	FollowingCount int
}

type ConnectionKind string

const (
	ConnectionFollowers ConnectionKind = "followers"
	ConnectionFollowing ConnectionKind = "following"
)

// ConnectionUser is one entry of a followers or following list.
type ConnectionUser struct {
	UserID    string
	Handle    string
	FullName  string
	AvatarURL string
}

// Repositories (ports)

type UserRepository interface {
	Ensure(ctx Context, id int64, initialBalance int, referralCode string) (User, error)
	Get(ctx Context, id int64) (User, error)
}

// JobRepository covers job persistence plus the queue-admission and terminal
// transitions that must pair a status write with a credit change in one
// transaction.
type JobRepository interface {
	// Admit inserts a pending job at max(active positions)+1 and deducts one
	// credit from the user, all in one transaction. Returns
	// ErrInsufficientBalance when the balance is zero.
	Admit(ctx Context, userID int64, targetHandle string) (Job, error)
	Get(ctx Context, id string) (Job, error)
	ListByUser(ctx Context, userID int64, limit, offset int) ([]Job, error)
	// ClaimNext atomically moves the lowest-positioned pending job to
	// processing and stamps started_at. Returns ErrNotFound when idle.
	ClaimNext(ctx Context) (Job, error)
	CountProcessing(ctx Context) (int, error)
	// UpdateProgress coalesces writes: equal values are skipped.
	UpdateProgress(ctx Context, id string, progress int) error
	UpdateSummary(ctx Context, id string, followersN, followingN, nonMutualN int) error
	SetArtifactPath(ctx Context, id, path string) error
	// Complete marks the job completed, clears its position and sets
	// progress to 100 and completed_at.
	Complete(ctx Context, id string) error
	// Fail marks the job failed and refunds one credit to its owner in the
	// same transaction.
	Fail(ctx Context, id, errMsg string) error
	// FailStale fails-and-refunds every processing row whose started_at is
	// older than the cutoff; returns the affected jobs.
	FailStale(ctx Context, cutoff time.Time) ([]Job, error)
	// CompactPositions reassigns consecutive integers 1..N in ascending
	// order of current positions among active rows.
	CompactPositions(ctx Context) error
	ListFailed(ctx Context, limit int) ([]Job, error)
}

type NonMutualRepository interface {
	CreateBatch(ctx Context, jobID string, recs []NonMutualRecord) error
	ListByJob(ctx Context, jobID string) ([]NonMutualRecord, error)
}

type SessionRepository interface {
	GetActive(ctx Context) (UpstreamSession, error)
	// SaveActive deactivates all prior rows and inserts a new active-valid
	// row in one transaction.
	SaveActive(ctx Context, cookieValue string, nextRefreshAt time.Time) (UpstreamSession, error)
	MarkInvalid(ctx Context, id int64, reason string) error
	MarkVerified(ctx Context, id int64) error
	IncrementFailCount(ctx Context, id int64) (int, error)
	TouchUsed(ctx Context, id int64) error
}

type CredentialRepository interface {
	GetActive(ctx Context) (RefreshCredential, error)
	Upsert(ctx Context, c RefreshCredential) (int64, error)
	RecordLogin(ctx Context, id int64, success bool, errMsg string) error
}

type PaymentRepository interface {
	Create(ctx Context, p Payment) (Payment, error)
	Get(ctx Context, id string) (Payment, error)
	// Complete performs the settle transition: status write, audit event and
	// credit increment in one transaction, with the row locked for the
	// duration. Idempotency per the state-machine rules.
	Complete(ctx Context, id, externalChargeID string, amount float64) (Payment, error)
	// Fail writes the failed status plus an audit event.
	Fail(ctx Context, id, reason string, details map[string]any) error
	// Cancel moves a pending payment to cancelled plus an audit event.
	Cancel(ctx Context, id, reason string) error
	AppendEvent(ctx Context, ev PaymentEvent) error
	ListEvents(ctx Context, paymentID string) ([]PaymentEvent, error)
	FindByCharge(ctx Context, method PaymentMethod, externalChargeID string) (Payment, error)
	// FindByInvoice resolves the numeric acquirer invoice id used in
	// callback parameters.
	FindByInvoice(ctx Context, invoiceID int64) (Payment, error)
}

type TariffRepository interface {
	ListActive(ctx Context) ([]Tariff, error)
	Get(ctx Context, id int64) (Tariff, error)
	Upsert(ctx Context, t Tariff) (int64, error)
}

type StatsRepository interface {
	Overview(ctx Context) (StatsOverview, error)
	Daily(ctx Context, day time.Time) (DailyStats, error)
}

// StatsOverview aggregates service-wide counters for the admin dashboard.
type StatsOverview struct {
	TotalUsers      int
	TotalJobs       int
	CompletedJobs   int
	FailedJobs      int
	PendingJobs     int
	ProcessingJobs  int
	TotalPayments   int
	CompletedAmount float64
	CreditsGranted  int
}

// DailyStats aggregates activity for one calendar day.
type DailyStats struct {
	Day           time.Time
	NewUsers      int
	JobsStarted   int
	JobsCompleted int
	JobsFailed    int
	Payments      int
	Revenue       float64
}

// UpstreamClient (port)

// PageFunc receives running progress while a connection list is paginated.
// It runs synchronously between page fetches; a slow callback slows the crawl.
type PageFunc func(fetched, totalEstimate int)

type UpstreamClient interface {
	GetProfile(ctx Context, handle string) (Profile, error)
	// FetchConnections paginates one side of the graph in upstream order.
	// A mid-stream halt surfaces as *IncompleteDataError, never as a
	// silently truncated list.
	FetchConnections(ctx Context, userID string, kind ConnectionKind, maxItems int, onPage PageFunc) ([]ConnectionUser, error)
}

// SessionProvider (port) is the session manager surface the pipeline needs.
type SessionProvider interface {
	Current(ctx Context) (string, error)
	MarkInvalid(ctx Context, reason string) error
	RefreshNow(ctx Context) error
}

// Notifier (port) delivers user and admin messages over the chat transport.
// Delivery is best-effort; implementations log failures and never propagate
// them into the caller's transaction.
type Notifier interface {
	SendText(ctx Context, userID int64, body string) error
	SendDocument(ctx Context, userID int64, path, caption string) error
	NotifyAdmins(ctx Context, body string)
}

// ReportRenderer (port) renders the spreadsheet artifact for a completed job.
type ReportRenderer interface {
	Render(ctx Context, job Job, records []NonMutualRecord) (path string, err error)
}

// Context is an alias to keep domain signatures uniform; adapters and
// usecases pass context.Context through.
type Context = context.Context
