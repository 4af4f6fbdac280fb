package usecase

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/followaudit/followaudit/internal/domain"
)

// Hand-rolled fakes shared by the service tests in this package.

type fakeJobRepo struct {
	mu        sync.Mutex
	jobs      map[string]domain.Job
	admitErr  error
	admitPos  int
	progress  []int
	summary   []int
	artifact  string
	completed []string
	failed    map[string]string
	listed    []domain.Job
	failedRet []domain.Job
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[string]domain.Job{}, failed: map[string]string{}, admitPos: 1}
}

func (f *fakeJobRepo) Admit(_ domain.Context, userID int64, targetHandle string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.admitErr != nil {
		return domain.Job{}, f.admitErr
	}
	pos := f.admitPos
	j := domain.Job{
		ID:            fmt.Sprintf("job-%d", len(f.jobs)+1),
		UserID:        userID,
		TargetHandle:  targetHandle,
		Status:        domain.JobPending,
		QueuePosition: &pos,
		CreatedAt:     time.Now().UTC(),
	}
	f.jobs[j.ID] = j
	return j, nil
}

func (f *fakeJobRepo) Get(_ domain.Context, id string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobRepo) ListByUser(_ domain.Context, _ int64, limit, _ int) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.listed) > limit {
		return f.listed[:limit], nil
	}
	return f.listed, nil
}

func (f *fakeJobRepo) ClaimNext(_ domain.Context) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}

func (f *fakeJobRepo) CountProcessing(_ domain.Context) (int, error) { return 0, nil }

func (f *fakeJobRepo) UpdateProgress(_ domain.Context, _ string, progress int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, progress)
	return nil
}

func (f *fakeJobRepo) UpdateSummary(_ domain.Context, _ string, followersN, followingN, nonMutualN int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summary = []int{followersN, followingN, nonMutualN}
	return nil
}

func (f *fakeJobRepo) SetArtifactPath(_ domain.Context, _, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifact = path
	return nil
}

func (f *fakeJobRepo) Complete(_ domain.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeJobRepo) Fail(_ domain.Context, id, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = errMsg
	return nil
}

func (f *fakeJobRepo) FailStale(_ domain.Context, _ time.Time) ([]domain.Job, error) { return nil, nil }

func (f *fakeJobRepo) CompactPositions(_ domain.Context) error { return nil }

func (f *fakeJobRepo) ListFailed(_ domain.Context, limit int) ([]domain.Job, error) {
	if len(f.failedRet) > limit {
		return f.failedRet[:limit], nil
	}
	return f.failedRet, nil
}

type fakeNonMutualRepo struct {
	mu      sync.Mutex
	batches map[string][]domain.NonMutualRecord
}

func newFakeNonMutualRepo() *fakeNonMutualRepo {
	return &fakeNonMutualRepo{batches: map[string][]domain.NonMutualRecord{}}
}

func (f *fakeNonMutualRepo) CreateBatch(_ domain.Context, jobID string, recs []domain.NonMutualRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches[jobID] = recs
	return nil
}

func (f *fakeNonMutualRepo) ListByJob(_ domain.Context, jobID string) ([]domain.NonMutualRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[jobID], nil
}

type stubUpstream struct {
	profile    domain.Profile
	profileErr error
	followers  []domain.ConnectionUser
	following  []domain.ConnectionUser
	fetchErr   map[domain.ConnectionKind]error
}

func (s *stubUpstream) GetProfile(_ domain.Context, _ string) (domain.Profile, error) {
	return s.profile, s.profileErr
}

func (s *stubUpstream) FetchConnections(_ domain.Context, _ string, kind domain.ConnectionKind, _ int, onPage domain.PageFunc) ([]domain.ConnectionUser, error) {
	if err := s.fetchErr[kind]; err != nil {
		return nil, err
	}
	out := s.followers
	if kind == domain.ConnectionFollowing {
		out = s.following
	}
	if onPage != nil {
		onPage(len(out), len(out))
	}
	return out, nil
}

type stubSessions struct {
	mu        sync.Mutex
	cookie    string
	cookieErr error
	invalid   []string
	refreshed chan struct{}
}

func newStubSessions(cookie string) *stubSessions {
	return &stubSessions{cookie: cookie, refreshed: make(chan struct{}, 4)}
}

func (s *stubSessions) Current(_ domain.Context) (string, error) { return s.cookie, s.cookieErr }

func (s *stubSessions) MarkInvalid(_ domain.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalid = append(s.invalid, reason)
	return nil
}

func (s *stubSessions) RefreshNow(_ domain.Context) error {
	s.refreshed <- struct{}{}
	return nil
}

func (s *stubSessions) invalidReasons() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.invalid...)
}

type stubRenderer struct {
	path string
	err  error
}

func (s *stubRenderer) Render(_ domain.Context, _ domain.Job, _ []domain.NonMutualRecord) (string, error) {
	return s.path, s.err
}

type recordingNotifier struct {
	mu     sync.Mutex
	texts  map[int64][]string
	docs   map[int64][]string
	admins []string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{texts: map[int64][]string{}, docs: map[int64][]string{}}
}

func (n *recordingNotifier) SendText(_ domain.Context, userID int64, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts[userID] = append(n.texts[userID], body)
	return nil
}

func (n *recordingNotifier) SendDocument(_ domain.Context, userID int64, path, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.docs[userID] = append(n.docs[userID], path)
	return nil
}

func (n *recordingNotifier) NotifyAdmins(_ domain.Context, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.admins = append(n.admins, body)
}

func (n *recordingNotifier) adminBodies() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.admins...)
}

// fakePaymentRepo mirrors the settle-transition semantics of the SQL
// implementation: replays of the same charge converge to success, a different
// charge is a duplicate, an amount mismatch fails the row.
type fakePaymentRepo struct {
	mu             sync.Mutex
	payments       map[string]domain.Payment
	events         []domain.PaymentEvent
	nextInvoice    int64
	creditsGranted int
}

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{payments: map[string]domain.Payment{}}
}

func (f *fakePaymentRepo) Create(_ domain.Context, p domain.Payment) (domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextInvoice++
	p.ID = fmt.Sprintf("pay-%d", f.nextInvoice)
	p.InvoiceID = f.nextInvoice
	p.Status = domain.PaymentPending
	p.CreatedAt = time.Now().UTC()
	f.payments[p.ID] = p
	f.events = append(f.events, domain.PaymentEvent{PaymentID: p.ID, Kind: domain.PaymentEventCreated, StatusAfter: p.Status})
	return p, nil
}

func (f *fakePaymentRepo) Get(_ domain.Context, id string) (domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return p, nil
}

func (f *fakePaymentRepo) Complete(_ domain.Context, id, externalChargeID string, amount float64) (domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	switch p.Status {
	case domain.PaymentCompleted:
		if p.ExternalChargeID != nil && *p.ExternalChargeID == externalChargeID {
			return p, nil
		}
		return domain.Payment{}, domain.ErrPaymentAlreadyCompleted
	case domain.PaymentPending:
		if math.Abs(amount-p.Amount) > 0.01 {
			p.Status = domain.PaymentFailed
			f.payments[id] = p
			f.events = append(f.events, domain.PaymentEvent{PaymentID: id, Kind: domain.PaymentEventFailed, StatusAfter: p.Status})
			return domain.Payment{}, domain.ErrPaymentAmountMismatch
		}
		now := time.Now().UTC()
		p.Status = domain.PaymentCompleted
		p.ExternalChargeID = &externalChargeID
		p.CompletedAt = &now
		f.payments[id] = p
		f.creditsGranted += p.CreditsCount
		f.events = append(f.events, domain.PaymentEvent{PaymentID: id, Kind: domain.PaymentEventCompleted, StatusAfter: p.Status})
		return p, nil
	default:
		return domain.Payment{}, domain.ErrPaymentInvalidStatus
	}
}

func (f *fakePaymentRepo) Fail(_ domain.Context, id, _ string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.payments[id]
	p.Status = domain.PaymentFailed
	f.payments[id] = p
	return nil
}

func (f *fakePaymentRepo) Cancel(_ domain.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return domain.ErrPaymentNotFound
	}
	if p.Status != domain.PaymentPending {
		return domain.ErrPaymentInvalidStatus
	}
	p.Status = domain.PaymentCancelled
	f.payments[id] = p
	f.events = append(f.events, domain.PaymentEvent{PaymentID: id, Kind: domain.PaymentEventCancelled, StatusAfter: p.Status})
	return nil
}

func (f *fakePaymentRepo) AppendEvent(_ domain.Context, ev domain.PaymentEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakePaymentRepo) ListEvents(_ domain.Context, paymentID string) ([]domain.PaymentEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.PaymentEvent
	for _, ev := range f.events {
		if ev.PaymentID == paymentID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakePaymentRepo) FindByCharge(_ domain.Context, method domain.PaymentMethod, externalChargeID string) (domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payments {
		if p.Method == method && p.ExternalChargeID != nil && *p.ExternalChargeID == externalChargeID {
			return p, nil
		}
	}
	return domain.Payment{}, domain.ErrPaymentNotFound
}

func (f *fakePaymentRepo) FindByInvoice(_ domain.Context, invoiceID int64) (domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payments {
		if p.InvoiceID == invoiceID {
			return p, nil
		}
	}
	return domain.Payment{}, domain.ErrPaymentNotFound
}

func (f *fakePaymentRepo) eventKinds(paymentID string) []domain.PaymentEventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.PaymentEventKind
	for _, ev := range f.events {
		if ev.PaymentID == paymentID {
			out = append(out, ev.Kind)
		}
	}
	return out
}

type fakeTariffRepo struct {
	mu      sync.Mutex
	tariffs map[int64]domain.Tariff
	nextID  int64
}

func newFakeTariffRepo(tariffs ...domain.Tariff) *fakeTariffRepo {
	f := &fakeTariffRepo{tariffs: map[int64]domain.Tariff{}}
	for _, t := range tariffs {
		f.nextID++
		t.ID = f.nextID
		f.tariffs[t.ID] = t
	}
	return f
}

func (f *fakeTariffRepo) ListActive(_ domain.Context) ([]domain.Tariff, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Tariff
	for _, t := range f.tariffs {
		if t.IsActive {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTariffRepo) Get(_ domain.Context, id int64) (domain.Tariff, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tariffs[id]
	if !ok {
		return domain.Tariff{}, domain.ErrNotFound
	}
	return t, nil
}

func (f *fakeTariffRepo) Upsert(_ domain.Context, t domain.Tariff) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, existing := range f.tariffs {
		if existing.Name == t.Name {
			t.ID = id
			f.tariffs[id] = t
			return id, nil
		}
	}
	f.nextID++
	t.ID = f.nextID
	f.tariffs[t.ID] = t
	return t.ID, nil
}

type fakeUserRepo struct {
	mu    sync.Mutex
	users map[int64]domain.User
}

func newFakeUserRepo(users ...domain.User) *fakeUserRepo {
	f := &fakeUserRepo{users: map[int64]domain.User{}}
	for _, u := range users {
		f.users[u.ID] = u
	}
	return f
}

func (f *fakeUserRepo) Ensure(_ domain.Context, id int64, initialBalance int, referralCode string) (domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	u := domain.User{ID: id, CreditBalance: initialBalance, ReferralCode: referralCode, CreatedAt: time.Now().UTC()}
	f.users[id] = u
	return u, nil
}

func (f *fakeUserRepo) Get(_ domain.Context, id int64) (domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}
