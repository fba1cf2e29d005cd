package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"salescrm/internal/config"
	"salescrm/internal/infrastructure/lock"
	"salescrm/internal/model"
	"salescrm/internal/repository"

	"gorm.io/gorm"
)

// ============================================================
// 内存仓库：单元测试替代 MySQL
// tx 参数在内存实现里没有意义，全部忽略
// ============================================================

type fakeDepositRepo struct {
	mu     sync.Mutex
	nextID int64
	events map[int64]*model.DepositEvent

	failClassifyWrites int // >0 时让 UpdateClassifications 失败对应次数，-1 永远失败
	classifyWriteCalls int
}

func newFakeDepositRepo() *fakeDepositRepo {
	return &fakeDepositRepo{events: make(map[int64]*model.DepositEvent)}
}

func copyEvent(ev *model.DepositEvent) *model.DepositEvent {
	c := *ev
	return &c
}

func (r *fakeDepositRepo) Create(ctx context.Context, tx *gorm.DB, ev *model.DepositEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.RequestID == ev.RequestID {
			return repository.ErrDuplicateRequest
		}
	}
	r.nextID++
	ev.ID = r.nextID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	r.events[ev.ID] = copyEvent(ev)
	return nil
}

func (r *fakeDepositRepo) GetByID(ctx context.Context, id int64) (*model.DepositEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[id]
	if !ok {
		return nil, repository.ErrEventNotFound
	}
	return copyEvent(ev), nil
}

func (r *fakeDepositRepo) GetByRequestID(ctx context.Context, requestID string) (*model.DepositEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.RequestID == requestID {
			return copyEvent(ev), nil
		}
	}
	return nil, nil
}

func sortEvents(events []*model.DepositEvent) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].Date.Equal(events[j].Date) {
			return events[i].Date.Before(events[j].Date)
		}
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return events[i].ID < events[j].ID
	})
}

func (r *fakeDepositRepo) ListApprovedByKey(ctx context.Context, key model.ClassificationKey) ([]*model.DepositEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.DepositEvent
	for _, ev := range r.events {
		if ev.Key() == key && ev.ApprovalStatus == model.ApprovalStatusApproved && !ev.Trashed {
			out = append(out, copyEvent(ev))
		}
	}
	sortEvents(out)
	return out, nil
}

func (r *fakeDepositRepo) ListKeys(ctx context.Context) ([]model.ClassificationKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[model.ClassificationKey]bool)
	var keys []model.ClassificationKey
	for _, ev := range r.events {
		if !seen[ev.Key()] {
			seen[ev.Key()] = true
			keys = append(keys, ev.Key())
		}
	}
	return keys, nil
}

func (r *fakeDepositRepo) UpdateClassifications(ctx context.Context, labels map[int64]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classifyWriteCalls++
	if r.failClassifyWrites == -1 {
		return errors.New("模拟写入失败")
	}
	if r.failClassifyWrites > 0 {
		r.failClassifyWrites--
		return errors.New("模拟写入失败")
	}
	for id, label := range labels {
		if ev, ok := r.events[id]; ok {
			ev.Classification = label
		}
	}
	return nil
}

func (r *fakeDepositRepo) UpdateApproval(ctx context.Context, tx *gorm.DB, id int64, fromStatus, toStatus string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[id]
	if !ok {
		return repository.ErrEventNotFound
	}
	if ev.ApprovalStatus != fromStatus || !model.CanTransitionTo(fromStatus, toStatus) {
		return repository.ErrStatusConflict
	}
	ev.ApprovalStatus = toStatus
	ev.ConflictStaff = 0
	ev.ConflictNote = ""
	return nil
}

func (r *fakeDepositRepo) RevertToPending(ctx context.Context, tx *gorm.DB, id int64, conflictStaff int64, conflictNote string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[id]
	if !ok {
		return repository.ErrEventNotFound
	}
	if ev.ApprovalStatus != model.ApprovalStatusApproved {
		return repository.ErrStatusConflict
	}
	ev.ApprovalStatus = model.ApprovalStatusPending
	ev.Classification = ""
	ev.ConflictStaff = conflictStaff
	ev.ConflictNote = conflictNote
	return nil
}

func (r *fakeDepositRepo) SetTrashed(ctx context.Context, tx *gorm.DB, id int64, trashed bool, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[id]
	if !ok {
		return repository.ErrEventNotFound
	}
	if ev.Trashed == trashed {
		return repository.ErrStatusConflict
	}
	ev.Trashed = trashed
	if trashed {
		t := at
		ev.TrashedAt = &t
	} else {
		ev.TrashedAt = nil
	}
	return nil
}

func (r *fakeDepositRepo) Delete(ctx context.Context, tx *gorm.DB, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[id]; !ok {
		return repository.ErrEventNotFound
	}
	delete(r.events, id)
	return nil
}

func (r *fakeDepositRepo) List(ctx context.Context, filter repository.ListEventsFilter) ([]*model.DepositEvent, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.DepositEvent
	for _, ev := range r.events {
		if ev.ApprovalStatus != model.ApprovalStatusApproved || ev.Trashed {
			continue
		}
		if filter.StaffID != 0 && ev.StaffID != filter.StaffID {
			continue
		}
		if filter.ProductID != "" && ev.ProductID != filter.ProductID {
			continue
		}
		if filter.DateFrom != nil && ev.Date.Before(*filter.DateFrom) {
			continue
		}
		if filter.DateTo != nil && ev.Date.After(*filter.DateTo) {
			continue
		}
		out = append(out, copyEvent(ev))
	}
	sortEvents(out)
	total := int64(len(out))
	if filter.PageSize > 0 {
		start := (filter.Page - 1) * filter.PageSize
		if start < 0 {
			start = 0
		}
		if start > len(out) {
			start = len(out)
		}
		end := start + filter.PageSize
		if end > len(out) {
			end = len(out)
		}
		out = out[start:end]
	}
	return out, total, nil
}

func (r *fakeDepositRepo) ListPending(ctx context.Context, page, pageSize int) ([]*model.DepositEvent, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.DepositEvent
	for _, ev := range r.events {
		if ev.ApprovalStatus == model.ApprovalStatusPending {
			out = append(out, copyEvent(ev))
		}
	}
	sortEvents(out)
	return out, int64(len(out)), nil
}

func (r *fakeDepositRepo) ListTrashed(ctx context.Context, page, pageSize int) ([]*model.DepositEvent, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.DepositEvent
	for _, ev := range r.events {
		if ev.Trashed {
			out = append(out, copyEvent(ev))
		}
	}
	sortEvents(out)
	return out, int64(len(out)), nil
}

func (r *fakeDepositRepo) ListTrashedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.DepositEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.DepositEvent
	for _, ev := range r.events {
		if ev.Trashed && ev.TrashedAt != nil && ev.TrashedAt.Before(cutoff) {
			out = append(out, copyEvent(ev))
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ------------------------------------------------------------

type fakeReservationRepo struct {
	mu           sync.Mutex
	nextID       int64
	reservations map[int64]*model.Reservation
}

func newFakeReservationRepo() *fakeReservationRepo {
	return &fakeReservationRepo{reservations: make(map[int64]*model.Reservation)}
}

func copyReservation(r *model.Reservation) *model.Reservation {
	c := *r
	return &c
}

func (f *fakeReservationRepo) Create(ctx context.Context, tx *gorm.DB, r *model.Reservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	r.ID = f.nextID
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	f.reservations[r.ID] = copyReservation(r)
	return nil
}

func (f *fakeReservationRepo) GetByID(ctx context.Context, id int64) (*model.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[id]
	if !ok {
		return nil, repository.ErrReservationNotFound
	}
	return copyReservation(r), nil
}

func (f *fakeReservationRepo) GetActiveByCustomerProduct(ctx context.Context, customerIDNorm, productID string) (*model.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reservations {
		if r.CustomerIDNorm == customerIDNorm && r.ProductID == productID {
			return copyReservation(r), nil
		}
	}
	return nil, nil
}

func (f *fakeReservationRepo) GetApprovedByCustomerProduct(ctx context.Context, customerIDNorm, productID string) (*model.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reservations {
		if r.CustomerIDNorm == customerIDNorm && r.ProductID == productID && r.Status == model.ReservationStatusApproved {
			return copyReservation(r), nil
		}
	}
	return nil, nil
}

func (f *fakeReservationRepo) SetApproved(ctx context.Context, tx *gorm.DB, id int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[id]
	if !ok {
		return repository.ErrReservationNotFound
	}
	if r.Status != model.ReservationStatusPending {
		return repository.ErrStatusConflict
	}
	r.Status = model.ReservationStatusApproved
	t := at
	r.ApprovedAt = &t
	return nil
}

func (f *fakeReservationRepo) UpdateLastDeposit(ctx context.Context, customerIDNorm string, staffID int64, date time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reservations {
		if r.CustomerIDNorm == customerIDNorm && r.StaffID == staffID && r.Status == model.ReservationStatusApproved {
			if r.LastDepositDate == nil || r.LastDepositDate.Before(date) {
				d := date
				r.LastDepositDate = &d
			}
		}
	}
	return nil
}

func (f *fakeReservationRepo) Delete(ctx context.Context, tx *gorm.DB, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.reservations[id]; !ok {
		return repository.ErrReservationNotFound
	}
	delete(f.reservations, id)
	return nil
}

func (f *fakeReservationRepo) ListByStatus(ctx context.Context, status string, page, pageSize int) ([]*model.Reservation, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Reservation
	for _, r := range f.reservations {
		if status == "" || r.Status == status {
			out = append(out, copyReservation(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, int64(len(out)), nil
}

func (f *fakeReservationRepo) ListApproved(ctx context.Context) ([]*model.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Reservation
	for _, r := range f.reservations {
		if r.Status == model.ReservationStatusApproved {
			out = append(out, copyReservation(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ------------------------------------------------------------

type fakeArchiveRepo struct {
	mu       sync.Mutex
	nextID   int64
	archives map[int64]*model.ReservationArchive
}

func newFakeArchiveRepo() *fakeArchiveRepo {
	return &fakeArchiveRepo{archives: make(map[int64]*model.ReservationArchive)}
}

func (f *fakeArchiveRepo) Create(ctx context.Context, tx *gorm.DB, a *model.ReservationArchive) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	a.ID = f.nextID
	if a.ArchivedAt.IsZero() {
		a.ArchivedAt = time.Now()
	}
	c := *a
	f.archives[a.ID] = &c
	return nil
}

func (f *fakeArchiveRepo) GetByKey(ctx context.Context, customerIDNorm, productID string, staffID int64) (*model.ReservationArchive, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *model.ReservationArchive
	for _, a := range f.archives {
		if a.CustomerIDNorm == customerIDNorm && a.ProductID == productID && a.StaffID == staffID {
			if latest == nil || a.ArchivedAt.After(latest.ArchivedAt) || (a.ArchivedAt.Equal(latest.ArchivedAt) && a.ID > latest.ID) {
				latest = a
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	c := *latest
	return &c, nil
}

func (f *fakeArchiveRepo) Delete(ctx context.Context, tx *gorm.DB, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.archives, id)
	return nil
}

func (f *fakeArchiveRepo) List(ctx context.Context, page, pageSize int) ([]*model.ReservationArchive, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.ReservationArchive
	for _, a := range f.archives {
		c := *a
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, int64(len(out)), nil
}

// ------------------------------------------------------------

type fakeBonusRepo struct {
	mu     sync.Mutex
	nextID int64
	claims map[int64]*model.BonusClaim
}

func newFakeBonusRepo() *fakeBonusRepo {
	return &fakeBonusRepo{claims: make(map[int64]*model.BonusClaim)}
}

func (f *fakeBonusRepo) Create(ctx context.Context, tx *gorm.DB, c *model.BonusClaim) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	c.ID = f.nextID
	cp := *c
	f.claims[c.ID] = &cp
	return nil
}

func (f *fakeBonusRepo) ListByMonth(ctx context.Context, month string, staffID int64) ([]*model.BonusClaim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.BonusClaim
	for _, c := range f.claims {
		if c.Month != month {
			continue
		}
		if staffID != 0 && c.StaffID != staffID {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeBonusRepo) DeleteByReservationID(ctx context.Context, tx *gorm.DB, reservationID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, c := range f.claims {
		if c.ReservationID == reservationID {
			delete(f.claims, id)
		}
	}
	return nil
}

// ------------------------------------------------------------

type fakeNotifRepo struct {
	mu            sync.Mutex
	nextID        int64
	notifications []*model.Notification
}

func (f *fakeNotifRepo) Create(ctx context.Context, tx *gorm.DB, n *model.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	n.ID = f.nextID
	c := *n
	f.notifications = append(f.notifications, &c)
	return nil
}

func (f *fakeNotifRepo) List(ctx context.Context, audience string, userID int64, unreadOnly bool, page, pageSize int) ([]*model.Notification, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Notification
	for _, n := range f.notifications {
		if n.Audience != audience {
			continue
		}
		if audience == model.NotifyAudienceUser && n.UserID != userID {
			continue
		}
		if unreadOnly && n.Read {
			continue
		}
		c := *n
		out = append(out, &c)
	}
	return out, int64(len(out)), nil
}

func (f *fakeNotifRepo) MarkRead(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.notifications {
		if n.ID == id {
			n.Read = true
			return nil
		}
	}
	return nil
}

// countByType 按通知类型统计，测试断言用
func (f *fakeNotifRepo) countByType(notifyType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, n := range f.notifications {
		if n.Type == notifyType {
			count++
		}
	}
	return count
}

// ------------------------------------------------------------

type fakeOutboxRepo struct {
	mu       sync.Mutex
	nextID   int64
	messages []*model.OutboxMessage
}

func (f *fakeOutboxRepo) Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	msg.ID = f.nextID
	c := *msg
	f.messages = append(f.messages, &c)
	return nil
}

func (f *fakeOutboxRepo) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.OutboxMessage
	for _, m := range f.messages {
		if m.Status == model.OutboxStatusPending {
			c := *m
			out = append(out, &c)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeOutboxRepo) UpdateStatus(ctx context.Context, id int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.ID == id {
			m.Status = status
		}
	}
	return nil
}

func (f *fakeOutboxRepo) IncrementRetryCount(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.ID == id {
			m.RetryCount++
		}
	}
	return nil
}

func (f *fakeOutboxRepo) MarkAsFailed(ctx context.Context, id int64) error {
	return f.UpdateStatus(ctx, id, model.OutboxStatusFailed)
}

// ============================================================
// 测试环境装配
// ============================================================

type testEnv struct {
	cfg         *config.Config
	km          *lock.LocalKeyMutex
	depositRepo *fakeDepositRepo
	reservRepo  *fakeReservationRepo
	archiveRepo *fakeArchiveRepo
	bonusRepo   *fakeBonusRepo
	notifRepo   *fakeNotifRepo
	outboxRepo  *fakeOutboxRepo

	notifSvc    *NotificationService
	classifySvc *ClassifyService
	reservSvc   *ReservationService
	depositSvc  *DepositService
	reportSvc   *ReportService
}

func newTestEnv() *testEnv {
	cfg := &config.Config{}
	cfg.Kafka.Topic.Notification = "crm-notifications"
	cfg.Business.AdditionalMarker = "追加"
	cfg.Business.GracePeriodDays = 30
	cfg.Business.MaxRetryCount = 3
	cfg.Business.TrashRetentionDays = 90
	cfg.Business.BonusMinAmount = 1000

	env := &testEnv{
		cfg:         cfg,
		km:          lock.NewLocalKeyMutex(),
		depositRepo: newFakeDepositRepo(),
		reservRepo:  newFakeReservationRepo(),
		archiveRepo: newFakeArchiveRepo(),
		bonusRepo:   newFakeBonusRepo(),
		notifRepo:   &fakeNotifRepo{},
		outboxRepo:  &fakeOutboxRepo{},
	}

	env.notifSvc = &NotificationService{
		notifRepo:  env.notifRepo,
		outboxRepo: env.outboxRepo,
		cfg:        cfg,
	}
	env.classifySvc = &ClassifyService{
		depositRepo: env.depositRepo,
		km:          env.km,
		cfg:         cfg,
	}
	env.reservSvc = &ReservationService{
		reservRepo:  env.reservRepo,
		archiveRepo: env.archiveRepo,
		bonusRepo:   env.bonusRepo,
		notifSvc:    env.notifSvc,
		km:          env.km,
		cfg:         cfg,
		now:         time.Now,
	}
	env.depositSvc = &DepositService{
		depositRepo: env.depositRepo,
		classifySvc: env.classifySvc,
		reservSvc:   env.reservSvc,
		notifSvc:    env.notifSvc,
		km:          env.km,
		cfg:         cfg,
	}
	env.reportSvc = &ReportService{
		depositSvc: env.depositSvc,
		reservRepo: env.reservRepo,
		bonusRepo:  env.bonusRepo,
		cfg:        cfg,
	}
	return env
}

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}
