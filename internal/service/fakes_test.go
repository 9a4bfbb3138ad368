package service

import (
	"bytes"
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/token-notifier/internal/errs"
	"github.com/and161185/token-notifier/internal/model"
	"github.com/and161185/token-notifier/internal/repository"
)

/************ ledger ************/

type memLedger struct {
	mu       sync.Mutex
	bal      map[uuid.UUID]int64
	hist     map[uuid.UUID][]model.HistoryRecord
	debitErr error

	histLimit, histOffset int
}

var _ repository.LedgerRepository = (*memLedger)(nil)

func newMemLedger() *memLedger {
	return &memLedger{bal: map[uuid.UUID]int64{}, hist: map[uuid.UUID][]model.HistoryRecord{}}
}

func (m *memLedger) Provision(_ context.Context, userID uuid.UUID, grant int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bal[userID]; ok {
		return false, nil
	}
	m.bal[userID] = grant
	if grant > 0 {
		m.appendLocked(userID, grant, grant, "grant", at)
	}
	return true, nil
}

func (m *memLedger) Balance(_ context.Context, userID uuid.UUID) (model.TokenBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bal[userID]
	if !ok {
		return model.TokenBalance{}, errs.ErrNotFound
	}
	return model.TokenBalance{UserID: userID, Balance: b}, nil
}

func (m *memLedger) Debit(_ context.Context, userID uuid.UUID, amount int64, reason string, at time.Time) (model.DebitResult, error) {
	if m.debitErr != nil {
		return model.DebitResult{}, m.debitErr
	}
	return m.apply(userID, -amount, reason, at)
}

func (m *memLedger) Credit(_ context.Context, userID uuid.UUID, amount int64, reason string, at time.Time) (model.DebitResult, error) {
	return m.apply(userID, amount, reason, at)
}

func (m *memLedger) apply(userID uuid.UUID, delta int64, reason string, at time.Time) (model.DebitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.bal[userID]
	if !ok {
		return model.DebitResult{}, errs.ErrNotFound
	}
	if delta > 0 && cur > math.MaxInt64-delta {
		return model.DebitResult{}, errs.ErrValidation
	}
	next := cur + delta
	if next < 0 {
		next = 0
	}
	m.bal[userID] = next
	rec := m.appendLocked(userID, delta, next, reason, at)
	return model.DebitResult{Previous: cur, Balance: next, Record: rec}, nil
}

func (m *memLedger) appendLocked(userID uuid.UUID, amount, resulting int64, reason string, at time.Time) model.HistoryRecord {
	rec := model.HistoryRecord{
		ID:               int64(len(m.hist[userID]) + 1),
		UserID:           userID,
		Amount:           amount,
		ResultingBalance: resulting,
		Reason:           reason,
		CreatedAt:        at,
	}
	m.hist[userID] = append(m.hist[userID], rec)
	return rec
}

func (m *memLedger) History(_ context.Context, userID uuid.UUID, limit, offset int) ([]model.HistoryRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histLimit, m.histOffset = limit, offset
	if _, ok := m.bal[userID]; !ok {
		return nil, 0, errs.ErrNotFound
	}
	all := m.hist[userID]
	out := []model.HistoryRecord{}
	for i := len(all) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, len(all), nil
}

/************ preferences ************/

type memPrefs struct {
	mu        sync.Mutex
	rows      map[model.UnitKey]model.Preferences
	dismissed map[uuid.UUID]model.Tier
	upserts   int
	repairs   int
	getErr    error
	listErr   error
	upsertErr error
	repairErr error
	afterGet  func() // runs between the read and its return, outside the lock
}

var _ repository.PreferenceRepository = (*memPrefs)(nil)

func newMemPrefs() *memPrefs {
	return &memPrefs{rows: map[model.UnitKey]model.Preferences{}, dismissed: map[uuid.UUID]model.Tier{}}
}

func (m *memPrefs) put(p model.Preferences) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[model.UnitKey{UserID: p.UserID, Channel: p.Channel}] = p
}

func (m *memPrefs) Get(_ context.Context, userID uuid.UUID, ch model.Channel) (model.Preferences, error) {
	m.mu.Lock()
	if m.getErr != nil {
		m.mu.Unlock()
		return model.Preferences{}, m.getErr
	}
	p, ok := m.rows[model.UnitKey{UserID: userID, Channel: ch}]
	m.mu.Unlock()
	if !ok {
		return model.Preferences{}, errs.ErrNotFound
	}
	if m.afterGet != nil {
		m.afterGet()
	}
	return p, nil
}

func (m *memPrefs) ListByUser(_ context.Context, userID uuid.UUID) ([]model.Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Preferences
	for _, ch := range model.Channels {
		if p, ok := m.rows[model.UnitKey{UserID: userID, Channel: ch}]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memPrefs) Upsert(_ context.Context, p model.Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.upserts++
	m.rows[model.UnitKey{UserID: p.UserID, Channel: p.Channel}] = p
	return nil
}

func (m *memPrefs) Repair(_ context.Context, from, to model.Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.repairErr != nil {
		return m.repairErr
	}
	k := model.UnitKey{UserID: from.UserID, Channel: from.Channel}
	cur, ok := m.rows[k]
	if !ok || cur.Frequency != from.Frequency || cur.TimeOfDay != from.TimeOfDay || cur.IntervalDays != from.IntervalDays {
		return errs.ErrConflict
	}
	m.repairs++
	cur.Frequency, cur.TimeOfDay, cur.IntervalDays, cur.UpdatedAt = to.Frequency, to.TimeOfDay, to.IntervalDays, to.UpdatedAt
	m.rows[k] = cur
	return nil
}

func (m *memPrefs) InsertMissing(_ context.Context, ps []model.Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range ps {
		k := model.UnitKey{UserID: p.UserID, Channel: p.Channel}
		if _, ok := m.rows[k]; !ok {
			m.rows[k] = p
		}
	}
	return nil
}

func keyLess(a, b model.UnitKey) bool {
	if c := bytes.Compare(a.UserID[:], b.UserID[:]); c != 0 {
		return c < 0
	}
	return a.Channel < b.Channel
}

func (m *memPrefs) ListEnabled(_ context.Context, after model.UnitKey, limit int) ([]model.UnitKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var keys []model.UnitKey
	for k, p := range m.rows {
		if p.Enabled && (after.UserID == uuid.Nil || keyLess(after, k)) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (m *memPrefs) DismissedTier(_ context.Context, userID uuid.UUID) (model.Tier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dismissed[userID], nil
}

func (m *memPrefs) Dismiss(_ context.Context, userID uuid.UUID, tier model.Tier, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tier > m.dismissed[userID] {
		m.dismissed[userID] = tier
	}
	return nil
}

/************ deliveries ************/

type memDeliveries struct {
	mu       sync.Mutex
	recs     []model.DeliveryRecord
	claimErr error

	markSentErr   error // returned by MarkSent while markSentFails > 0
	markSentFails int
	markSentCalls int
}

var _ repository.DeliveryRepository = (*memDeliveries)(nil)

func (m *memDeliveries) Claim(_ context.Context, rec model.DeliveryRecord) (model.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return model.DeliveryRecord{}, m.claimErr
	}
	for _, r := range m.recs {
		if r.UserID == rec.UserID && r.Channel == rec.Channel && r.Day.Equal(rec.Day) && r.Status.Holds() {
			return model.DeliveryRecord{}, errs.ErrConflict
		}
	}
	rec.ID = int64(len(m.recs) + 1)
	rec.Status = model.DeliveryPending
	m.recs = append(m.recs, rec)
	return rec, nil
}

func (m *memDeliveries) transition(id int64, fn func(r *model.DeliveryRecord), from ...model.DeliveryStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(from) == 0 {
		from = []model.DeliveryStatus{model.DeliveryPending, model.DeliverySending}
	}
	for i := range m.recs {
		if m.recs[i].ID != id {
			continue
		}
		for _, st := range from {
			if m.recs[i].Status == st {
				fn(&m.recs[i])
				return nil
			}
		}
	}
	return errs.ErrConflict
}

func (m *memDeliveries) MarkSending(_ context.Context, id int64) error {
	return m.transition(id, func(r *model.DeliveryRecord) {
		r.Status = model.DeliverySending
	}, model.DeliveryPending)
}

func (m *memDeliveries) MarkSent(_ context.Context, id int64, sentAt time.Time) error {
	m.mu.Lock()
	m.markSentCalls++
	if m.markSentFails > 0 {
		m.markSentFails--
		m.mu.Unlock()
		return m.markSentErr
	}
	m.mu.Unlock()
	return m.transition(id, func(r *model.DeliveryRecord) {
		r.Status = model.DeliverySent
		r.SentAt = &sentAt
	})
}

func (m *memDeliveries) MarkFailed(_ context.Context, id int64, reason string) error {
	return m.transition(id, func(r *model.DeliveryRecord) {
		r.Status = model.DeliveryFailed
		r.Error = reason
	})
}

func (m *memDeliveries) MarkCancelled(_ context.Context, id int64, reason string) error {
	return m.transition(id, func(r *model.DeliveryRecord) {
		r.Status = model.DeliveryCancelled
		r.Error = reason
	})
}

func (m *memDeliveries) LastSent(_ context.Context, userID uuid.UUID, ch model.Channel) (*model.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *model.DeliveryRecord
	for i := range m.recs {
		r := m.recs[i]
		if r.UserID != userID || r.Channel != ch || r.Status != model.DeliverySent {
			continue
		}
		if last == nil || r.SentAt.After(*last.SentAt) {
			last = &r
		}
	}
	return last, nil
}

func (m *memDeliveries) Active(_ context.Context, userID uuid.UUID, ch model.Channel, day time.Time) (*model.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.recs {
		r := m.recs[i]
		if r.UserID == userID && r.Channel == ch && r.Day.Equal(day) && r.Status.Holds() {
			return &r, nil
		}
	}
	return nil, nil
}

func (m *memDeliveries) ReconcileStale(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i := range m.recs {
		if m.recs[i].Status == model.DeliveryPending && m.recs[i].CreatedAt.Before(cutoff) {
			m.recs[i].Status = model.DeliveryFailed
			m.recs[i].Error = "abandoned claim"
			n++
		}
	}
	return n, nil
}

func (m *memDeliveries) byStatus(s model.DeliveryStatus) []model.DeliveryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.DeliveryRecord
	for _, r := range m.recs {
		if r.Status == s {
			out = append(out, r)
		}
	}
	return out
}

/************ provider ************/

type fakeProvider struct {
	mu    sync.Mutex
	sent  []uuid.UUID
	err   error
	block chan struct{}

	started      chan struct{} // signalled when a send begins, if set
	active, peak int
}

func (p *fakeProvider) Send(ctx context.Context, userID uuid.UUID, _ model.Content) error {
	p.mu.Lock()
	p.active++
	if p.active > p.peak {
		p.peak = p.active
	}
	p.mu.Unlock()
	if p.started != nil {
		p.started <- struct{}{}
	}
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active--
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, userID)
	return nil
}

func (p *fakeProvider) maxActive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

func (p *fakeProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}
