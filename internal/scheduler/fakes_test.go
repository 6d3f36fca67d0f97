package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"messaging/internal/contact"
	"messaging/internal/content"
	"messaging/internal/recipients"
	"messaging/internal/schedule"
	"messaging/internal/types"
)

// ============================================================
// Fixtures
// ============================================================

const testDomain = "demo"

var (
	errDirectoryDown = errors.New("directory unavailable")
	errGatewayDown   = errors.New("gateway unavailable")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func utc(year int, month time.Month, day, hour, minute int) time.Time {
	return time.Date(year, month, day, hour, minute, 0, 0, time.UTC)
}

func smsContent(text string) types.Content {
	return types.Content{Type: types.ContentSMS, Message: map[string]string{"en": text}}
}

// dailyNoon is a daily noon schedule with the given number of iterations.
func dailyNoon(iterations int) *types.Schedule {
	s, err := schedule.NewSimpleDailySchedule(testDomain, types.NewTimeOfDay(12, 0), smsContent("Take your medicine"), iterations)
	if err != nil {
		panic(err)
	}
	return s
}

func userKey(id string) types.RecipientKey {
	return types.RecipientKey{Type: types.RecipientMobileWorker, ID: id}
}

// ============================================================
// Directory
// ============================================================

// memDirectory implements recipients.Directory and contact.Directory.
type memDirectory struct {
	mu      sync.Mutex
	cases   map[string]*types.Case
	users   map[string]*types.User
	groups  map[string]*types.Group
	entries map[string][]*types.PhoneEntry
	failOn  map[string]bool
}

var (
	_ recipients.Directory = (*memDirectory)(nil)
	_ contact.Directory    = (*memDirectory)(nil)
)

func newMemDirectory() *memDirectory {
	return &memDirectory{
		cases:   make(map[string]*types.Case),
		users:   make(map[string]*types.User),
		groups:  make(map[string]*types.Group),
		entries: make(map[string][]*types.PhoneEntry),
		failOn:  make(map[string]bool),
	}
}

func notFound() error {
	return types.NewAppError(types.ErrCodeNotFoundRecipient, "not found", nil)
}

func (m *memDirectory) failing(method string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failOn[method]
}

func (m *memDirectory) setFail(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOn[method] = true
}

func (m *memDirectory) clearFail(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failOn, method)
}

func (m *memDirectory) addWorker(id, phone string) *types.User {
	u := &types.User{
		ID:       id,
		Kind:     types.UserMobile,
		Domain:   testDomain,
		Username: id,
		IsActive: true,
	}
	if phone != "" {
		u.PhoneNumbers = []string{phone}
	}
	m.users[id] = u
	return u
}

func (m *memDirectory) addCase(c *types.Case) *types.Case {
	c.Domain = testDomain
	m.cases[c.ID] = c
	return c
}

func (m *memDirectory) addGroup(id string, userIDs ...string) {
	m.groups[id] = &types.Group{ID: id, Domain: testDomain, Name: id, UserIDs: userIDs}
}

func (m *memDirectory) GetCase(_ context.Context, domain, id string) (*types.Case, error) {
	if m.failing("GetCase") {
		return nil, errDirectoryDown
	}
	c, ok := m.cases[id]
	if !ok || c.Domain != domain {
		return nil, notFound()
	}
	return c, nil
}

func (m *memDirectory) GetUser(_ context.Context, domain, id string) (*types.User, error) {
	if m.failing("GetUser") {
		return nil, errDirectoryDown
	}
	u, ok := m.users[id]
	if !ok || u.Domain != domain {
		return nil, notFound()
	}
	return u, nil
}

func (m *memDirectory) GetGroup(_ context.Context, domain, id string) (*types.Group, error) {
	g, ok := m.groups[id]
	if !ok || g.Domain != domain {
		return nil, notFound()
	}
	return g, nil
}

func (m *memDirectory) GetCaseGroup(context.Context, string, string) (*types.CaseGroup, error) {
	return nil, notFound()
}

func (m *memDirectory) GetLocation(context.Context, string, string) (*types.Location, error) {
	return nil, notFound()
}

func (m *memDirectory) ListChildLocations(context.Context, string, string) ([]*types.Location, error) {
	return nil, nil
}

func (m *memDirectory) ListUsersAtLocation(context.Context, string, string) ([]*types.User, error) {
	return nil, nil
}

func (m *memDirectory) ListSubcases(_ context.Context, domain, parentID string) ([]*types.Case, error) {
	var out []*types.Case
	for _, c := range m.cases {
		if c.Domain == domain && c.Indices[types.ParentIndexIdentifier] == parentID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memDirectory) ListPhoneEntries(_ context.Context, _ string, kind types.OwnerKind, ownerID string) ([]*types.PhoneEntry, error) {
	return m.entries[string(kind)+"/"+ownerID], nil
}

func (m *memDirectory) GetUserCase(context.Context, string, string) (*types.Case, error) {
	return nil, notFound()
}

// ============================================================
// Instance store
// ============================================================

// memInstances is an in-memory InstanceStore with the same version and lease
// semantics as the Postgres repository.
type memInstances struct {
	mu     sync.Mutex
	rows   map[string]*types.CaseScheduleInstance
	nextID int

	updateErr error
	updates   int
	renewals  int
}

var _ InstanceStore = (*memInstances)(nil)

func newMemInstances() *memInstances {
	return &memInstances{rows: make(map[string]*types.CaseScheduleInstance)}
}

// snapshot returns a copy of the stored row, in its interface form.
func snapshot(row *types.CaseScheduleInstance) types.Instance {
	cp := *row
	if cp.CaseID == "" {
		plain := cp.ScheduleInstance
		return &plain
	}
	return &cp
}

func (m *memInstances) sorted() []*types.CaseScheduleInstance {
	out := make([]*types.CaseScheduleInstance, 0, len(m.rows))
	for _, row := range m.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// all returns copies of every stored row ordered by id.
func (m *memInstances) all() []types.CaseScheduleInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.CaseScheduleInstance
	for _, row := range m.sorted() {
		out = append(out, *row)
	}
	return out
}

// byRecipient returns a copy of the row for recipientID.
func (m *memInstances) byRecipient(recipientID string) (types.CaseScheduleInstance, bool) {
	for _, row := range m.all() {
		if row.RecipientID == recipientID {
			return row, true
		}
	}
	return types.CaseScheduleInstance{}, false
}

func (m *memInstances) put(row *types.CaseScheduleInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row.ID == "" {
		m.nextID++
		row.ID = fmt.Sprintf("inst_%03d", m.nextID)
	}
	cp := *row
	m.rows[row.ID] = &cp
}

func (m *memInstances) ListForSchedule(_ context.Context, scheduleID string) ([]*types.ScheduleInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.ScheduleInstance
	for _, row := range m.sorted() {
		if row.ScheduleID == scheduleID && row.CaseID == "" {
			cp := row.ScheduleInstance
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memInstances) ListForCase(_ context.Context, scheduleID, caseID string) ([]*types.CaseScheduleInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.CaseScheduleInstance
	for _, row := range m.sorted() {
		if row.ScheduleID == scheduleID && row.CaseID == caseID {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memInstances) ListDue(_ context.Context, now time.Time, limit int) ([]types.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*types.CaseScheduleInstance
	for _, row := range m.sorted() {
		if row.Active && !row.NextEventDue.After(now) {
			due = append(due, row)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].NextEventDue.Before(due[j].NextEventDue) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]types.Instance, len(due))
	for i, row := range due {
		out[i] = snapshot(row)
	}
	return out, nil
}

func (m *memInstances) Create(_ context.Context, inst *types.ScheduleInstance) error {
	row := &types.CaseScheduleInstance{ScheduleInstance: *inst}
	m.put(row)
	inst.ID = row.ID
	return nil
}

func (m *memInstances) CreateCase(_ context.Context, inst *types.CaseScheduleInstance) error {
	if inst.CaseID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "case_id is required", nil)
	}
	m.put(inst)
	return nil
}

func (m *memInstances) Update(_ context.Context, inst types.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	if m.updateErr != nil {
		return m.updateErr
	}
	c := inst.Common()
	row, ok := m.rows[c.ID]
	if !ok || row.Version != c.Version {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "schedule instance was modified concurrently", nil)
	}
	row.Progress = c.Progress
	row.Version++
	row.LockedBy = ""
	row.LockedUntil = nil
	c.Version++
	c.LockedBy = ""
	c.LockedUntil = nil
	return nil
}

func (m *memInstances) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return types.NewAppError(types.ErrCodeNotFoundInstance, "schedule instance not found", nil)
	}
	delete(m.rows, id)
	return nil
}

func (m *memInstances) DeleteForSchedule(_ context.Context, scheduleID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, row := range m.rows {
		if row.ScheduleID == scheduleID {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

func (m *memInstances) DeactivateForSchedule(_ context.Context, scheduleID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, row := range m.rows {
		if row.ScheduleID == scheduleID && row.Active {
			row.Active = false
			row.Version++
			n++
		}
	}
	return n, nil
}

func (m *memInstances) Claim(_ context.Context, id string, expectedVersion int64, workerID string, now time.Time, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.Version != expectedVersion {
		return false, nil
	}
	if row.LockedUntil != nil && !row.LockedUntil.Before(now) {
		return false, nil
	}
	until := now.Add(ttl)
	row.Version++
	row.LockedBy = workerID
	row.LockedUntil = &until
	return true, nil
}

func (m *memInstances) RenewLease(_ context.Context, id string, version int64, workerID string, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renewals++
	row, ok := m.rows[id]
	if !ok || row.Version != version || row.LockedBy != workerID {
		return false, nil
	}
	row.LockedUntil = &until
	return true, nil
}

// steal takes the lease the way another worker's Claim would.
func (m *memInstances) steal(id, workerID string, until time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.rows[id]
	row.Version++
	row.LockedBy = workerID
	row.LockedUntil = &until
}

func (m *memInstances) renewCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renewals
}

// ============================================================
// Locks, schedules, settings
// ============================================================

type memLocks struct {
	mu      sync.Mutex
	holders map[string]string
}

var _ LockStore = (*memLocks)(nil)

func newMemLocks() *memLocks {
	return &memLocks{holders: make(map[string]string)}
}

func (m *memLocks) Acquire(_ context.Context, lockID, workerID string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if holder, ok := m.holders[lockID]; ok && holder != workerID {
		return false, nil
	}
	m.holders[lockID] = workerID
	return true, nil
}

func (m *memLocks) Release(_ context.Context, lockID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holders[lockID] == workerID {
		delete(m.holders, lockID)
	}
	return nil
}

type memSchedules map[string]*types.Schedule

func (m memSchedules) GetByID(_ context.Context, id string) (*types.Schedule, error) {
	s, ok := m[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule not found", nil)
	}
	return s, nil
}

type fixedSettings types.DomainSettings

func (f fixedSettings) GetSettings(context.Context, string) (types.DomainSettings, error) {
	return types.DomainSettings(f), nil
}

func newYorkDomain() fixedSettings {
	return fixedSettings{Name: testDomain, DefaultTimezone: "America/New_York"}
}

// ============================================================
// Sender, metrics
// ============================================================

type recordingSender struct {
	mu   sync.Mutex
	sent []content.Message
	// failFor makes Send fail for these recipient ids.
	failFor map[string]bool
}

func (r *recordingSender) Send(_ context.Context, msg content.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFor[msg.RecipientID] {
		return errGatewayDown
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingSender) messages() []content.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]content.Message(nil), r.sent...)
}

type countingMetrics struct {
	NoopMetrics
	mu    sync.Mutex
	skips map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{skips: make(map[string]int)}
}

func (c *countingMetrics) RecordSkip(_ context.Context, _ string, metric string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skips[metric]++
}

func (c *countingMetrics) count(metric string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.skips[metric]
}

// ============================================================
// Harness
// ============================================================

type harness struct {
	dir       *memDirectory
	instances *memInstances
	locks     *memLocks
	schedules memSchedules
	sender    *recordingSender
	metrics   *countingMetrics
	clock     *types.FixedClock

	handler   *EventHandler
	driver    *Driver
	processor *Processor
}

func newHarness(now time.Time) *harness {
	clock := types.FixedClock(now)
	h := &harness{
		dir:       newMemDirectory(),
		instances: newMemInstances(),
		locks:     newMemLocks(),
		schedules: memSchedules{},
		sender:    &recordingSender{failFor: map[string]bool{}},
		metrics:   newCountingMetrics(),
		clock:     &clock,
	}
	logger := discardLogger()
	resolver := recipients.NewResolver(recipients.ResolverConfig{Directory: h.dir, Logger: logger})
	expander := recipients.NewExpander(h.dir, logger)

	h.handler = NewEventHandler(EventHandlerConfig{
		Recipients: resolver,
		Expander:   expander,
		Channels:   contact.NewResolver(h.dir),
		Sender:     h.sender,
		Settings:   newYorkDomain(),
		Metrics:    h.metrics,
		Logger:     logger,
	})
	h.driver = NewDriver(DriverConfig{
		Instances:  h.instances,
		Locks:      h.locks,
		Recipients: resolver,
		Expander:   expander,
		Settings:   newYorkDomain(),
		Metrics:    h.metrics,
		Clock:      h,
		WorkerID:   "worker-a",
		Logger:     logger,
	})
	h.processor = NewProcessor(ProcessorConfig{
		Instances:   h.instances,
		Schedules:   h.schedules,
		Handler:     h.handler,
		Metrics:     h.metrics,
		WorkerID:    "worker-a",
		Concurrency: 4,
		Logger:      logger,
	})
	return h
}

// Now lets the harness act as the driver's clock.
func (h *harness) Now() time.Time { return h.clock.Now() }

func (h *harness) setNow(t time.Time) { *h.clock = types.FixedClock(t) }

func (h *harness) addSchedule(s *types.Schedule) *types.Schedule {
	h.schedules[s.ID] = s
	return s
}
