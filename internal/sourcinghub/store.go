package sourcinghub

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// Row is one ingested remote record. Identity is (tenant, table, RemoteID);
// upserts keep the payload with the newest ModifiedAt.
type Row struct {
	RemoteID   string         `json:"remoteId"`
	Payload    map[string]any `json:"payload"`
	ModifiedAt string         `json:"modifiedAt,omitempty"`
	IngestedAt string         `json:"ingestedAt"`
}

type TableSyncStatus struct {
	Table      string `json:"table"`
	Registered bool   `json:"registered"`
	Cursor     string `json:"cursor,omitempty"`
	RowCount   int    `json:"rowCount"`
	Polling    bool   `json:"polling"`
}

type SyncOverview struct {
	TenantID string            `json:"tenantId"`
	Tables   []TableSyncStatus `json:"tables"`
}

type ConnectivityResult struct {
	UserID         string `json:"userId,omitempty"`
	BusinessUnitID string `json:"businessUnitId,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
}

type BackendStatus struct {
	BackendProfile     string `json:"backendProfile,omitempty"`
	StateBackend       string `json:"stateBackend"`
	DeliveryQueue      string `json:"deliveryQueue"`
	DeliveryQueueDepth int    `json:"deliveryQueueDepth"`
	DeliveryQueueCap   int    `json:"deliveryQueueCapacity"`
}

type StoreOptions struct {
	StateFile           string
	StateBackend        StateBackend
	Remote              RemoteSource
	Routes              []RouteBackend
	SubmissionDir       string
	PageSize            int
	MaxPages            int
	MaxRecords          int
	MaxDeliveryAttempts int
	DeliveryRetryDelay  time.Duration
	DeliveryQueueSize   int
	DeliveryQueue       DeliveryQueue
	DeliveryWorkers     int
	MaxAttachments      int
	MaxEventHistory     int
	BackendProfile      string
	DisableWorkers      bool
	Logger              *slog.Logger
}

type Store struct {
	mu      sync.RWMutex
	queueMu sync.Mutex
	pollMu  sync.Mutex

	tenants      map[string]*tenantState
	submissions  map[string]*SubmissionPackage
	eventCounter uint64
	recentEvents []HubEvent

	stateBackend     StateBackend
	deliveryQueue    DeliveryQueue
	queuedDeliveries map[string]struct{}
	delivering       map[string]struct{}
	polling          map[string]struct{}

	remote    RemoteSource
	routes    map[string]RouteBackend
	validator *submissionValidator

	metaMu    sync.Mutex
	metaCache map[string]RemoteTableDefinition

	subsMu      sync.Mutex
	subscribers map[uint64]chan HubEvent
	subCounter  uint64

	logger *slog.Logger

	pageSize            int
	maxPages            int
	maxRecords          int
	maxDeliveryAttempts int
	deliveryRetryDelay  time.Duration
	maxAttachments      int
	maxEventHistory     int
	submissionDir       string
	backendProfile      string

	closed      chan struct{}
	queueCtx    context.Context
	queueCancel context.CancelFunc
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

type tenantState struct {
	Tables  []string                  `json:"tables"`
	Cursors map[string]string         `json:"cursors"`
	Rows    map[string]map[string]Row `json:"rows"`
}

type persistedState struct {
	EventCounter uint64                        `json:"eventCounter"`
	Tenants      map[string]*tenantState       `json:"tenants"`
	Submissions  map[string]*SubmissionPackage `json:"submissions"`
	RecentEvents []HubEvent                    `json:"recentEvents,omitempty"`
}

type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

var logicalTableNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 200
	}
	maxDeliveryAttempts := opts.MaxDeliveryAttempts
	if maxDeliveryAttempts <= 0 {
		maxDeliveryAttempts = 3
	}
	deliveryRetryDelay := opts.DeliveryRetryDelay
	if deliveryRetryDelay <= 0 {
		deliveryRetryDelay = 30 * time.Second
	}
	maxAttachments := opts.MaxAttachments
	if maxAttachments <= 0 {
		maxAttachments = 20
	}
	maxEventHistory := opts.MaxEventHistory
	if maxEventHistory <= 0 {
		maxEventHistory = 256
	}
	queueSize := opts.DeliveryQueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	deliveryQueue := opts.DeliveryQueue
	if deliveryQueue == nil {
		deliveryQueue = NewInMemoryDeliveryQueue(queueSize)
	}
	deliveryWorkers := opts.DeliveryWorkers
	if deliveryWorkers <= 0 {
		deliveryWorkers = 1
	}
	submissionDir := strings.TrimSpace(opts.SubmissionDir)
	if submissionDir == "" {
		submissionDir = filepath.Join(".sourcinghub", "submissions")
	}
	stateBackend := opts.StateBackend
	if stateBackend == nil && strings.TrimSpace(opts.StateFile) != "" {
		stateBackend = NewJSONFileStateBackend(opts.StateFile)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backendProfile := strings.ToLower(strings.TrimSpace(opts.BackendProfile))
	if backendProfile == "" {
		backendProfile = "custom"
	}
	queueCtx, queueCancel := context.WithCancel(context.Background())

	routes := map[string]RouteBackend{}
	routes[RouteLocal] = NewLocalRoute(submissionDir)
	for _, route := range opts.Routes {
		if route == nil || strings.TrimSpace(route.Name()) == "" {
			continue
		}
		routes[strings.ToLower(strings.TrimSpace(route.Name()))] = route
	}

	s := &Store{
		tenants:             map[string]*tenantState{},
		submissions:         map[string]*SubmissionPackage{},
		stateBackend:        stateBackend,
		deliveryQueue:       deliveryQueue,
		queuedDeliveries:    map[string]struct{}{},
		delivering:          map[string]struct{}{},
		polling:             map[string]struct{}{},
		remote:              opts.Remote,
		routes:              routes,
		validator:           newSubmissionValidator(),
		metaCache:           map[string]RemoteTableDefinition{},
		subscribers:         map[uint64]chan HubEvent{},
		logger:              logger,
		pageSize:            pageSize,
		maxPages:            opts.MaxPages,
		maxRecords:          opts.MaxRecords,
		maxDeliveryAttempts: maxDeliveryAttempts,
		deliveryRetryDelay:  deliveryRetryDelay,
		maxAttachments:      maxAttachments,
		maxEventHistory:     maxEventHistory,
		submissionDir:       submissionDir,
		backendProfile:      backendProfile,
		closed:              make(chan struct{}),
		queueCtx:            queueCtx,
		queueCancel:         queueCancel,
	}
	s.seedQueuedDeliveriesFromQueue()
	if err := s.loadFromDisk(); err != nil {
		s.logger.Error("failed to load persisted state", "error", err)
	}
	if !opts.DisableWorkers {
		s.wg.Add(deliveryWorkers)
		for i := 0; i < deliveryWorkers; i++ {
			go func() {
				defer s.wg.Done()
				s.deliveryWorker()
			}()
		}
		s.resumePendingDeliveries()
	}
	return s
}

func (s *Store) seedQueuedDeliveriesFromQueue() {
	if s.deliveryQueue == nil {
		return
	}
	if snapshotter, ok := s.deliveryQueue.(deliveryQueueSnapshotter); ok {
		for _, item := range snapshotter.SnapshotDeliveries() {
			key := submissionKey(item.TenantID, item.SubmissionID)
			if key == "|" {
				continue
			}
			s.queuedDeliveries[key] = struct{}{}
		}
	}
}

// resumePendingDeliveries re-enqueues submissions that were pending (or
// caught mid-build) when the previous process stopped.
func (s *Store) resumePendingDeliveries() {
	s.mu.Lock()
	type delayed struct {
		item  DeliveryQueueItem
		delay time.Duration
	}
	ready := make([]DeliveryQueueItem, 0)
	scheduled := make([]delayed, 0)
	for _, pkg := range s.submissions {
		if pkg.Status != SubmissionPending {
			continue
		}
		item := DeliveryQueueItem{
			TenantID:      pkg.TenantID,
			SubmissionID:  pkg.ID,
			CorrelationID: pkg.CorrelationID,
		}
		if pkg.NextAttemptAt != nil {
			if nextAt, err := time.Parse(time.RFC3339Nano, *pkg.NextAttemptAt); err == nil {
				if until := time.Until(nextAt); until > 0 {
					scheduled = append(scheduled, delayed{item: item, delay: until})
					continue
				}
			}
		}
		ready = append(ready, item)
	}
	s.mu.Unlock()
	for _, item := range ready {
		s.enqueueDelivery(item)
	}
	for _, d := range scheduled {
		s.scheduleDeliveryRetry(d.item, d.delay)
	}
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.queueCancel != nil {
			s.queueCancel()
		}
		if s.deliveryQueue != nil {
			_ = s.deliveryQueue.Close()
		}
		if closer, ok := s.stateBackend.(stateBackendCloser); ok && closer != nil {
			_ = closer.Close()
		}
		s.wg.Wait()
		s.subsMu.Lock()
		for id, ch := range s.subscribers {
			close(ch)
			delete(s.subscribers, id)
		}
		s.subsMu.Unlock()
	})
}

// RegisterTables replaces the tenant's registered table set. The new list is
// authoritative; rows and cursors of dropped tables are retained.
func (s *Store) RegisterTables(tenantID string, tables []string) ([]string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	cleaned := make([]string, 0, len(tables))
	seen := map[string]struct{}{}
	var problems []string
	for _, raw := range tables {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		if !logicalTableNameRe.MatchString(name) {
			problems = append(problems, fmt.Sprintf("invalid table name %q", raw))
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		cleaned = append(cleaned, name)
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Messages: problems}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("%w: at least one table name is required", ErrInvalidInput)
	}
	sort.Strings(cleaned)

	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.ensureTenantLocked(tenantID)
	ts.Tables = cleaned
	if err := s.saveLocked(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	out := make([]string, len(cleaned))
	copy(out, cleaned)
	return out, nil
}

func (s *Store) ListTables(tenantID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.tenants[strings.TrimSpace(tenantID)]
	if !ok || len(ts.Tables) == 0 {
		return []string{}
	}
	out := make([]string, len(ts.Tables))
	copy(out, ts.Tables)
	return out
}

// ReadRows lists stored rows for one table ordered by ModifiedAt then
// RemoteID. since filters to rows modified strictly after the watermark.
func (s *Store) ReadRows(tenantID, table string, limit int, since string) []Row {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	table = strings.ToLower(strings.TrimSpace(table))

	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.tenants[strings.TrimSpace(tenantID)]
	if !ok {
		return []Row{}
	}
	byID, ok := ts.Rows[table]
	if !ok {
		return []Row{}
	}
	rows := make([]Row, 0, len(byID))
	for _, row := range byID {
		if since != "" && !watermarkAfter(row.ModifiedAt, since) {
			continue
		}
		rows = append(rows, cloneRow(row))
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ModifiedAt != rows[j].ModifiedAt {
			return watermarkAfter(rows[j].ModifiedAt, rows[i].ModifiedAt)
		}
		return rows[i].RemoteID < rows[j].RemoteID
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// ExportRowsCSV renders all stored rows of one table as CSV. Columns are
// remote_id, modified_at, then the sorted union of scalar payload keys.
// OData annotation keys are skipped.
func (s *Store) ExportRowsCSV(tenantID, table string) ([]byte, error) {
	table = strings.ToLower(strings.TrimSpace(table))

	s.mu.RLock()
	ts, ok := s.tenants[strings.TrimSpace(tenantID)]
	var rows []Row
	if ok {
		if byID, found := ts.Rows[table]; found {
			rows = make([]Row, 0, len(byID))
			for _, row := range byID {
				rows = append(rows, cloneRow(row))
			}
		}
	}
	s.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ModifiedAt != rows[j].ModifiedAt {
			return watermarkAfter(rows[j].ModifiedAt, rows[i].ModifiedAt)
		}
		return rows[i].RemoteID < rows[j].RemoteID
	})

	keySet := map[string]struct{}{}
	for _, row := range rows {
		for key := range row.Payload {
			if strings.Contains(key, "@") {
				continue
			}
			keySet[key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(keySet))
	for key := range keySet {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := append([]string{"remote_id", "modified_at"}, keys...)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, row := range rows {
		record := make([]string, 0, len(header))
		record = append(record, row.RemoteID, row.ModifiedAt)
		for _, key := range keys {
			record = append(record, csvCell(row.Payload[key]))
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Store) GetSyncOverview(tenantID string) SyncOverview {
	tenantID = strings.TrimSpace(tenantID)
	overview := SyncOverview{TenantID: tenantID, Tables: []TableSyncStatus{}}

	s.mu.RLock()
	ts, ok := s.tenants[tenantID]
	if !ok {
		s.mu.RUnlock()
		return overview
	}
	registered := map[string]bool{}
	names := make([]string, 0, len(ts.Tables))
	for _, table := range ts.Tables {
		registered[table] = true
		names = append(names, table)
	}
	for table := range ts.Rows {
		if !registered[table] {
			names = append(names, table)
		}
	}
	sort.Strings(names)
	for _, table := range names {
		status := TableSyncStatus{
			Table:      table,
			Registered: registered[table],
			Cursor:     ts.Cursors[table],
			RowCount:   len(ts.Rows[table]),
		}
		overview.Tables = append(overview.Tables, status)
	}
	s.mu.RUnlock()

	s.pollMu.Lock()
	for i := range overview.Tables {
		_, active := s.polling[pollKey(tenantID, overview.Tables[i].Table)]
		overview.Tables[i].Polling = active
	}
	s.pollMu.Unlock()
	return overview
}

// TestConnection exercises the token path plus one identity call against the
// remote source.
func (s *Store) TestConnection(ctx context.Context, tenantID string) (ConnectivityResult, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ConnectivityResult{}, fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	if s.remote == nil {
		return ConnectivityResult{}, fmt.Errorf("%w: no remote source configured", ErrInvalidState)
	}
	identity, err := s.remote.WhoAmI(ctx, tenantID)
	if err != nil {
		return ConnectivityResult{}, err
	}
	return ConnectivityResult{
		UserID:         identity.UserID,
		BusinessUnitID: identity.BusinessUnitID,
		OrganizationID: identity.OrganizationID,
	}, nil
}

// DiscoverTables lists the remote table definitions visible to the tenant.
func (s *Store) DiscoverTables(ctx context.Context, tenantID string) ([]RemoteTableDefinition, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	if s.remote == nil {
		return nil, fmt.Errorf("%w: no remote source configured", ErrInvalidState)
	}
	return s.remote.ListTableDefinitions(ctx, tenantID)
}

func (s *Store) GetBackendStatus() BackendStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stateBackendType := "none"
	if s.stateBackend != nil {
		stateBackendType = fmt.Sprintf("%T", s.stateBackend)
	}
	queueType := "none"
	queueDepth := 0
	queueCap := 0
	if s.deliveryQueue != nil {
		queueType = fmt.Sprintf("%T", s.deliveryQueue)
		queueDepth = s.deliveryQueue.Depth()
		queueCap = s.deliveryQueue.Capacity()
	}
	return BackendStatus{
		BackendProfile:     s.backendProfile,
		StateBackend:       stateBackendType,
		DeliveryQueue:      queueType,
		DeliveryQueueDepth: queueDepth,
		DeliveryQueueCap:   queueCap,
	}
}

func (s *Store) ensureTenantLocked(tenantID string) *tenantState {
	ts, ok := s.tenants[tenantID]
	if !ok {
		ts = &tenantState{
			Tables:  []string{},
			Cursors: map[string]string{},
			Rows:    map[string]map[string]Row{},
		}
		s.tenants[tenantID] = ts
	}
	return ts
}

// upsertRowLocked applies one row. Returns false when an already stored copy
// is newer than the incoming one.
func (s *Store) upsertRowLocked(ts *tenantState, table string, row Row) bool {
	byID, ok := ts.Rows[table]
	if !ok {
		byID = map[string]Row{}
		ts.Rows[table] = byID
	}
	if existing, exists := byID[row.RemoteID]; exists {
		if existing.ModifiedAt != "" && row.ModifiedAt != "" && watermarkAfter(existing.ModifiedAt, row.ModifiedAt) {
			return false
		}
	}
	row.IngestedAt = time.Now().UTC().Format(time.RFC3339Nano)
	byID[row.RemoteID] = row
	return true
}

func (s *Store) loadFromDisk() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if snapshot.Tenants != nil {
		s.tenants = snapshot.Tenants
		for _, ts := range s.tenants {
			if ts.Tables == nil {
				ts.Tables = []string{}
			}
			if ts.Cursors == nil {
				ts.Cursors = map[string]string{}
			}
			if ts.Rows == nil {
				ts.Rows = map[string]map[string]Row{}
			}
		}
	}
	if snapshot.Submissions != nil {
		s.submissions = snapshot.Submissions
		for _, pkg := range s.submissions {
			// A package caught mid-build or mid-dispatch restarts its attempt.
			if pkg.Status == SubmissionBuilt {
				pkg.Status = SubmissionPending
			}
		}
	}
	if snapshot.RecentEvents != nil {
		s.recentEvents = snapshot.RecentEvents
	}
	s.eventCounter = snapshot.EventCounter
	return nil
}

func (s *Store) saveLocked() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot := persistedState{
		EventCounter: s.eventCounter,
		Tenants:      s.tenants,
		Submissions:  s.submissions,
		RecentEvents: s.recentEvents,
	}
	return s.stateBackend.Save(&snapshot)
}

func submissionKey(tenantID, submissionID string) string {
	return tenantID + "|" + submissionID
}

func pollKey(tenantID, table string) string {
	return tenantID + "|" + table
}

func cloneRow(row Row) Row {
	clone := row
	if row.Payload != nil {
		payload := make(map[string]any, len(row.Payload))
		for k, v := range row.Payload {
			payload[k] = v
		}
		clone.Payload = payload
	}
	return clone
}

// watermarkAfter reports whether a is strictly later than b. Timestamps are
// compared as instants when both parse; otherwise lexically, which is correct
// for same-format Zulu strings.
func watermarkAfter(a, b string) bool {
	if a == "" {
		return false
	}
	if b == "" {
		return true
	}
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA == nil && errB == nil {
		return ta.After(tb)
	}
	return a > b
}

func laterWatermark(a, b string) string {
	if watermarkAfter(b, a) {
		return b
	}
	return a
}

func csvCell(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64, float32, int, int64, int32, json.Number:
		return fmt.Sprintf("%v", v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
