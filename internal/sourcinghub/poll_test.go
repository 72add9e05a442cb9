package sourcinghub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestPollIncrementalAdvancesCursor(t *testing.T) {
	remote := newFakeRemote()
	remote.setRecords("accounts", []map[string]any{
		{"accountid": "a_1", "name": "Acme", "modifiedon": "2026-03-01T10:00:00Z"},
		{"accountid": "a_2", "name": "Globex", "modifiedon": "2026-03-01T11:30:00Z"},
		{"accountid": "a_3", "name": "Initech", "modifiedon": "2026-03-01T09:15:00Z"},
	})
	store := NewStoreWithOptions(StoreOptions{Remote: remote})
	t.Cleanup(store.Close)
	if _, err := store.RegisterTables("tn_1", []string{"account"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	results, err := store.Poll(context.Background(), "tn_1", PollOptions{})
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	first := results["account"]
	if first.Error != "" {
		t.Fatalf("unexpected poll error: %s", first.Error)
	}
	if first.Fetched != 3 {
		t.Fatalf("expected 3 fetched rows, got %d", first.Fetched)
	}
	if first.Cursor != "2026-03-01T11:30:00Z" {
		t.Fatalf("expected cursor to land on the latest modifiedon, got %q", first.Cursor)
	}

	results, err = store.Poll(context.Background(), "tn_1", PollOptions{})
	if err != nil {
		t.Fatalf("second poll failed: %v", err)
	}
	second := results["account"]
	if second.Fetched != 0 {
		t.Fatalf("expected incremental poll to fetch nothing, got %d", second.Fetched)
	}
	if second.Cursor != first.Cursor {
		t.Fatalf("expected cursor to hold at %q, got %q", first.Cursor, second.Cursor)
	}
	lastQuery := remote.lastFreshQuery()
	if lastQuery.Since != first.Cursor {
		t.Fatalf("expected second poll to query since %q, got %q", first.Cursor, lastQuery.Since)
	}

	remote.addRecord("accounts", map[string]any{
		"accountid": "a_4", "name": "Umbrella", "modifiedon": "2026-03-02T08:00:00Z",
	})
	results, err = store.Poll(context.Background(), "tn_1", PollOptions{})
	if err != nil {
		t.Fatalf("third poll failed: %v", err)
	}
	third := results["account"]
	if third.Fetched != 1 {
		t.Fatalf("expected only the new row, got %d", third.Fetched)
	}
	if third.Cursor != "2026-03-02T08:00:00Z" {
		t.Fatalf("expected cursor to advance to the new row, got %q", third.Cursor)
	}
	if rows := store.ReadRows("tn_1", "account", 0, ""); len(rows) != 4 {
		t.Fatalf("expected 4 stored rows, got %d", len(rows))
	}
}

func TestPollForceFullReplacesCursor(t *testing.T) {
	remote := newFakeRemote()
	remote.setRecords("accounts", []map[string]any{
		{"accountid": "a_1", "name": "Acme", "modifiedon": "2026-03-01T10:00:00Z"},
	})
	store := NewStoreWithOptions(StoreOptions{Remote: remote})
	t.Cleanup(store.Close)
	if _, err := store.RegisterTables("tn_1", []string{"account"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := store.Poll(context.Background(), "tn_1", PollOptions{}); err != nil {
		t.Fatalf("seed poll failed: %v", err)
	}

	remote.setRecords("accounts", []map[string]any{
		{"accountid": "a_1", "name": "Acme Updated", "modifiedon": "2026-03-05T12:00:00Z"},
	})
	results, err := store.Poll(context.Background(), "tn_1", PollOptions{ForceFull: true})
	if err != nil {
		t.Fatalf("force full poll failed: %v", err)
	}
	full := results["account"]
	if full.Fetched != 1 {
		t.Fatalf("expected full refresh to fetch everything, got %d", full.Fetched)
	}
	if query := remote.lastFreshQuery(); query.Since != "" {
		t.Fatalf("expected force full to ignore the stored cursor, got since %q", query.Since)
	}
	if full.Cursor != "2026-03-05T12:00:00Z" {
		t.Fatalf("expected rebuilt cursor, got %q", full.Cursor)
	}

	remote.setRecords("accounts", nil)
	results, err = store.Poll(context.Background(), "tn_1", PollOptions{ForceFull: true})
	if err != nil {
		t.Fatalf("empty force full poll failed: %v", err)
	}
	if cleared := results["account"]; cleared.Cursor != "" {
		t.Fatalf("expected cursor cleared when the remote table is empty, got %q", cleared.Cursor)
	}
	overview := store.GetSyncOverview("tn_1")
	if len(overview.Tables) != 1 || overview.Tables[0].Cursor != "" {
		t.Fatalf("expected overview to show no cursor, got %+v", overview.Tables)
	}
}

func TestPollPaginatesThroughNextLink(t *testing.T) {
	remote := newFakeRemote()
	remote.pageLimit = 2
	remote.setRecords("accounts", []map[string]any{
		{"accountid": "a_1", "modifiedon": "2026-03-01T01:00:00Z"},
		{"accountid": "a_2", "modifiedon": "2026-03-01T02:00:00Z"},
		{"accountid": "a_3", "modifiedon": "2026-03-01T03:00:00Z"},
		{"accountid": "a_4", "modifiedon": "2026-03-01T04:00:00Z"},
		{"accountid": "a_5", "modifiedon": "2026-03-01T05:00:00Z"},
	})
	store := NewStoreWithOptions(StoreOptions{Remote: remote})
	t.Cleanup(store.Close)
	if _, err := store.RegisterTables("tn_1", []string{"account"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	results, err := store.Poll(context.Background(), "tn_1", PollOptions{})
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	result := results["account"]
	if result.Fetched != 5 {
		t.Fatalf("expected all pages to drain, got %d rows", result.Fetched)
	}
	if result.Pages != 3 {
		t.Fatalf("expected 3 pages at page size 2, got %d", result.Pages)
	}
	if result.Cursor != "2026-03-01T05:00:00Z" {
		t.Fatalf("expected cursor from the final page, got %q", result.Cursor)
	}
}

func TestPollStopsAtPageCap(t *testing.T) {
	remote := newFakeRemote()
	remote.pageLimit = 1
	remote.setRecords("accounts", []map[string]any{
		{"accountid": "a_1", "modifiedon": "2026-03-01T01:00:00Z"},
		{"accountid": "a_2", "modifiedon": "2026-03-01T02:00:00Z"},
		{"accountid": "a_3", "modifiedon": "2026-03-01T03:00:00Z"},
	})
	store := NewStoreWithOptions(StoreOptions{Remote: remote, MaxPages: 2})
	t.Cleanup(store.Close)
	if _, err := store.RegisterTables("tn_1", []string{"account"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	results, err := store.Poll(context.Background(), "tn_1", PollOptions{})
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	result := results["account"]
	if result.Pages != 2 {
		t.Fatalf("expected poll to stop at the page cap, got %d pages", result.Pages)
	}
	if result.Fetched != 2 {
		t.Fatalf("expected 2 rows under the cap, got %d", result.Fetched)
	}
	// The cursor only covers what was stored, so the next incremental poll
	// picks up the truncated remainder.
	if result.Cursor != "2026-03-01T02:00:00Z" {
		t.Fatalf("expected cursor at the last stored page, got %q", result.Cursor)
	}
	results, err = store.Poll(context.Background(), "tn_1", PollOptions{})
	if err != nil {
		t.Fatalf("follow-up poll failed: %v", err)
	}
	if follow := results["account"]; follow.Fetched != 1 {
		t.Fatalf("expected follow-up poll to drain the remainder, got %d", follow.Fetched)
	}
}

func TestPollStorageFailureDoesNotAdvanceCursor(t *testing.T) {
	remote := newFakeRemote()
	remote.setRecords("accounts", []map[string]any{
		{"accountid": "a_1", "modifiedon": "2026-03-01T10:00:00Z"},
	})
	backend := &flakyStateBackend{}
	store := NewStoreWithOptions(StoreOptions{Remote: remote, StateBackend: backend})
	t.Cleanup(store.Close)
	if _, err := store.RegisterTables("tn_1", []string{"account"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := store.Poll(context.Background(), "tn_1", PollOptions{}); err != nil {
		t.Fatalf("seed poll failed: %v", err)
	}
	overview := store.GetSyncOverview("tn_1")
	if overview.Tables[0].Cursor != "2026-03-01T10:00:00Z" {
		t.Fatalf("expected seeded cursor, got %q", overview.Tables[0].Cursor)
	}

	backend.failFromNow()
	remote.addRecord("accounts", map[string]any{
		"accountid": "a_2", "modifiedon": "2026-03-02T10:00:00Z",
	})
	results, err := store.Poll(context.Background(), "tn_1", PollOptions{})
	if err != nil {
		t.Fatalf("poll call failed: %v", err)
	}
	result := results["account"]
	if result.ErrorKind != KindStorage {
		t.Fatalf("expected storage error kind, got %q (%s)", result.ErrorKind, result.Error)
	}
	overview = store.GetSyncOverview("tn_1")
	if overview.Tables[0].Cursor != "2026-03-01T10:00:00Z" {
		t.Fatalf("expected cursor to hold after storage failure, got %q", overview.Tables[0].Cursor)
	}

	backend.heal()
	results, err = store.Poll(context.Background(), "tn_1", PollOptions{})
	if err != nil {
		t.Fatalf("recovery poll failed: %v", err)
	}
	if recovered := results["account"]; recovered.Fetched != 1 || recovered.Cursor != "2026-03-02T10:00:00Z" {
		t.Fatalf("expected the failed page to be re-read, got %+v", recovered)
	}
}

func TestPollIsolatesTableFailures(t *testing.T) {
	remote := newFakeRemote()
	remote.setRecords("accounts", []map[string]any{
		{"accountid": "a_1", "modifiedon": "2026-03-01T10:00:00Z"},
	})
	remote.failDefinition("msdyn_rfp", &RemoteError{StatusCode: 404, Code: "0x80060888", Message: "entity not found"})
	store := NewStoreWithOptions(StoreOptions{Remote: remote})
	t.Cleanup(store.Close)
	if _, err := store.RegisterTables("tn_1", []string{"account", "msdyn_rfp"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	results, err := store.Poll(context.Background(), "tn_1", PollOptions{})
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected one result per registered table, got %d", len(results))
	}
	good := results["account"]
	if good.Error != "" || good.Fetched != 1 {
		t.Fatalf("expected healthy table to sync, got %+v", good)
	}
	bad := results["msdyn_rfp"]
	if bad.ErrorKind != KindPermanentRemote {
		t.Fatalf("expected permanent remote kind for the broken table, got %q (%s)", bad.ErrorKind, bad.Error)
	}
}

func TestPollRejectsUnregisteredTable(t *testing.T) {
	store := NewStoreWithOptions(StoreOptions{Remote: newFakeRemote()})
	t.Cleanup(store.Close)
	if _, err := store.RegisterTables("tn_1", []string{"account"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	_, err := store.Poll(context.Background(), "tn_1", PollOptions{Table: "contact"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unregistered table, got %v", err)
	}
}

func TestPollWithoutRegisteredTablesReturnsEmptyResult(t *testing.T) {
	store := NewStoreWithOptions(StoreOptions{Remote: newFakeRemote()})
	t.Cleanup(store.Close)
	results, err := store.Poll(context.Background(), "tn_1", PollOptions{})
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty result map, got %d entries", len(results))
	}
}

func TestPollOverlapReportsConflict(t *testing.T) {
	remote := newFakeRemote()
	remote.setRecords("accounts", []map[string]any{
		{"accountid": "a_1", "modifiedon": "2026-03-01T10:00:00Z"},
	})
	release := make(chan struct{})
	remote.blockQueries(release)
	store := NewStoreWithOptions(StoreOptions{Remote: remote})
	t.Cleanup(store.Close)
	if _, err := store.RegisterTables("tn_1", []string{"account"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	firstDone := make(chan map[string]TableResult, 1)
	go func() {
		results, err := store.Poll(context.Background(), "tn_1", PollOptions{})
		if err != nil {
			firstDone <- map[string]TableResult{"account": {Error: err.Error()}}
			return
		}
		firstDone <- results
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		overview := store.GetSyncOverview("tn_1")
		if len(overview.Tables) == 1 && overview.Tables[0].Polling {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("first poll never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}

	results, err := store.Poll(context.Background(), "tn_1", PollOptions{})
	if err != nil {
		t.Fatalf("overlapping poll call failed: %v", err)
	}
	if conflict := results["account"]; conflict.ErrorKind != KindConflict {
		t.Fatalf("expected conflict for the overlapping poll, got %+v", conflict)
	}

	close(release)
	select {
	case results := <-firstDone:
		if first := results["account"]; first.Fetched != 1 || first.Error != "" {
			t.Fatalf("expected first poll to finish cleanly, got %+v", first)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("first poll did not finish after release")
	}
}

func TestPollDropsRecordsWithoutPrimaryID(t *testing.T) {
	remote := newFakeRemote()
	remote.setRecords("accounts", []map[string]any{
		{"accountid": "a_1", "modifiedon": "2026-03-01T10:00:00Z"},
		{"name": "orphan row", "modifiedon": "2026-03-01T11:00:00Z"},
	})
	store := NewStoreWithOptions(StoreOptions{Remote: remote})
	t.Cleanup(store.Close)
	if _, err := store.RegisterTables("tn_1", []string{"account"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	results, err := store.Poll(context.Background(), "tn_1", PollOptions{})
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if result := results["account"]; result.Fetched != 2 {
		t.Fatalf("expected fetched to count raw records, got %d", result.Fetched)
	}
	if rows := store.ReadRows("tn_1", "account", 0, ""); len(rows) != 1 {
		t.Fatalf("expected only the identified row to be stored, got %d", len(rows))
	}
}

func TestPollSinceOverrideIsForwarded(t *testing.T) {
	remote := newFakeRemote()
	remote.setRecords("accounts", []map[string]any{
		{"accountid": "a_1", "modifiedon": "2026-03-01T10:00:00Z"},
		{"accountid": "a_2", "modifiedon": "2026-03-03T10:00:00Z"},
	})
	store := NewStoreWithOptions(StoreOptions{Remote: remote})
	t.Cleanup(store.Close)
	if _, err := store.RegisterTables("tn_1", []string{"account"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	results, err := store.Poll(context.Background(), "tn_1", PollOptions{Since: "2026-03-02T00:00:00Z"})
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if result := results["account"]; result.Fetched != 1 {
		t.Fatalf("expected the since override to filter, got %d rows", result.Fetched)
	}
	if query := remote.lastFreshQuery(); query.Since != "2026-03-02T00:00:00Z" {
		t.Fatalf("expected since override to reach the remote, got %q", query.Since)
	}
}

func TestPollKeepsNewerStoredRowOnStaleUpsert(t *testing.T) {
	remote := newFakeRemote()
	remote.setRecords("accounts", []map[string]any{
		{"accountid": "a_1", "name": "fresh", "modifiedon": "2026-03-05T10:00:00Z"},
	})
	store := NewStoreWithOptions(StoreOptions{Remote: remote})
	t.Cleanup(store.Close)
	if _, err := store.RegisterTables("tn_1", []string{"account"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := store.Poll(context.Background(), "tn_1", PollOptions{}); err != nil {
		t.Fatalf("seed poll failed: %v", err)
	}

	// A full refresh serving a stale copy must not clobber the newer row.
	remote.setRecords("accounts", []map[string]any{
		{"accountid": "a_1", "name": "stale", "modifiedon": "2026-03-01T10:00:00Z"},
	})
	if _, err := store.Poll(context.Background(), "tn_1", PollOptions{ForceFull: true}); err != nil {
		t.Fatalf("force full poll failed: %v", err)
	}
	rows := store.ReadRows("tn_1", "account", 0, "")
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	if rows[0].Payload["name"] != "fresh" {
		t.Fatalf("expected the newer payload to survive, got %v", rows[0].Payload["name"])
	}
}

type fakeRemote struct {
	mu        sync.Mutex
	records   map[string][]map[string]any
	defs      map[string]RemoteTableDefinition
	defErrs   map[string]error
	queryErr  error
	queries   []RemoteQuery
	identity  RemoteIdentity
	pageLimit int
	block     chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		records:  map[string][]map[string]any{},
		defs:     map[string]RemoteTableDefinition{},
		defErrs:  map[string]error{},
		identity: RemoteIdentity{UserID: "user_1", BusinessUnitID: "bu_1", OrganizationID: "org_1"},
	}
}

func (f *fakeRemote) setRecords(entitySet string, records []map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[entitySet] = records
}

func (f *fakeRemote) addRecord(entitySet string, record map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[entitySet] = append(f.records[entitySet], record)
}

func (f *fakeRemote) failDefinition(table string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defErrs[table] = err
}

func (f *fakeRemote) blockQueries(release chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = release
}

func (f *fakeRemote) lastFreshQuery() RemoteQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.queries) - 1; i >= 0; i-- {
		if f.queries[i].NextLink == "" {
			return f.queries[i]
		}
	}
	return RemoteQuery{}
}

func (f *fakeRemote) QueryPage(ctx context.Context, tenantID string, query RemoteQuery) (RemotePage, error) {
	_ = tenantID
	f.mu.Lock()
	f.queries = append(f.queries, query)
	block := f.block
	queryErr := f.queryErr
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return RemotePage{}, ctx.Err()
		}
	}
	if queryErr != nil {
		return RemotePage{}, queryErr
	}

	entitySet := query.EntitySet
	since := query.Since
	offset := 0
	if query.NextLink != "" {
		parts := strings.Split(query.NextLink, "|")
		if len(parts) != 4 || parts[0] != "link" {
			return RemotePage{}, fmt.Errorf("malformed continuation %q", query.NextLink)
		}
		entitySet = parts[1]
		since = parts[2]
		parsed, err := strconv.Atoi(parts[3])
		if err != nil {
			return RemotePage{}, fmt.Errorf("malformed continuation offset %q", parts[3])
		}
		offset = parsed
	}

	f.mu.Lock()
	matching := make([]map[string]any, 0, len(f.records[entitySet]))
	for _, record := range f.records[entitySet] {
		modified, _ := record["modifiedon"].(string)
		if since != "" && modified <= since {
			continue
		}
		matching = append(matching, record)
	}
	limit := f.pageLimit
	f.mu.Unlock()

	sort.SliceStable(matching, func(i, j int) bool {
		a, _ := matching[i]["modifiedon"].(string)
		b, _ := matching[j]["modifiedon"].(string)
		return a < b
	})
	if limit <= 0 {
		limit = len(matching)
	}
	if offset > len(matching) {
		offset = len(matching)
	}
	end := offset + limit
	if end > len(matching) {
		end = len(matching)
	}
	page := RemotePage{Records: matching[offset:end]}
	if end < len(matching) {
		page.NextLink = fmt.Sprintf("link|%s|%s|%d", entitySet, since, end)
	}
	return page, nil
}

func (f *fakeRemote) TableDefinition(ctx context.Context, tenantID, table string) (RemoteTableDefinition, error) {
	_ = ctx
	_ = tenantID
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.defErrs[table]; ok {
		return RemoteTableDefinition{}, err
	}
	if def, ok := f.defs[table]; ok {
		return def, nil
	}
	return RemoteTableDefinition{
		LogicalName:        table,
		EntitySetName:      table + "s",
		PrimaryIDAttribute: table + "id",
	}, nil
}

func (f *fakeRemote) ListTableDefinitions(ctx context.Context, tenantID string) ([]RemoteTableDefinition, error) {
	_ = ctx
	_ = tenantID
	f.mu.Lock()
	defer f.mu.Unlock()
	defs := make([]RemoteTableDefinition, 0, len(f.defs))
	for _, def := range f.defs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].LogicalName < defs[j].LogicalName })
	return defs, nil
}

func (f *fakeRemote) WhoAmI(ctx context.Context, tenantID string) (RemoteIdentity, error) {
	_ = ctx
	_ = tenantID
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity, nil
}

// flakyStateBackend accepts saves until told to fail, for exercising the
// cursor rollback path.
type flakyStateBackend struct {
	mu      sync.Mutex
	failing bool
}

func (b *flakyStateBackend) Load() (*persistedState, error) { return nil, nil }

func (b *flakyStateBackend) Save(state *persistedState) error {
	_ = state
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return errors.New("disk full")
	}
	return nil
}

func (b *flakyStateBackend) failFromNow() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing = true
}

func (b *flakyStateBackend) heal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing = false
}
