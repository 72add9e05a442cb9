package sourcinghub

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// RemoteQuery describes one page request against the remote source. When
// NextLink is set it is the absolute continuation URL and the other query
// fields are ignored.
type RemoteQuery struct {
	EntitySet string
	Columns   []string
	Since     string
	PageSize  int
	NextLink  string
}

type RemotePage struct {
	Records  []map[string]any
	NextLink string
}

type RemoteTableDefinition struct {
	LogicalName          string `json:"logicalName"`
	EntitySetName        string `json:"entitySetName"`
	PrimaryIDAttribute   string `json:"primaryIdAttribute"`
	PrimaryNameAttribute string `json:"primaryNameAttribute,omitempty"`
}

type RemoteIdentity struct {
	UserID         string `json:"userId"`
	BusinessUnitID string `json:"businessUnitId"`
	OrganizationID string `json:"organizationId"`
}

// RemoteSource is the read side of the remote system: paged row queries,
// table metadata, and an identity probe.
type RemoteSource interface {
	QueryPage(ctx context.Context, tenantID string, query RemoteQuery) (RemotePage, error)
	TableDefinition(ctx context.Context, tenantID, table string) (RemoteTableDefinition, error)
	ListTableDefinitions(ctx context.Context, tenantID string) ([]RemoteTableDefinition, error)
	WhoAmI(ctx context.Context, tenantID string) (RemoteIdentity, error)
}

type PollOptions struct {
	// Table limits the poll to one registered table.
	Table string
	// ForceFull ignores the stored cursor and re-reads every row.
	ForceFull bool
	// Since overrides the stored cursor with an explicit watermark. Ignored
	// when ForceFull is set.
	Since         string
	Columns       []string
	CorrelationID string
}

type TableResult struct {
	Fetched   int       `json:"fetchedCount"`
	Pages     int       `json:"pages,omitempty"`
	Cursor    string    `json:"cursor,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"errorKind,omitempty"`
}

// Poll runs an incremental sync for the tenant's registered tables. Tables
// run concurrently and fail independently; the returned map always has one
// entry per targeted table.
func (s *Store) Poll(ctx context.Context, tenantID string, opts PollOptions) (map[string]TableResult, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	if s.remote == nil {
		return nil, fmt.Errorf("%w: no remote source configured", ErrInvalidState)
	}

	registered := s.ListTables(tenantID)
	var targets []string
	if table := strings.ToLower(strings.TrimSpace(opts.Table)); table != "" {
		found := false
		for _, t := range registered {
			if t == table {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: table %s is not registered for tenant %s", ErrNotFound, table, tenantID)
		}
		targets = []string{table}
	} else {
		targets = registered
	}
	results := make(map[string]TableResult, len(targets))
	if len(targets) == 0 {
		return results, nil
	}

	// Claim per-table poll slots up front so overlapping requests observe a
	// conflict instead of racing the same cursor.
	claimed := make([]string, 0, len(targets))
	s.pollMu.Lock()
	for _, table := range targets {
		key := pollKey(tenantID, table)
		if _, busy := s.polling[key]; busy {
			results[table] = TableResult{
				Error:     ErrPollInProgress.Error(),
				ErrorKind: KindConflict,
			}
			continue
		}
		s.polling[key] = struct{}{}
		claimed = append(claimed, table)
	}
	s.pollMu.Unlock()

	var (
		wg       sync.WaitGroup
		resultMu sync.Mutex
	)
	for _, table := range claimed {
		wg.Add(1)
		go func(table string) {
			defer wg.Done()
			defer func() {
				s.pollMu.Lock()
				delete(s.polling, pollKey(tenantID, table))
				s.pollMu.Unlock()
			}()
			result := s.pollTable(ctx, tenantID, table, opts)
			resultMu.Lock()
			results[table] = result
			resultMu.Unlock()
		}(table)
	}
	wg.Wait()
	return results, nil
}

func (s *Store) pollTable(ctx context.Context, tenantID, table string, opts PollOptions) TableResult {
	s.publish(HubEvent{
		Type:          EventPollStarted,
		TenantID:      tenantID,
		Table:         table,
		CorrelationID: opts.CorrelationID,
		Detail:        map[string]any{"forceFull": opts.ForceFull},
	})

	def, err := s.resolveTableDefinition(ctx, tenantID, table)
	if err != nil {
		return s.pollFailed(tenantID, table, opts.CorrelationID, 0, err)
	}

	s.mu.RLock()
	storedCursor := ""
	if ts, ok := s.tenants[tenantID]; ok {
		storedCursor = ts.Cursors[table]
	}
	s.mu.RUnlock()

	since := storedCursor
	if opts.ForceFull {
		since = ""
	} else if strings.TrimSpace(opts.Since) != "" {
		since = strings.TrimSpace(opts.Since)
	}

	var (
		fetched   int
		pages     int
		nextLink  string
		cursor    = storedCursor
		firstPage = true
	)
	for {
		page, err := s.remote.QueryPage(ctx, tenantID, RemoteQuery{
			EntitySet: def.EntitySetName,
			Columns:   opts.Columns,
			Since:     since,
			PageSize:  s.pageSize,
			NextLink:  nextLink,
		})
		if err != nil {
			return s.pollFailed(tenantID, table, opts.CorrelationID, fetched, err)
		}
		pages++
		fetched += len(page.Records)

		rows, pageMax := recordsToRows(page.Records, def.PrimaryIDAttribute)
		replaceCursor := opts.ForceFull && firstPage
		newCursor, err := s.storePage(tenantID, table, rows, pageMax, replaceCursor)
		if err != nil {
			return s.pollFailed(tenantID, table, opts.CorrelationID, fetched, err)
		}
		cursor = newCursor
		firstPage = false

		nextLink = page.NextLink
		if nextLink == "" {
			break
		}
		if s.maxPages > 0 && pages >= s.maxPages {
			s.logger.Warn("poll stopped at page cap",
				"tenant", tenantID, "table", table, "pages", pages)
			break
		}
		if s.maxRecords > 0 && fetched >= s.maxRecords {
			s.logger.Warn("poll stopped at record cap",
				"tenant", tenantID, "table", table, "fetched", fetched)
			break
		}
	}

	if opts.ForceFull && fetched == 0 {
		if err := s.clearCursor(tenantID, table); err != nil {
			return s.pollFailed(tenantID, table, opts.CorrelationID, fetched, err)
		}
		cursor = ""
	}

	s.publish(HubEvent{
		Type:          EventPollCompleted,
		TenantID:      tenantID,
		Table:         table,
		CorrelationID: opts.CorrelationID,
		Detail:        map[string]any{"fetched": fetched, "pages": pages, "cursor": cursor},
	})
	s.logger.Info("poll completed",
		"tenant", tenantID, "table", table, "fetched", fetched, "pages", pages)
	return TableResult{Fetched: fetched, Pages: pages, Cursor: cursor}
}

func (s *Store) pollFailed(tenantID, table, correlationID string, fetched int, err error) TableResult {
	kind := ClassifyError(err)
	s.publish(HubEvent{
		Type:          EventPollFailed,
		TenantID:      tenantID,
		Table:         table,
		CorrelationID: correlationID,
		Detail:        map[string]any{"error": err.Error(), "kind": string(kind), "fetched": fetched},
	})
	s.logger.Error("poll failed",
		"tenant", tenantID, "table", table, "kind", string(kind), "error", err)
	return TableResult{Fetched: fetched, Error: err.Error(), ErrorKind: kind}
}

// storePage upserts one page of rows and advances the cursor, in that order,
// inside one critical section. The cursor moves only when the snapshot write
// succeeds; a failed write rolls the in-memory cursor back so the page is
// re-read next poll.
func (s *Store) storePage(tenantID, table string, rows []Row, pageMax string, replaceCursor bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.ensureTenantLocked(tenantID)
	for _, row := range rows {
		s.upsertRowLocked(ts, table, row)
	}
	prev := ts.Cursors[table]
	next := prev
	if replaceCursor {
		next = pageMax
	} else if pageMax != "" {
		next = laterWatermark(prev, pageMax)
	}
	if next == "" {
		delete(ts.Cursors, table)
	} else {
		ts.Cursors[table] = next
	}
	if err := s.saveLocked(); err != nil {
		if prev == "" {
			delete(ts.Cursors, table)
		} else {
			ts.Cursors[table] = prev
		}
		return prev, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return next, nil
}

func (s *Store) clearCursor(tenantID, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.tenants[tenantID]
	if !ok {
		return nil
	}
	prev, had := ts.Cursors[table]
	if !had {
		return nil
	}
	delete(ts.Cursors, table)
	if err := s.saveLocked(); err != nil {
		ts.Cursors[table] = prev
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// recordsToRows converts raw remote records to rows keyed by the table's
// primary id attribute and reports the latest modifiedon watermark on the
// page. Records without a usable id are dropped.
func recordsToRows(records []map[string]any, idAttribute string) ([]Row, string) {
	rows := make([]Row, 0, len(records))
	pageMax := ""
	for _, record := range records {
		id, _ := record[idAttribute].(string)
		if strings.TrimSpace(id) == "" {
			continue
		}
		modified, _ := record["modifiedon"].(string)
		rows = append(rows, Row{
			RemoteID:   id,
			Payload:    record,
			ModifiedAt: modified,
		})
		if modified != "" {
			pageMax = laterWatermark(pageMax, modified)
		}
	}
	return rows, pageMax
}

func (s *Store) resolveTableDefinition(ctx context.Context, tenantID, table string) (RemoteTableDefinition, error) {
	key := pollKey(tenantID, table)
	s.metaMu.Lock()
	def, ok := s.metaCache[key]
	s.metaMu.Unlock()
	if ok {
		return def, nil
	}
	def, err := s.remote.TableDefinition(ctx, tenantID, table)
	if err != nil {
		return RemoteTableDefinition{}, err
	}
	if def.EntitySetName == "" || def.PrimaryIDAttribute == "" {
		return RemoteTableDefinition{}, fmt.Errorf("%w: incomplete definition for table %s", ErrPermanentRemote, table)
	}
	if def.LogicalName == "" {
		def.LogicalName = table
	}
	s.metaMu.Lock()
	s.metaCache[key] = def
	s.metaMu.Unlock()
	return def, nil
}
