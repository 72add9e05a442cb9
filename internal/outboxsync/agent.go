package outboxsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SubmissionBundle is the on-disk shape of one outbox file. Attachments may
// inline content or point at a file path relative to the outbox directory.
type SubmissionBundle struct {
	TenantID      string             `json:"tenantId"`
	SubmissionID  string             `json:"submissionId"`
	Route         string             `json:"route,omitempty"`
	Answers       map[string]any     `json:"answers"`
	Attachments   []BundleAttachment `json:"attachments,omitempty"`
	CorrelationID string             `json:"correlationId,omitempty"`
}

type BundleAttachment struct {
	Name    string `json:"name,omitempty"`
	File    string `json:"file,omitempty"`
	Content []byte `json:"content,omitempty"`
}

type HubClient interface {
	PushSubmission(ctx context.Context, bundle SubmissionBundle, correlation string) (PushResult, error)
}

type AgentOptions struct {
	OutboxDir     string
	DoneDir       string
	FailedDir     string
	StateFile     string
	DefaultTenant string
	DefaultRoute  string
	MaxFileBytes  int64
	Logger        Logger
}

type Logger interface {
	Printf(format string, args ...any)
}

// Agent drains submission bundle files from a local outbox directory into the
// hub's internal intake endpoint. Files move to done/ on acceptance, failed/
// on permanent rejection, and stay in place for transient errors.
type Agent struct {
	client        HubClient
	outboxDir     string
	doneDir       string
	failedDir     string
	stateFile     string
	defaultTenant string
	defaultRoute  string
	maxFileBytes  int64
	logger        Logger
	state         outboxState
	loaded        bool
}

type outboxState struct {
	Bundles map[string]processedBundle `json:"bundles"`
}

type processedBundle struct {
	Hash         string `json:"hash"`
	SubmissionID string `json:"submissionId,omitempty"`
	Status       string `json:"status"`
	ProcessedAt  string `json:"processedAt"`
	Reason       string `json:"reason,omitempty"`
}

func NewAgent(client HubClient, opts AgentOptions) (*Agent, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	outboxRaw := strings.TrimSpace(opts.OutboxDir)
	if outboxRaw == "" {
		return nil, fmt.Errorf("outbox dir is required")
	}
	outboxDir := filepath.Clean(outboxRaw)
	doneDir := strings.TrimSpace(opts.DoneDir)
	if doneDir == "" {
		doneDir = filepath.Join(outboxDir, "done")
	}
	failedDir := strings.TrimSpace(opts.FailedDir)
	if failedDir == "" {
		failedDir = filepath.Join(outboxDir, "failed")
	}
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = filepath.Join(outboxDir, ".sourcinghub-outbox-state.json")
	}
	maxFileBytes := opts.MaxFileBytes
	if maxFileBytes <= 0 {
		maxFileBytes = 32 << 20
	}
	if err := os.MkdirAll(outboxDir, 0o755); err != nil {
		return nil, err
	}
	return &Agent{
		client:        client,
		outboxDir:     outboxDir,
		doneDir:       doneDir,
		failedDir:     failedDir,
		stateFile:     stateFile,
		defaultTenant: strings.TrimSpace(opts.DefaultTenant),
		defaultRoute:  strings.TrimSpace(opts.DefaultRoute),
		maxFileBytes:  maxFileBytes,
		logger:        opts.Logger,
		state: outboxState{
			Bundles: map[string]processedBundle{},
		},
	}, nil
}

// SyncOnce pushes every pending bundle file once. Transient push failures
// leave the file in place so the next cycle retries it.
func (a *Agent) SyncOnce(ctx context.Context) error {
	if err := a.loadState(); err != nil {
		return err
	}
	names, err := a.scanOutbox()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.processBundle(ctx, name); err != nil {
			// Transient failures abort the pass; the cycle timer retries.
			if saveErr := a.saveState(); saveErr != nil {
				a.logf("failed to save outbox state: %v", saveErr)
			}
			return err
		}
	}
	return a.saveState()
}

func (a *Agent) processBundle(ctx context.Context, name string) error {
	fullPath := filepath.Join(a.outboxDir, name)
	data, err := os.ReadFile(fullPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	hash := hashBytes(data)
	if tracked, ok := a.state.Bundles[name]; ok && tracked.Hash == hash {
		// Already pushed but the move failed; finish the move now.
		if tracked.Status == "failed" {
			return a.moveTo(a.failedDir, name)
		}
		return a.moveTo(a.doneDir, name)
	}

	bundle, err := a.parseBundle(data)
	if err != nil {
		a.logf("rejecting malformed bundle %s: %v", name, err)
		return a.markFailed(name, hash, "", err)
	}

	correlation := bundle.CorrelationID
	if correlation == "" {
		correlation = correlationID()
		bundle.CorrelationID = correlation
	}
	result, err := a.client.PushSubmission(ctx, bundle, correlation)
	if err != nil {
		if errors.Is(err, ErrRejected) {
			a.logf("hub rejected bundle %s: %v", name, err)
			return a.markFailed(name, hash, bundle.SubmissionID, err)
		}
		return fmt.Errorf("push %s: %w", name, err)
	}

	status := strings.TrimSpace(result.Status)
	if status == "" {
		status = "accepted"
	}
	a.state.Bundles[name] = processedBundle{
		Hash:         hash,
		SubmissionID: result.SubmissionID,
		Status:       status,
		ProcessedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	a.logf("pushed bundle %s as submission %s (%s)", name, result.SubmissionID, status)
	return a.moveTo(a.doneDir, name)
}

func (a *Agent) parseBundle(data []byte) (SubmissionBundle, error) {
	var bundle SubmissionBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return SubmissionBundle{}, fmt.Errorf("invalid json: %w", err)
	}
	if bundle.TenantID == "" {
		bundle.TenantID = a.defaultTenant
	}
	if bundle.TenantID == "" {
		return SubmissionBundle{}, fmt.Errorf("tenantId is required")
	}
	if strings.TrimSpace(bundle.SubmissionID) == "" {
		return SubmissionBundle{}, fmt.Errorf("submissionId is required")
	}
	if bundle.Route == "" {
		bundle.Route = a.defaultRoute
	}
	if bundle.Answers == nil {
		return SubmissionBundle{}, fmt.Errorf("answers object is required")
	}
	for i := range bundle.Attachments {
		if err := a.resolveAttachment(&bundle.Attachments[i]); err != nil {
			return SubmissionBundle{}, err
		}
	}
	return bundle, nil
}

func (a *Agent) resolveAttachment(attachment *BundleAttachment) error {
	if attachment.File == "" {
		if attachment.Name == "" {
			return fmt.Errorf("attachment needs a name")
		}
		return nil
	}
	rel := filepath.Clean(filepath.FromSlash(attachment.File))
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("attachment path %s escapes the outbox", attachment.File)
	}
	fullPath := filepath.Join(a.outboxDir, rel)
	info, err := os.Stat(fullPath)
	if err != nil {
		return fmt.Errorf("attachment %s: %w", attachment.File, err)
	}
	if info.Size() > a.maxFileBytes {
		return fmt.Errorf("attachment %s exceeds %d bytes", attachment.File, a.maxFileBytes)
	}
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return fmt.Errorf("attachment %s: %w", attachment.File, err)
	}
	attachment.Content = data
	if attachment.Name == "" {
		attachment.Name = filepath.Base(rel)
	}
	return nil
}

func (a *Agent) scanOutbox() ([]string, error) {
	entries, err := os.ReadDir(a.outboxDir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !strings.HasSuffix(strings.ToLower(name), ".json") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (a *Agent) markFailed(name, hash, submissionID string, cause error) error {
	a.state.Bundles[name] = processedBundle{
		Hash:         hash,
		SubmissionID: submissionID,
		Status:       "failed",
		ProcessedAt:  time.Now().UTC().Format(time.RFC3339),
		Reason:       cause.Error(),
	}
	if err := a.moveTo(a.failedDir, name); err != nil {
		return err
	}
	reasonPath := filepath.Join(a.failedDir, name+".reason.txt")
	if err := writeFileAtomic(reasonPath, []byte(cause.Error()+"\n"), 0o644); err != nil {
		a.logf("failed to write reason file for %s: %v", name, err)
	}
	return nil
}

func (a *Agent) moveTo(dir, name string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	src := filepath.Join(a.outboxDir, name)
	dst := filepath.Join(dir, name)
	if _, err := os.Stat(dst); err == nil {
		dst = filepath.Join(dir, fmt.Sprintf("%d_%s", time.Now().UnixNano(), name))
	}
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// WatchOutbox signals on the returned channel whenever a bundle file lands in
// the outbox. The channel closes when ctx is done.
func (a *Agent) WatchOutbox(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(a.outboxDir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	signals := make(chan struct{}, 1)
	go func() {
		defer close(signals)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Rename) {
					continue
				}
				name := filepath.Base(event.Name)
				if strings.HasPrefix(name, ".") || !strings.HasSuffix(strings.ToLower(name), ".json") {
					continue
				}
				select {
				case signals <- struct{}{}:
				default:
				}
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				a.logf("outbox watcher error: %v", watchErr)
			}
		}
	}()
	return signals, nil
}

func (a *Agent) loadState() error {
	if a.loaded {
		return nil
	}
	a.loaded = true
	data, err := os.ReadFile(a.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			a.state.Bundles = map[string]processedBundle{}
			return nil
		}
		return err
	}
	var state outboxState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Bundles == nil {
		state.Bundles = map[string]processedBundle{}
	}
	a.state = state
	return nil
}

func (a *Agent) saveState() error {
	data, err := json.Marshal(a.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(a.stateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(a.stateFile, data, 0o644)
}

func (a *Agent) logf(format string, args ...any) {
	if a.logger == nil {
		return
	}
	a.logger.Printf(format, args...)
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func correlationID() string {
	return fmt.Sprintf("outbox_%d", time.Now().UnixNano())
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
