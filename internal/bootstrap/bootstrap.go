// Package bootstrap performs the one-shot initial sync: a fresh replica
// pulls every entity from the master's export endpoint, binds identities
// and persists local copies. Re-invocation is safe; bind is idempotent and
// already-present documents are skipped.
package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/harborview/shipsync/internal/host"
	"github.com/harborview/shipsync/internal/storage"
)

// pageSize is the master export page size.
const pageSize = 100

// ErrAlreadyRunning is returned when a pull is started while one is active.
var ErrAlreadyRunning = errors.New("initial sync already running")

// Request describes one initial-sync invocation.
type Request struct {
	MasterURL      string   `json:"masterUrl"`
	MasterAPIToken string   `json:"masterApiToken,omitempty"`
	ContentTypes   []string `json:"contentTypes,omitempty"` // empty = all configured
	DryRun         bool     `json:"dryRun,omitempty"`
}

// TypeResult counts outcomes for one content type.
type TypeResult struct {
	Seen    int `json:"seen"`
	Created int `json:"created"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Status is the observable state of the runner.
type Status struct {
	Running    bool                  `json:"running"`
	DryRun     bool                  `json:"dryRun,omitempty"`
	StartedAt  time.Time             `json:"startedAt,omitempty"`
	FinishedAt time.Time             `json:"finishedAt,omitempty"`
	PerType    map[string]TypeResult `json:"perType,omitempty"`
	Error      string                `json:"error,omitempty"`
}

// exportPage mirrors the master's export envelope.
type exportPage struct {
	Data    []host.Entity `json:"data"`
	Page    int           `json:"page"`
	HasMore bool          `json:"hasMore"`
}

// Runner executes initial syncs, one at a time.
type Runner struct {
	store    storage.Storage
	entities host.Host
	client   *http.Client
	defaults []string // configured content types

	mu     sync.Mutex
	active bool
	status Status
}

func NewRunner(store storage.Storage, entities host.Host, contentTypes []string) *Runner {
	return &Runner{
		store:    store,
		entities: entities,
		client:   &http.Client{Timeout: 60 * time.Second},
		defaults: contentTypes,
	}
}

// Status returns a snapshot of the last or current run.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.status
	st.PerType = make(map[string]TypeResult, len(r.status.PerType))
	for k, v := range r.status.PerType {
		st.PerType[k] = v
	}
	return st
}

// Run performs the pull synchronously. Only one run may be active.
func (r *Runner) Run(ctx context.Context, req Request) (Status, error) {
	if req.MasterURL == "" {
		return Status{}, fmt.Errorf("initial sync: masterUrl is required")
	}
	types := req.ContentTypes
	if len(types) == 0 {
		types = r.defaults
	}
	if len(types) == 0 {
		return Status{}, fmt.Errorf("initial sync: no content types configured")
	}

	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return Status{}, ErrAlreadyRunning
	}
	r.active = true
	r.status = Status{
		Running:   true,
		DryRun:    req.DryRun,
		StartedAt: time.Now().UTC(),
		PerType:   make(map[string]TypeResult, len(types)),
	}
	r.mu.Unlock()

	var runErr error
	for _, ct := range types {
		res, err := r.pullType(ctx, req, ct)
		r.mu.Lock()
		r.status.PerType[ct] = res
		r.mu.Unlock()
		if err != nil {
			runErr = fmt.Errorf("initial sync of %s: %w", ct, err)
			break
		}
	}

	r.mu.Lock()
	r.active = false
	r.status.Running = false
	r.status.FinishedAt = time.Now().UTC()
	if runErr != nil {
		r.status.Error = runErr.Error()
	}
	st := r.status
	r.mu.Unlock()
	return st, runErr
}

// pullType paginates one content type from the master and persists each
// document. Per-document failures are counted, not fatal; page fetch
// failures abort the type.
func (r *Runner) pullType(ctx context.Context, req Request, contentType string) (TypeResult, error) {
	var res TypeResult
	for page := 1; ; page++ {
		ep, err := r.fetchPage(ctx, req, contentType, page)
		if err != nil {
			return res, err
		}
		for i := range ep.Data {
			ent := &ep.Data[i]
			res.Seen++
			outcome, err := r.persist(ctx, contentType, ent, req.DryRun)
			switch {
			case err != nil:
				res.Failed++
				log.Printf("bootstrap: %s/%s failed: %v", contentType, ent.DocumentID, err)
			case outcome:
				res.Created++
			default:
				res.Skipped++
			}
		}
		if !ep.HasMore {
			break
		}
	}
	log.Printf("bootstrap: %s done: %d seen, %d created, %d skipped, %d failed",
		contentType, res.Seen, res.Created, res.Skipped, res.Failed)
	return res, nil
}

func (r *Runner) fetchPage(ctx context.Context, req Request, contentType string, page int) (*exportPage, error) {
	u := fmt.Sprintf("%s/export?contentType=%s&page=%d&pageSize=%d",
		strings.TrimRight(req.MasterURL, "/"), url.QueryEscape(contentType), page, pageSize)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if req.MasterAPIToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.MasterAPIToken)
	}
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("master returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var ep exportPage
	if err := json.NewDecoder(resp.Body).Decode(&ep); err != nil {
		return nil, fmt.Errorf("decoding export page: %w", err)
	}
	return &ep, nil
}

// persist stores one master entity locally. Returns true when a row was
// created, false when the document was already present.
func (r *Runner) persist(ctx context.Context, contentType string, ent *host.Entity, dryRun bool) (bool, error) {
	if ent.DocumentID == "" {
		return false, fmt.Errorf("entity %s has no documentId", ent.LocalID)
	}

	_, err := r.store.ResolveIdentity(ctx, contentType, ent.DocumentID)
	if err == nil {
		return false, nil // already bootstrapped
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}
	if dryRun {
		return true, nil
	}

	syncCtx := host.WithOrigin(ctx, host.OriginSync)
	local, err := r.entities.Create(syncCtx, contentType, ent.DocumentID, ent.Locale, ent.Data)
	if err != nil {
		return false, err
	}
	if ent.Published {
		if _, err := r.entities.SetPublished(syncCtx, contentType, local.LocalID, true); err != nil {
			return false, err
		}
	}
	if err := r.store.BindIdentity(ctx, contentType, ent.DocumentID, local.LocalID); err != nil {
		return false, err
	}
	return true, nil
}
