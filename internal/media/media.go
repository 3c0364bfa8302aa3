// Package media mirrors the S3-compatible blob origin into the local cache
// directory. The origin is authoritative; the cache is read-through for the
// ship's local consumers and survives offline windows.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/semaphore"

	"github.com/harborview/shipsync/internal/config"
	"github.com/harborview/shipsync/internal/eventbus"
	"github.com/harborview/shipsync/internal/storage"
)

// maxInflight caps concurrent transfers per cycle.
const maxInflight = 8

// statsKey is the metadata slot where cycle stats persist across restarts.
const statsKey = "media.stats"

// etagsKey holds the key -> etag index of completed downloads.
const etagsKey = "media.etags"

// ErrSyncRunning is returned when a cycle is requested while one is active.
var ErrSyncRunning = errors.New("media sync already running")

// ObjectStore is the slice of the S3 API the mirror uses.
type ObjectStore interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Stats describes the last (or current) mirror cycle.
type Stats struct {
	FilesDownloaded int64     `json:"filesDownloaded"`
	FilesSkipped    int64     `json:"filesSkipped"`
	FilesFailed     int64     `json:"filesFailed"`
	TotalBytes      int64     `json:"totalBytes"`
	LastSyncAt      time.Time `json:"lastSyncAt,omitempty"`
	IsRunning       bool      `json:"isRunning"`
	Error           string    `json:"error,omitempty"`
}

// Mirror runs periodic origin-to-cache sync cycles.
type Mirror struct {
	cfg    config.Media
	client ObjectStore
	store  storage.Storage
	events *eventbus.Bus

	mu      sync.Mutex
	running bool
	stats   Stats
	etags   map[string]string

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// NewMirror builds a Mirror against the real S3 endpoint from cfg.
func NewMirror(ctx context.Context, cfg config.Media, store storage.Storage, events *eventbus.Bus) (*Mirror, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.OriginRegion))
	if err != nil {
		return nil, fmt.Errorf("media: loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.OriginEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.OriginEndpoint)
			o.UsePathStyle = true
		}
	})
	return NewMirrorWithClient(cfg, client, store, events), nil
}

// NewMirrorWithClient wires an explicit object store; tests use fakes.
func NewMirrorWithClient(cfg config.Media, client ObjectStore, store storage.Storage, events *eventbus.Bus) *Mirror {
	m := &Mirror{
		cfg:     cfg,
		client:  client,
		store:   store,
		events:  events,
		etags:   make(map[string]string),
		stopped: make(chan struct{}),
	}
	m.restore()
	return m
}

// restore loads persisted stats and the etag index.
func (m *Mirror) restore() {
	ctx := context.Background()
	if v, err := m.store.GetMetadata(ctx, statsKey); err == nil && v != "" {
		var st Stats
		if json.Unmarshal([]byte(v), &st) == nil {
			st.IsRunning = false
			m.stats = st
		}
	}
	if v, err := m.store.GetMetadata(ctx, etagsKey); err == nil && v != "" {
		_ = json.Unmarshal([]byte(v), &m.etags)
	}
}

// Stats returns a snapshot of the mirror state.
func (m *Mirror) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stats
	st.IsRunning = m.running
	return st
}

// Start launches the periodic loop.
func (m *Mirror) Start(ctx context.Context) {
	interval := m.cfg.Interval()
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopped:
				return
			case <-ticker.C:
			}
			if _, err := m.Sync(ctx); err != nil && !errors.Is(err, ErrSyncRunning) {
				log.Printf("media: sync cycle failed: %v", err)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight cycle's transfers.
func (m *Mirror) Stop() {
	m.stopOnce.Do(func() { close(m.stopped) })
	m.wg.Wait()
}

// Sync runs one mirror cycle: list the origin, copy anything missing or
// changed, record stats. Failed transfers are retried on the next cycle.
func (m *Mirror) Sync(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return m.stats, ErrSyncRunning
	}
	m.running = true
	m.mu.Unlock()

	if m.events != nil {
		m.events.Dispatch(ctx, &eventbus.Event{Type: eventbus.EventMediaSyncStarted, OccurredAt: time.Now().UTC()})
	}
	st, err := m.cycle(ctx)

	m.mu.Lock()
	m.running = false
	m.stats = st
	m.mu.Unlock()
	m.persist(ctx, st)

	if m.events != nil {
		m.events.Dispatch(ctx, &eventbus.Event{Type: eventbus.EventMediaSyncFinished, OccurredAt: time.Now().UTC()})
	}
	return st, err
}

func (m *Mirror) cycle(ctx context.Context) (Stats, error) {
	st := Stats{LastSyncAt: time.Now().UTC()}
	if err := os.MkdirAll(m.cfg.CacheDir, 0o755); err != nil {
		st.Error = err.Error()
		return st, err
	}

	sem := semaphore.NewWeighted(maxInflight)
	var wg sync.WaitGroup
	var downloaded, skipped, failed, bytes atomic.Int64
	newEtags := make(map[string]string)
	var etagMu sync.Mutex

	paginator := s3.NewListObjectsV2Paginator(m.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.cfg.OriginBucket),
		Prefix: aws.String(m.cfg.OriginPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			st.Error = err.Error()
			break
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == "" || strings.HasSuffix(key, "/") {
				continue
			}
			etag := strings.Trim(aws.ToString(obj.ETag), `"`)
			size := aws.ToInt64(obj.Size)
			if m.upToDate(key, etag, size) {
				skipped.Add(1)
				etagMu.Lock()
				newEtags[key] = etag
				etagMu.Unlock()
				continue
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				st.Error = err.Error()
				break
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				n, err := m.download(ctx, key)
				if err != nil {
					failed.Add(1)
					log.Printf("media: download of %s failed: %v", key, err)
					return
				}
				downloaded.Add(1)
				bytes.Add(n)
				etagMu.Lock()
				newEtags[key] = etag
				etagMu.Unlock()
			}()
		}
	}
	wg.Wait()

	st.FilesDownloaded = downloaded.Load()
	st.FilesSkipped = skipped.Load()
	st.FilesFailed = failed.Load()
	st.TotalBytes = bytes.Load()

	m.mu.Lock()
	for k, v := range newEtags {
		m.etags[k] = v
	}
	m.mu.Unlock()

	log.Printf("media: cycle done: %d downloaded, %d skipped, %d failed, %d bytes",
		st.FilesDownloaded, st.FilesSkipped, st.FilesFailed, st.TotalBytes)
	if st.Error != "" {
		return st, errors.New(st.Error)
	}
	return st, nil
}

// upToDate reports whether the cached copy matches the origin's size and
// recorded etag.
func (m *Mirror) upToDate(key, etag string, size int64) bool {
	dest, err := m.localPath(key)
	if err != nil {
		return false
	}
	info, err := os.Stat(dest)
	if err != nil || info.Size() != size {
		return false
	}
	m.mu.Lock()
	known := m.etags[key]
	m.mu.Unlock()
	return known == etag
}

// download streams one object to a .tmp file and renames it into place so
// readers never observe a partial file.
func (m *Mirror) download(ctx context.Context, key string) (int64, error) {
	dest, err := m.localPath(key)
	if err != nil {
		return 0, err
	}
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.OriginBucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, err
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	tmp := dest + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, out.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return n, nil
}

// localPath maps an origin key into the cache directory. A key whose
// cleaned relative path climbs out of the cache ("a/../../etc") is
// rejected: origin listings are data, not trusted paths.
func (m *Mirror) localPath(key string) (string, error) {
	rel := strings.TrimPrefix(key, m.cfg.OriginPrefix)
	rel = strings.TrimPrefix(rel, "/")
	rel = filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("origin key %q escapes the cache directory", key)
	}
	return filepath.Join(m.cfg.CacheDir, rel), nil
}

// persist writes stats and the etag index into the metadata table so the
// health surface survives restarts.
func (m *Mirror) persist(ctx context.Context, st Stats) {
	if b, err := json.Marshal(st); err == nil {
		if err := m.store.SetMetadata(ctx, statsKey, string(b)); err != nil && !errors.Is(err, storage.ErrShuttingDown) {
			log.Printf("media: failed to persist stats: %v", err)
		}
	}
	m.mu.Lock()
	b, err := json.Marshal(m.etags)
	m.mu.Unlock()
	if err == nil {
		if err := m.store.SetMetadata(ctx, etagsKey, string(b)); err != nil && !errors.Is(err, storage.ErrShuttingDown) {
			log.Printf("media: failed to persist etag index: %v", err)
		}
	}
}
