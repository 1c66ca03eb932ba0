package reconciler

import (
	"context"
	"log"
	"sync"
	"time"

	"syncpad/internal/models"
)

// Status is the save state surfaced to clients for one open document. The
// machine runs Idle → Saving → {Saved → Idle | Error} for the lifetime of
// the document; Saving re-enters directly from Saved or Error on the next
// trigger.
type Status string

const (
	StatusIdle   Status = "idle"
	StatusSaving Status = "saving"
	StatusSaved  Status = "saved"
	StatusError  Status = "error"
)

// StatusEvent reports a status transition for a document.
type StatusEvent struct {
	DocumentID string
	Status     Status
	Err        error
}

// Store is what the reconciler needs from the durable document store.
type Store interface {
	Upsert(ctx context.Context, id, title, content string) (*models.Document, error)
	GetByID(ctx context.Context, id string) (*models.Document, error)
	Delete(ctx context.Context, id string) error
}

// Cache is what the reconciler needs from the read accelerator.
type Cache interface {
	GetContent(ctx context.Context, id string) (string, bool, error)
	SetContent(ctx context.Context, id, content string) error
	Evict(ctx context.Context, id string) error
}

// Config carries the reconciler's timing knobs; zero values pick defaults.
type Config struct {
	Debounce   time.Duration // quiet period before an autosave fires
	DisplayFor time.Duration // how long Saved is shown before Idle
	OpTimeout  time.Duration // bound on one store+cache round trip
}

func (c *Config) withDefaults() {
	if c.Debounce <= 0 {
		c.Debounce = time.Second
	}
	if c.DisplayFor <= 0 {
		c.DisplayFor = 2 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 5 * time.Second
	}
}

// docState tracks one document's save pipeline. All fields are guarded by
// the Reconciler mutex; the flight itself runs outside the lock.
type docState struct {
	timer     *time.Timer // pending debounce, replaced on every edit
	idleTimer *time.Timer // pending Saved→Idle transition
	saving    bool
	rerun     bool          // a trigger arrived mid-flight, re-evaluate after
	done      chan struct{} // closed when the current flight completes
	latest    string
	dirty     bool
	lastSaved string
	hasSaved  bool
	status    Status
}

// Reconciler reconciles live replica content with the durable store and
// cache. Saves are debounced and coalesced per document with at most one in
// flight per document at any time; unrelated documents save concurrently.
type Reconciler struct {
	store Store
	cache Cache
	cfg   Config

	mu   sync.Mutex
	docs map[string]*docState

	events chan StatusEvent
}

// New creates a reconciler over the given store and cache.
func New(store Store, cache Cache, cfg Config) *Reconciler {
	cfg.withDefaults()
	return &Reconciler{
		store:  store,
		cache:  cache,
		cfg:    cfg,
		docs:   make(map[string]*docState),
		events: make(chan StatusEvent, 64),
	}
}

// Events exposes status transitions. The channel is never closed while the
// reconciler is running; slow consumers lose events rather than block saves.
func (r *Reconciler) Events() <-chan StatusEvent {
	return r.events
}

func (r *Reconciler) emit(id string, ds *docState, status Status, err error) {
	if ds.status == status && err == nil {
		return
	}
	ds.status = status
	select {
	case r.events <- StatusEvent{DocumentID: id, Status: status, Err: err}:
	default:
	}
}

func (r *Reconciler) state(id string) *docState {
	ds, ok := r.docs[id]
	if !ok {
		ds = &docState{status: StatusIdle}
		r.docs[id] = ds
	}
	return ds
}

// ScheduleSave records the latest content for a document and (re)starts its
// debounce timer. Rapid successive calls coalesce into a single save once
// the content has been quiet for the debounce interval.
func (r *Reconciler) ScheduleSave(id, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ds := r.state(id)
	ds.latest = content
	ds.dirty = true
	if ds.timer != nil {
		ds.timer.Stop()
	}
	ds.timer = time.AfterFunc(r.cfg.Debounce, func() { r.autosave(id) })
}

// autosave runs when a debounce timer fires. Failures are logged and left
// dirty so the next trigger retries; editing is never blocked.
func (r *Reconciler) autosave(id string) {
	r.mu.Lock()
	ds, ok := r.docs[id]
	if !ok {
		// Deleted between the timer firing and this running.
		r.mu.Unlock()
		return
	}
	if ds.saving {
		ds.rerun = true
		r.mu.Unlock()
		return
	}
	if !ds.dirty {
		r.mu.Unlock()
		return
	}
	if ds.hasSaved && ds.latest == ds.lastSaved {
		// Unchanged since the last completed save.
		ds.dirty = false
		r.mu.Unlock()
		return
	}
	content := r.begin(id, ds)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.OpTimeout)
	_, err := r.persist(ctx, id, "", content)
	cancel()
	if err != nil {
		log.Printf("autosave %s failed: %v", id, err)
	}
	r.finish(id, content, err)
}

// SaveNow performs a manual save: it bypasses the debounce but still waits
// its turn behind an in-flight save for the same document. Errors are
// surfaced to the caller. An optional title travels with the write so a
// rename and a content save are one durable update.
func (r *Reconciler) SaveNow(ctx context.Context, id, title, content string) (*models.Document, error) {
	r.mu.Lock()
	ds := r.state(id)
	ds.latest = content
	ds.dirty = true
	if ds.timer != nil {
		ds.timer.Stop()
		ds.timer = nil
	}
	for ds.saving {
		done := ds.done
		r.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		r.mu.Lock()
	}
	content = r.begin(id, ds)
	r.mu.Unlock()

	doc, err := r.persist(ctx, id, title, content)
	r.finish(id, content, err)
	return doc, err
}

// begin marks the flight started under the reconciler lock and returns the
// content snapshot to persist.
func (r *Reconciler) begin(id string, ds *docState) string {
	ds.saving = true
	ds.dirty = false
	ds.rerun = false
	ds.done = make(chan struct{})
	if ds.idleTimer != nil {
		ds.idleTimer.Stop()
		ds.idleTimer = nil
	}
	r.emit(id, ds, StatusSaving, nil)
	return ds.latest
}

// persist is the one durable write path: store first, then write-through to
// the cache with a renewed TTL.
func (r *Reconciler) persist(ctx context.Context, id, title, content string) (*models.Document, error) {
	doc, err := r.store.Upsert(ctx, id, title, content)
	if err != nil {
		return nil, err
	}
	if err := r.cache.SetContent(ctx, doc.ID, content); err != nil {
		return nil, err
	}
	return doc, nil
}

// finish closes out a flight and re-evaluates any request that arrived while
// it was running.
func (r *Reconciler) finish(id, content string, err error) {
	r.mu.Lock()
	ds, ok := r.docs[id]
	if !ok {
		// Delete waits out every flight before removing the state, so a
		// missing entry means there is nothing left to close out.
		r.mu.Unlock()
		return
	}
	ds.saving = false
	close(ds.done)
	if err == nil {
		ds.lastSaved = content
		ds.hasSaved = true
		r.emit(id, ds, StatusSaved, nil)
		ds.idleTimer = time.AfterFunc(r.cfg.DisplayFor, func() { r.setIdle(id) })
	} else {
		ds.dirty = true
		r.emit(id, ds, StatusError, err)
	}
	rerun := ds.rerun
	ds.rerun = false
	r.mu.Unlock()

	if rerun {
		go r.autosave(id)
	}
}

func (r *Reconciler) setIdle(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.docs[id]
	if !ok {
		return
	}
	if ds.status == StatusSaved && !ds.saving {
		r.emit(id, ds, StatusIdle, nil)
	}
}

// Read is the cache-aside read path: cache first, then the durable store,
// populating the cache on a miss so a cold cache self-heals. Cache failures
// degrade to a store read instead of failing the request.
func (r *Reconciler) Read(ctx context.Context, id string) (string, error) {
	content, ok, err := r.cache.GetContent(ctx, id)
	if err != nil {
		log.Printf("cache read %s failed, falling back to store: %v", id, err)
	} else if ok {
		return content, nil
	}

	doc, err := r.store.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if err := r.cache.SetContent(ctx, id, doc.Content); err != nil {
		log.Printf("cache populate %s failed: %v", id, err)
	}
	return doc.Content, nil
}

// Delete removes the document and evicts its cache entry. An in-flight save
// for the id is waited out first, so a completing write cannot close out
// against a discarded state or re-create the row and cache entry after the
// delete. The eviction runs even when the store reports the id unknown, so
// a stale cache entry cannot resurrect a deleted document.
func (r *Reconciler) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	if ds, ok := r.docs[id]; ok {
		for ds.saving {
			done := ds.done
			r.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			r.mu.Lock()
		}
		if ds.timer != nil {
			ds.timer.Stop()
		}
		if ds.idleTimer != nil {
			ds.idleTimer.Stop()
		}
		ds.dirty = false
		delete(r.docs, id)
	}
	r.mu.Unlock()

	storeErr := r.store.Delete(ctx, id)
	if err := r.cache.Evict(ctx, id); err != nil {
		log.Printf("cache evict %s failed: %v", id, err)
	}
	return storeErr
}

// Stop flushes every dirty document synchronously and stops all timers.
// Called once at shutdown.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.docs))
	for id, ds := range r.docs {
		if ds.timer != nil {
			ds.timer.Stop()
			ds.timer = nil
		}
		if ds.idleTimer != nil {
			ds.idleTimer.Stop()
			ds.idleTimer = nil
		}
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.flush(id)
	}
}

func (r *Reconciler) flush(id string) {
	r.mu.Lock()
	ds, ok := r.docs[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	for ds.saving {
		done := ds.done
		r.mu.Unlock()
		<-done
		r.mu.Lock()
	}
	if !ds.dirty || (ds.hasSaved && ds.latest == ds.lastSaved) {
		r.mu.Unlock()
		return
	}
	content := r.begin(id, ds)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.OpTimeout)
	_, err := r.persist(ctx, id, "", content)
	cancel()
	if err != nil {
		log.Printf("final save %s failed: %v", id, err)
	}
	r.finish(id, content, err)
}
