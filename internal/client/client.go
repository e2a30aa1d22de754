// Package client implements the partsync client sync loop: a
// debounced filesystem watcher feeding outbound diffs, and an inbound
// reader applying the relay's patches to disk, generalizing the
// teacher's daemon.Daemon (watch -> debounce -> sync) to a two-way,
// WebSocket-connected peer with offline buffering and reconnection.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/partsync/partsync/internal/burst"
	"github.com/partsync/partsync/internal/diffengine"
	"github.com/partsync/partsync/internal/wire"
)

// settleDelay is how long a file stays under the "applying incoming
// patch" guard after a relay-originated write, so the echoed fsnotify
// event is swallowed instead of round-tripped back to the relay.
const settleDelay = 200 * time.Millisecond

// Config is the client's runtime configuration, generally sourced
// from config.ClientConfig.
type Config struct {
	Server string
	Name   string
	Dir    string
	Ignore []string
	Logger *log.Logger
}

// Client is one partsync peer: a watched directory kept in sync with
// a relay over a single WebSocket connection.
type Client struct {
	cfg     Config
	watcher *Watcher

	connMu    sync.Mutex
	conn      *websocket.Conn
	connected bool

	contentMu sync.Mutex
	content   map[string]string // file -> last-known local content
	versions  map[string]string // file -> last-known fingerprint

	detectMu  sync.Mutex
	detectors map[string]*burst.Detector

	applyMu sync.Mutex
	apply   map[string]time.Time // file -> guard-until

	pendingMu sync.Mutex
	pending   []wire.FileDiff

	queueMu sync.Mutex
	queue   map[string]time.Time // file -> last change queued at

	locksMu sync.Mutex
	locks   map[string]wire.LockState

	// hsDone is signaled by applyHandshakeResponse once the current
	// connection's handshake response has been fully applied, so
	// connectAndServe can order pendingDiffs after it per spec.md
	// §4.6(c).
	hsDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Client rooted at cfg.Dir. Call Start to connect and
// begin syncing.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[partsync] ", log.LstdFlags)
	}
	if cfg.Name == "" {
		cfg.Name = "anonymous"
	}
	w, err := NewWatcher(cfg.Dir, cfg.Ignore)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:       cfg,
		watcher:   w,
		content:   make(map[string]string),
		versions:  make(map[string]string),
		detectors: make(map[string]*burst.Detector),
		apply:     make(map[string]time.Time),
		queue:     make(map[string]time.Time),
		locks:     make(map[string]wire.LockState),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start brings the watcher up, connects to the relay (retrying after a
// fixed 2s delay, up to 50 reconnect attempts), and begins
// the debounce and read loops. It returns once the watcher and
// background loops are running; connection happens asynchronously.
func (c *Client) Start() error {
	if err := c.watcher.Start(); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}

	c.wg.Add(1)
	go c.watchLoop()

	c.wg.Add(1)
	go c.debounceLoop()

	c.wg.Add(1)
	go c.connectionLoop()

	return nil
}

// Stop tears down the watcher, connection, and background loops.
func (c *Client) Stop() error {
	c.cancel()
	_ = c.watcher.Stop()
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}
	c.connMu.Unlock()
	c.wg.Wait()
	return nil
}

// IsConnected reports whether the client currently has a live relay
// connection.
func (c *Client) IsConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connected
}

// --- connection lifecycle ---

func (c *Client) connectionLoop() {
	defer c.wg.Done()
	attempts := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		if err := c.connectAndServe(); err != nil {
			c.cfg.Logger.Printf("connection error: %v", err)
		}

		c.connMu.Lock()
		c.connected = false
		c.connMu.Unlock()

		select {
		case <-c.ctx.Done():
			return
		default:
		}

		attempts++
		if attempts > wire.MaxReconnectAttempts {
			c.cfg.Logger.Printf("giving up after %d reconnect attempts", attempts-1)
			return
		}
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(time.Duration(wire.ReconnectDelayMS) * time.Millisecond):
		}
	}
}

// connectAndServe dials the relay, performs the handshake, flushes
// any queued offline diffs, then blocks reading incoming messages
// until the connection drops.
func (c *Client) connectAndServe() error {
	url := fmt.Sprintf("%s/ws?clientName=%s", c.cfg.Server, c.cfg.Name)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Server, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connected = true
	c.connMu.Unlock()

	c.cfg.Logger.Printf("connected to %s", c.cfg.Server)

	c.hsDone = make(chan struct{}, 1)
	if err := c.handshake(); err != nil {
		c.cfg.Logger.Printf("handshake failed: %v", err)
	}

	readErr := make(chan error, 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		readErr <- c.readLoop(conn)
	}()

	// Wait for the handshake response to be applied (missing diffs,
	// then full files) before draining the offline queue, per
	// spec.md §4.6(c)'s ordering: missing diffs, then full files,
	// then pendingDiffs.
	select {
	case <-c.hsDone:
	case <-time.After(5 * time.Second):
		c.cfg.Logger.Printf("handshake response timed out, draining pending diffs anyway")
	case err := <-readErr:
		return err
	}

	c.flushPending()

	return <-readErr
}

func (c *Client) handshake() error {
	c.contentMu.Lock()
	versions := make(map[string]string, len(c.versions))
	for f, v := range c.versions {
		versions[f] = v
	}
	c.contentMu.Unlock()

	reqID := uuid.NewString()
	c.send(wire.Envelope{
		Event:   wire.EventSyncHandshake,
		ReplyTo: reqID,
		Data: wire.Handshake{
			ClientID:     c.cfg.Name,
			FileVersions: versions,
		},
	})
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			return err
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.cfg.Logger.Printf("malformed message: %v", err)
			continue
		}
		c.handleIncoming(env)
	}
}

func (c *Client) handleIncoming(env wire.Envelope) {
	switch env.Event {
	case wire.EventFileDiff:
		c.applyIncomingDiff(env)
	case wire.EventSyncApplyFullFile:
		c.applyFullFile(env)
	case wire.EventFileDelete:
		c.applyIncomingDelete(env)
	case wire.EventFileLockChanged:
		c.applyLockChanged(env)
	case wire.EventSyncHandshake:
		c.applyHandshakeResponse(env)
	case wire.EventFileConflict:
		c.cfg.Logger.Printf("conflict reported by relay: %+v", env.Data)
	case wire.EventDashboardState:
		// Clients don't render the dashboard themselves; ignore.
	default:
		c.cfg.Logger.Printf("unhandled event %q", env.Event)
	}
}

func decode[T any](data any) (T, error) {
	var out T
	raw, err := json.Marshal(data)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(raw, &out)
	return out, err
}

func (c *Client) applyHandshakeResponse(env wire.Envelope) {
	resp, err := decode[wire.HandshakeResponse](env.Data)
	if err != nil {
		c.cfg.Logger.Printf("bad handshake response: %v", err)
		return
	}
	for _, diff := range resp.MissingDiffs {
		c.applyPatchToFile(diff.File, diff.Patch, diff.Version)
	}
	for _, full := range resp.FullFiles {
		c.applyFullFileSync(full)
	}
	c.locksMu.Lock()
	c.locks = make(map[string]wire.LockState, len(resp.Locks))
	for _, l := range resp.Locks {
		c.locks[l.File] = l
	}
	c.locksMu.Unlock()

	if c.hsDone != nil {
		select {
		case c.hsDone <- struct{}{}:
		default:
		}
	}
}

func (c *Client) applyIncomingDiff(env wire.Envelope) {
	diff, err := decode[wire.FileDiff](env.Data)
	if err != nil {
		c.cfg.Logger.Printf("bad file:diff payload: %v", err)
		return
	}
	c.applyPatchToFile(diff.File, diff.Patch, diff.Version)
}

func (c *Client) applyPatchToFile(file, patch, version string) {
	abs := filepath.Join(c.cfg.Dir, filepath.FromSlash(file))

	c.contentMu.Lock()
	base, ok := c.content[file]
	c.contentMu.Unlock()
	if !ok {
		existing, _ := os.ReadFile(abs)
		base = string(existing)
	}

	result, _ := diffengine.ApplyPatch(patch, base)
	c.guardApply(file)

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		c.cfg.Logger.Printf("mkdir for %s: %v", file, err)
		return
	}
	if err := os.WriteFile(abs, []byte(result), 0o644); err != nil {
		c.cfg.Logger.Printf("write %s: %v", file, err)
		return
	}

	c.contentMu.Lock()
	c.content[file] = result
	c.versions[file] = version
	c.contentMu.Unlock()
}

func (c *Client) applyFullFile(env wire.Envelope) {
	full, err := decode[wire.FullFileSync](env.Data)
	if err != nil {
		c.cfg.Logger.Printf("bad sync:apply-full-file payload: %v", err)
		return
	}
	c.applyFullFileSync(full)
}

// applyFullFileSync writes full to disk and updates the cached baseline.
// Shared by the sync:apply-full-file handler and the handshake response's
// FullFiles list (spec.md §4.5/§4.6(c)).
func (c *Client) applyFullFileSync(full wire.FullFileSync) {
	abs := filepath.Join(c.cfg.Dir, filepath.FromSlash(full.File))
	c.guardApply(full.File)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		c.cfg.Logger.Printf("mkdir for %s: %v", full.File, err)
		return
	}
	if err := os.WriteFile(abs, []byte(full.Content), 0o644); err != nil {
		c.cfg.Logger.Printf("write %s: %v", full.File, err)
		return
	}
	c.contentMu.Lock()
	c.content[full.File] = full.Content
	c.versions[full.File] = full.Hash
	c.contentMu.Unlock()
}

func (c *Client) applyIncomingDelete(env wire.Envelope) {
	req, err := decode[wire.DeleteRequest](env.Data)
	if err != nil {
		c.cfg.Logger.Printf("bad file:delete payload: %v", err)
		return
	}
	abs := filepath.Join(c.cfg.Dir, filepath.FromSlash(req.File))
	c.guardApply(req.File)
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		c.cfg.Logger.Printf("remove %s: %v", req.File, err)
	}
	c.contentMu.Lock()
	delete(c.content, req.File)
	delete(c.versions, req.File)
	c.contentMu.Unlock()
}

func (c *Client) applyLockChanged(env wire.Envelope) {
	locks, err := decode[[]wire.LockState](env.Data)
	if err != nil {
		c.cfg.Logger.Printf("bad file:lock-changed payload: %v", err)
		return
	}
	c.locksMu.Lock()
	c.locks = make(map[string]wire.LockState, len(locks))
	for _, l := range locks {
		c.locks[l.File] = l
	}
	c.locksMu.Unlock()
}

// guardApply marks file as under relay-originated write for
// settleDelay, so the watch loop's echo of this write is dropped
// instead of sent back out.
func (c *Client) guardApply(file string) {
	c.applyMu.Lock()
	c.apply[file] = time.Now().Add(settleDelay)
	c.applyMu.Unlock()
}

func (c *Client) isGuarded(file string) bool {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	until, ok := c.apply[file]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(c.apply, file)
		return false
	}
	return true
}

// --- outbound: watch -> debounce -> diff -> send ---

func (c *Client) watchLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-c.watcher.Events():
			if !ok {
				return
			}
			c.queueMu.Lock()
			c.queue[ev.Path] = time.Now()
			c.queueMu.Unlock()
		case err, ok := <-c.watcher.Errors():
			if !ok {
				return
			}
			c.cfg.Logger.Printf("watcher error: %v", err)
		}
	}
}

func (c *Client) debounceLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.processQueue()
		}
	}
}

func (c *Client) processQueue() {
	now := time.Now()
	c.queueMu.Lock()
	ready := make([]string, 0)
	for file, queuedAt := range c.queue {
		if now.Sub(queuedAt) >= c.debounceFor(file) {
			ready = append(ready, file)
			delete(c.queue, file)
		}
	}
	c.queueMu.Unlock()

	for _, file := range ready {
		c.processFile(file)
	}
}

func (c *Client) debounceFor(file string) time.Duration {
	c.detectMu.Lock()
	d, ok := c.detectors[file]
	c.detectMu.Unlock()
	if !ok {
		return time.Duration(wire.DebounceMS) * time.Millisecond
	}
	return d.DebounceInterval()
}

func (c *Client) processFile(file string) {
	if c.isGuarded(file) {
		c.resyncBaseline(file)
		return
	}

	abs := filepath.Join(c.cfg.Dir, filepath.FromSlash(file))
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			c.sendDelete(file)
			return
		}
		c.cfg.Logger.Printf("read %s: %v", file, err)
		return
	}
	newContent := string(data)

	c.contentMu.Lock()
	oldContent, known := c.content[file]
	oldVersion := c.versions[file]
	c.contentMu.Unlock()

	if known && !diffengine.HasChanged(oldContent, newContent) {
		return
	}

	det := c.detectorFor(file)
	det.RecordWrite()

	// Emit a file:lock with the type the burst detector currently
	// implies, refreshed on every edit, per spec.md §4.6(a).
	c.Lock(file, det.LockType())

	newVersion := diffengine.Fingerprint(newContent)

	// No cached old-content: this is the first time this client has
	// observed the file (a freshly created file, or the first change
	// to an existing file since start; there is no startup scan).
	// When connected, send the whole content instead of a diff
	// against an empty base, per spec.md §4.6(a); when offline, queue
	// a diff from the empty base instead.
	if !known {
		c.contentMu.Lock()
		c.content[file] = newContent
		c.versions[file] = newVersion
		c.contentMu.Unlock()

		full := wire.FullFileSync{File: file, Content: newContent, Hash: newVersion}
		if c.IsConnected() {
			c.send(wire.Envelope{Event: wire.EventSyncFullFile, Data: full})
			return
		}
		diff := wire.FileDiff{
			File:            file,
			Patch:           diffengine.MakePatch("", newContent),
			Author:          c.cfg.Name,
			Type:            det.AuthorType(),
			Timestamp:       time.Now().UnixMilli(),
			Version:         newVersion,
			PreviousVersion: "",
		}
		c.sendOrQueue(wire.Envelope{Event: wire.EventFileDiff, Data: diff}, diff)
		return
	}

	patch := diffengine.MakePatch(oldContent, newContent)

	diff := wire.FileDiff{
		File:            file,
		Patch:           patch,
		Author:          c.cfg.Name,
		Type:            det.AuthorType(),
		Timestamp:       time.Now().UnixMilli(),
		Version:         newVersion,
		PreviousVersion: oldVersion,
	}

	c.contentMu.Lock()
	c.content[file] = newContent
	c.versions[file] = newVersion
	c.contentMu.Unlock()

	c.sendOrQueue(wire.Envelope{Event: wire.EventFileDiff, Data: diff}, diff)
}

// resyncBaseline re-reads a file that changed only because we just
// applied an incoming patch to it, without emitting an outbound diff.
func (c *Client) resyncBaseline(file string) {
	abs := filepath.Join(c.cfg.Dir, filepath.FromSlash(file))
	data, err := os.ReadFile(abs)
	if err != nil {
		return
	}
	c.contentMu.Lock()
	c.content[file] = string(data)
	c.contentMu.Unlock()
}

func (c *Client) sendDelete(file string) {
	c.contentMu.Lock()
	_, known := c.content[file]
	delete(c.content, file)
	delete(c.versions, file)
	c.contentMu.Unlock()
	if !known {
		return
	}
	env := wire.Envelope{Event: wire.EventFileDelete, Data: wire.DeleteRequest{File: file, Author: c.cfg.Name}}
	if c.IsConnected() {
		c.send(env)
	}
}

func (c *Client) detectorFor(file string) *burst.Detector {
	c.detectMu.Lock()
	defer c.detectMu.Unlock()
	d, ok := c.detectors[file]
	if !ok {
		d = burst.New()
		c.detectors[file] = d
	}
	return d
}

// sendOrQueue sends diff immediately if connected, otherwise buffers
// it in FIFO order for replay on reconnect, per spec.md's offline
// queue semantics.
func (c *Client) sendOrQueue(env wire.Envelope, diff wire.FileDiff) {
	if c.IsConnected() {
		c.send(env)
		return
	}
	c.pendingMu.Lock()
	c.pending = append(c.pending, diff)
	c.pendingMu.Unlock()
}

func (c *Client) flushPending() {
	c.pendingMu.Lock()
	queued := c.pending
	c.pending = nil
	c.pendingMu.Unlock()

	for _, diff := range queued {
		c.send(wire.Envelope{Event: wire.EventFileDiff, Data: diff})
	}
}

func (c *Client) send(env wire.Envelope) {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		c.cfg.Logger.Printf("marshal envelope: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.cfg.Logger.Printf("write failed: %v", err)
	}
}

// Lock requests a soft lock on file from the relay.
func (c *Client) Lock(file string, lockType wire.LockType) {
	c.send(wire.Envelope{Event: wire.EventFileLock, Data: wire.LockRequest{File: file, LockType: lockType}})
}

// Unlock releases a previously requested lock.
func (c *Client) Unlock(file string) {
	c.send(wire.Envelope{Event: wire.EventFileUnlock, Data: wire.UnlockRequest{File: file}})
}

// Locks returns a snapshot of the client's locally cached lock state.
func (c *Client) Locks() []wire.LockState {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	out := make([]wire.LockState, 0, len(c.locks))
	for _, l := range c.locks {
		out = append(out, l)
	}
	return out
}

// PendingCount reports how many diffs are queued for the relay while
// offline.
func (c *Client) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}
