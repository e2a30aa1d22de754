// Package relay is the central coherence point of partsync: per-connection
// dispatch, the reconnection handshake, and broadcast to other peers. It
// owns the store, the lock table (which serializes its own access), and
// the connection registry (guarded by the Relay's mutex), per spec.md §9
// ("Mutable dispatcher state") and the
// teacher's dashboard.Server shape (github.com/coder/websocket, one
// goroutine per connection feeding a shared registry).
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/partsync/partsync/internal/conflict"
	"github.com/partsync/partsync/internal/locktable"
	"github.com/partsync/partsync/internal/store"
	"github.com/partsync/partsync/internal/wire"
)

const writeTimeout = 5 * time.Second

// Config controls the relay's listening address and operational
// parameters.
type Config struct {
	Port                int
	MaxDiffHistory      int
	DashboardInterval   time.Duration
	SweepInterval       time.Duration
	Logger              *log.Logger
}

// DefaultConfig returns sensible defaults, mirroring
// daemon.DefaultConfig's shape in the teacher.
func DefaultConfig() Config {
	return Config{
		Port:              wire.DefaultPort,
		MaxDiffHistory:    wire.MaxDiffHistory,
		DashboardInterval: time.Duration(wire.DashboardUpdateIntervalMS) * time.Millisecond,
		SweepInterval:     30 * time.Second,
		Logger:            log.New(log.Writer(), "[relay] ", log.LstdFlags),
	}
}

type connState struct {
	conn        *websocket.Conn
	connID      string
	displayName string
	connected   int64
	lastActive  int64
	writeMu     sync.Mutex
	dashboard   bool
}

// Relay is the relay process's single value owning connectedClients,
// dashboardSockets, and inMemoryLocks, exposed only through message
// handling methods per spec.md §9.
type Relay struct {
	cfg    Config
	store  *store.Store
	locks  *locktable.Table
	start  time.Time

	mu      sync.Mutex
	clients map[string]*connState

	listener net.Listener
	server   *http.Server
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a Relay backed by st. Call RestoreFromStore and Start to
// bring it up.
func New(st *store.Store, cfg Config) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[relay] ", log.LstdFlags)
	}
	if cfg.MaxDiffHistory <= 0 {
		cfg.MaxDiffHistory = wire.MaxDiffHistory
	}
	if cfg.DashboardInterval <= 0 {
		cfg.DashboardInterval = time.Duration(wire.DashboardUpdateIntervalMS) * time.Millisecond
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		cfg:     cfg,
		store:   st,
		locks:   locktable.New(st),
		start:   time.Now(),
		clients: make(map[string]*connState),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// RestoreFromStore seeds the in-memory lock table from persisted rows.
func (r *Relay) RestoreFromStore() error {
	return r.locks.RestoreFromStore()
}

// Start begins listening and the sweep/dashboard background loops.
func (r *Relay) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", r.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", r.cfg.Port, err)
	}
	r.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", r.handleWebSocket)
	mux.HandleFunc("/health", r.handleHealth)
	mux.HandleFunc("/api/status", r.handleAPIStatus)

	r.server = &http.Server{Handler: mux, ReadTimeout: 30 * time.Second, WriteTimeout: 30 * time.Second}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.cfg.Logger.Printf("listening on %s", ln.Addr())
		if err := r.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			r.cfg.Logger.Printf("server error: %v", err)
		}
	}()

	r.wg.Add(1)
	go r.sweepLoop()

	r.wg.Add(1)
	go r.dashboardLoop()

	return nil
}

// Stop gracefully shuts the relay down.
func (r *Relay) Stop() error {
	r.cancel()

	r.mu.Lock()
	for _, cs := range r.clients {
		_ = cs.conn.Close(websocket.StatusGoingAway, "relay shutting down")
	}
	r.clients = make(map[string]*connState)
	r.mu.Unlock()

	if r.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	r.wg.Wait()
	return nil
}

// Addr returns the relay's bound listen address, for tests.
func (r *Relay) Addr() string {
	if r.listener != nil {
		return r.listener.Addr().String()
	}
	return ""
}

func (r *Relay) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		r.cfg.Logger.Printf("accept failed: %v", err)
		return
	}

	clientName := req.URL.Query().Get("clientName")
	connID := uuid.NewString()
	now := time.Now().UnixMilli()

	cs := &connState{conn: conn, connID: connID, displayName: clientName, connected: now, lastActive: now}
	r.mu.Lock()
	r.clients[connID] = cs
	r.mu.Unlock()

	r.cfg.Logger.Printf("client connected: %s (%s)", connID, clientName)
	r.readLoop(cs)
}

// readLoop processes messages from one connection in arrival order,
// per spec.md §5 — nothing here blocks on another connection's handler.
func (r *Relay) readLoop(cs *connState) {
	defer r.onDisconnect(cs)

	for {
		_, data, err := cs.conn.Read(r.ctx)
		if err != nil {
			return
		}
		if len(data) > wire.MaxPayloadBytes {
			r.cfg.Logger.Printf("dropping oversized payload from %s", cs.connID)
			continue
		}

		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			r.cfg.Logger.Printf("malformed message from %s: %v", cs.connID, err)
			continue
		}
		cs.lastActive = time.Now().UnixMilli()
		r.dispatch(cs, env)
	}
}

func (r *Relay) dispatch(cs *connState, env wire.Envelope) {
	switch env.Event {
	case wire.EventFileDiff:
		r.onFileDiff(cs, env)
	case wire.EventFileLock:
		r.onFileLock(cs, env)
	case wire.EventFileUnlock:
		r.onFileUnlock(cs, env)
	case wire.EventFileDelete:
		r.onFileDelete(cs, env)
	case wire.EventFileRename:
		r.onFileRename(cs, env)
	case wire.EventSyncFullFile:
		r.onSyncFullFile(cs, env)
	case wire.EventSyncHandshake:
		r.onHandshake(cs, env)
	case wire.EventDashboardSub:
		r.onDashboardSubscribe(cs)
	case wire.EventDiffUndo:
		r.onDiffUndo(cs, env)
	default:
		r.cfg.Logger.Printf("unknown event %q from %s, ignoring", env.Event, cs.connID)
	}
}

func (r *Relay) onDisconnect(cs *connState) {
	r.mu.Lock()
	delete(r.clients, cs.connID)
	r.mu.Unlock()

	released, err := r.locks.ReleaseForClient("", cs.connID)
	if err != nil {
		r.cfg.Logger.Printf("release for client %s failed: %v", cs.connID, err)
	}
	_ = cs.conn.Close(websocket.StatusNormalClosure, "")
	r.cfg.Logger.Printf("client disconnected: %s (released %d locks)", cs.connID, len(released))
	if len(released) > 0 {
		r.broadcastLockChanged()
	}
}

func decodeData[T any](env wire.Envelope) (T, error) {
	var out T
	raw, err := json.Marshal(env.Data)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (r *Relay) send(cs *connState, env wire.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		r.cfg.Logger.Printf("marshal envelope: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()
	if err := cs.conn.Write(ctx, websocket.MessageText, data); err != nil {
		r.cfg.Logger.Printf("write to %s failed: %v", cs.connID, err)
	}
}

// broadcastExcept sends env to every connection other than exceptConnID.
func (r *Relay) broadcastExcept(env wire.Envelope, exceptConnID string) {
	r.mu.Lock()
	targets := make([]*connState, 0, len(r.clients))
	for id, cs := range r.clients {
		if id == exceptConnID {
			continue
		}
		targets = append(targets, cs)
	}
	r.mu.Unlock()

	for _, cs := range targets {
		r.send(cs, env)
	}
}

// broadcastAll sends env to every connection, including the sender.
func (r *Relay) broadcastAll(env wire.Envelope) {
	r.broadcastExcept(env, "")
}

func (r *Relay) broadcastLockChanged() {
	r.broadcastAll(wire.Envelope{Event: wire.EventFileLockChanged, Data: r.locks.GetAll()})
}

// --- message handlers (spec.md §4.5) ---

func (r *Relay) onFileDiff(cs *connState, env wire.Envelope) {
	diff, err := decodeData[wire.FileDiff](env)
	if err != nil {
		r.cfg.Logger.Printf("bad file:diff payload: %v", err)
		return
	}

	current, err := r.store.GetVersion(diff.File)
	if err == nil && current.Hash != diff.PreviousVersion {
		existingDiffs, derr := r.store.DiffsByFile(diff.File, 1)
		if derr == nil && len(existingDiffs) > 0 {
			result := conflict.Detect(existingDiffs[0], diff, time.Now().UnixMilli())
			if !result.Merged && result.Event != nil {
				if _, ierr := r.store.InsertConflict(*result.Event); ierr != nil {
					r.cfg.Logger.Printf("insert conflict: %v", ierr)
				}
				r.broadcastAll(wire.Envelope{Event: wire.EventFileConflict, Data: *result.Event})
			}
		}
	}

	id, err := r.store.InsertDiff(diff)
	if err != nil {
		r.cfg.Logger.Printf("insert diff: %v", err)
		return
	}
	diff.ID = id
	if err := r.store.UpsertVersion(diff.File, diff.Version, diff.Timestamp); err != nil {
		r.cfg.Logger.Printf("upsert version: %v", err)
	}
	if err := r.store.Prune(diff.File, r.cfg.MaxDiffHistory); err != nil {
		r.cfg.Logger.Printf("prune: %v", err)
	}

	r.broadcastExcept(wire.Envelope{Event: wire.EventFileDiff, Data: diff}, cs.connID)
}

func (r *Relay) onFileLock(cs *connState, env wire.Envelope) {
	req, err := decodeData[wire.LockRequest](env)
	if err != nil {
		r.cfg.Logger.Printf("bad file:lock payload: %v", err)
		return
	}
	if _, err := r.locks.Acquire(req.File, cs.displayName, req.LockType, cs.connID); err != nil {
		r.cfg.Logger.Printf("acquire lock: %v", err)
		return
	}
	r.broadcastLockChanged()
}

func (r *Relay) onFileUnlock(cs *connState, env wire.Envelope) {
	req, err := decodeData[wire.UnlockRequest](env)
	if err != nil {
		r.cfg.Logger.Printf("bad file:unlock payload: %v", err)
		return
	}
	if _, err := r.locks.Release(req.File, cs.displayName); err != nil {
		r.cfg.Logger.Printf("release lock: %v", err)
		return
	}
	r.broadcastLockChanged()
}

func (r *Relay) onFileDelete(cs *connState, env wire.Envelope) {
	req, err := decodeData[wire.DeleteRequest](env)
	if err != nil {
		r.cfg.Logger.Printf("bad file:delete payload: %v", err)
		return
	}
	if _, err := r.locks.Release(req.File, ""); err != nil {
		r.cfg.Logger.Printf("release lock on delete: %v", err)
	}
	r.broadcastExcept(wire.Envelope{Event: wire.EventFileDelete, Data: req}, cs.connID)
}

func (r *Relay) onFileRename(cs *connState, env wire.Envelope) {
	req, err := decodeData[wire.RenameRequest](env)
	if err != nil {
		r.cfg.Logger.Printf("bad file:rename payload: %v", err)
		return
	}
	if _, err := r.locks.Release(req.OldFile, ""); err != nil {
		r.cfg.Logger.Printf("release lock on rename: %v", err)
	}
	r.broadcastExcept(wire.Envelope{Event: wire.EventFileRename, Data: req}, cs.connID)
}

func (r *Relay) onSyncFullFile(cs *connState, env wire.Envelope) {
	req, err := decodeData[wire.FullFileSync](env)
	if err != nil {
		r.cfg.Logger.Printf("bad sync:full-file payload: %v", err)
		return
	}
	if err := r.store.UpsertVersion(req.File, req.Hash, time.Now().UnixMilli()); err != nil {
		r.cfg.Logger.Printf("upsert version on full-file: %v", err)
	}
	r.broadcastExcept(wire.Envelope{Event: wire.EventSyncApplyFullFile, Data: req}, cs.connID)
}

func (r *Relay) onDiffUndo(cs *connState, env wire.Envelope) {
	req, err := decodeData[wire.UndoRequest](env)
	if err != nil {
		r.cfg.Logger.Printf("bad diff:undo payload: %v", err)
		return
	}
	original, err := r.store.ByID(req.DiffID)
	if err != nil {
		r.cfg.Logger.Printf("undo: diff %d not found: %v", req.DiffID, err)
		return
	}

	inverse := wire.FileDiff{
		File:            original.File,
		Patch:           original.Patch,
		Author:          cs.displayName,
		Type:            wire.AuthorHuman,
		Timestamp:       time.Now().UnixMilli(),
		Version:         original.PreviousVersion,
		PreviousVersion: original.Version,
	}
	id, err := r.store.InsertDiff(inverse)
	if err != nil {
		r.cfg.Logger.Printf("insert undo diff: %v", err)
		return
	}
	inverse.ID = id
	if err := r.store.UpsertVersion(inverse.File, inverse.Version, inverse.Timestamp); err != nil {
		r.cfg.Logger.Printf("upsert version on undo: %v", err)
	}

	// Broadcast to ALL connections, including the sender, per spec.md §4.5.
	r.broadcastAll(wire.Envelope{Event: wire.EventFileDiff, Data: inverse})
}

func (r *Relay) onHandshake(cs *connState, env wire.Envelope) {
	hs, err := decodeData[wire.Handshake](env)
	if err != nil {
		r.cfg.Logger.Printf("bad sync:handshake payload: %v", err)
		return
	}

	resp := wire.HandshakeResponse{
		MissingDiffs: nil,
		FullFiles:    []wire.FullFileSync{},
		Locks:        r.locks.GetAll(),
	}

	knownFiles, err := r.allKnownFiles()
	if err != nil {
		r.cfg.Logger.Printf("handshake: list known files: %v", err)
	}
	for _, file := range knownFiles {
		clientHash, known := hs.FileVersions[file]
		current, verr := r.store.GetVersion(file)
		if verr != nil {
			continue
		}
		if known && clientHash == current.Hash {
			continue
		}
		since := clientHash
		diffs, derr := r.store.DiffsSince(file, since)
		if derr != nil {
			r.cfg.Logger.Printf("handshake: diffs since for %s: %v", file, derr)
			continue
		}
		resp.MissingDiffs = append(resp.MissingDiffs, diffs...)
	}

	r.send(cs, wire.Envelope{Event: wire.EventSyncHandshake, Data: resp, ReplyTo: env.ReplyTo})
}

func (r *Relay) onDashboardSubscribe(cs *connState) {
	cs.dashboard = true
	r.send(cs, wire.Envelope{Event: wire.EventDashboardState, Data: r.snapshot()})
}

func (r *Relay) allKnownFiles() ([]string, error) {
	recent, err := r.store.Recent(100000)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var files []string
	for _, d := range recent {
		if !seen[d.File] {
			seen[d.File] = true
			files = append(files, d.File)
		}
	}
	return files, nil
}

func (r *Relay) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			changed, err := r.locks.SweepExpired()
			if err != nil {
				r.cfg.Logger.Printf("sweep expired locks: %v", err)
				continue
			}
			if changed {
				r.broadcastLockChanged()
			}
		}
	}
}

func (r *Relay) dashboardLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.DashboardInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			snap := r.snapshot()
			r.mu.Lock()
			subs := make([]*connState, 0)
			for _, cs := range r.clients {
				if cs.dashboard {
					subs = append(subs, cs)
				}
			}
			r.mu.Unlock()
			env := wire.Envelope{Event: wire.EventDashboardState, Data: snap}
			for _, cs := range subs {
				r.send(cs, env)
			}
		}
	}
}

func (r *Relay) snapshot() wire.DashboardState {
	r.mu.Lock()
	clients := make([]wire.ClientInfo, 0, len(r.clients))
	for _, cs := range r.clients {
		clients = append(clients, wire.ClientInfo{
			ConnectionID:   cs.connID,
			DisplayName:    cs.displayName,
			ConnectedSince: cs.connected,
			LastActivity:   cs.lastActive,
		})
	}
	r.mu.Unlock()

	diffs, _ := r.store.Recent(30)
	conflicts, _ := r.store.RecentConflicts(10)
	totalDiffs, _ := r.store.TotalDiffs()
	totalFiles, _ := r.store.TotalFiles()

	return wire.DashboardState{
		Clients:   clients,
		Locks:     r.locks.GetAll(),
		Diffs:     diffs,
		Conflicts: conflicts,
		Health: wire.HealthMetrics{
			UptimeMS:    time.Since(r.start).Milliseconds(),
			DBSizeBytes: r.store.DBSizeBytes(),
			TotalDiffs:  totalDiffs,
			TotalFiles:  totalFiles,
		},
	}
}

func (r *Relay) handleHealth(w http.ResponseWriter, req *http.Request) {
	uptime := time.Since(r.start)
	writeJSON(w, wire.HealthStatus{
		Status:      "ok",
		Name:        "partsync-relay",
		Version:     "0.1.0",
		UptimeMS:    uptime.Milliseconds(),
		UptimeHuman: uptime.Round(time.Second).String(),
	})
}

func (r *Relay) handleAPIStatus(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, wire.APIStatus{Status: "ok", Version: "0.1.0", Port: r.cfg.Port})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
