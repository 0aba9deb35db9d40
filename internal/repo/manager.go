package repo

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/repoengine/internal/branch"
	"github.com/cuemby/repoengine/internal/config"
	"github.com/cuemby/repoengine/internal/events"
	"github.com/cuemby/repoengine/internal/ignore"
	"github.com/cuemby/repoengine/internal/index"
	"github.com/cuemby/repoengine/internal/metadatadb"
	"github.com/cuemby/repoengine/internal/metrics"
	"github.com/cuemby/repoengine/internal/objstore"
	"github.com/cuemby/repoengine/internal/rlog"
	"github.com/cuemby/repoengine/internal/security"
	"github.com/cuemby/repoengine/internal/types"
)

// headBranchName is the only branch name this engine's callers use
// today; the branch registry is not hardcoded to it, but the Repo
// Manager's lifecycle operations are.
const headBranchName = "master"

// Manager owns the set of live Repo records and their shared
// collaborators.
// Exactly one Manager exists per process.
type Manager struct {
	cfg      *config.Config
	db       *metadatadb.DB
	events   *events.Broker
	ignore   *ignore.Matcher
	branches *branch.Registry

	// mu guards repos. Readers (GetRepo, GetRepoList) take RLock;
	// structural mutators (CreateNewRepo, MarkRepoDeleted) take Lock.
	// Go's RWMutex does not document writer preference under sustained
	// read load, so the repo-set mutators (CreateNewRepo, AddRepo,
	// MarkRepoDeleted) first take a ticket from writerTicket before
	// blocking on mu.Lock, so at most one of them waits on the lock at
	// a time. Start and Close lock mu directly.
	mu           sync.RWMutex
	writerTicket chan struct{}
	repos        map[string]*Repo

	checkoutMu    sync.Mutex
	checkoutTasks map[string]*CheckoutTask

	gcMu      sync.Mutex
	gcCond    *sync.Cond
	gcRunning bool

	// relayCheck validates a candidate relay peer id against the CCNet
	// collaborator's peer table (the peer must carry the MyRelay role).
	// nil accepts any well-formed id, for deployments without peer
	// discovery wired in.
	relayCheck func(peerID string) bool

	stopGCTicker chan struct{}
	closeOnce    sync.Once
}

// NewManager opens the metadata DB, wires the event broker, ignore
// matcher, and branch registry, and returns a Manager with an empty
// in-memory repo set. Call Start to run the startup sequence.
func NewManager(cfg *config.Config) (*Manager, error) {
	db, err := metadatadb.Open(cfg.SeafDir)
	if err != nil {
		return nil, fmt.Errorf("repo: open metadata db: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	m := &Manager{
		cfg:           cfg,
		db:            db,
		events:        broker,
		ignore:        ignore.New(cfg.IgnorePatterns),
		branches:      branch.New(db),
		writerTicket:  make(chan struct{}, 1),
		repos:         make(map[string]*Repo),
		checkoutTasks: make(map[string]*CheckoutTask),
		stopGCTicker:  make(chan struct{}),
	}
	m.writerTicket <- struct{}{}
	m.gcCond = sync.NewCond(&m.gcMu)
	return m, nil
}

// Close stops the event broker, closes every repo's object store, and
// closes the metadata DB. Safe to call more than once; only the first
// call does anything. Checkout tasks and GC waiters in flight are not
// interrupted; callers should cancel their own contexts first.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.stopGCTicker)
		m.events.Stop()

		m.mu.Lock()
		for _, r := range m.repos {
			if r.store != nil {
				r.store.Close()
				r.store = nil
			}
		}
		m.mu.Unlock()

		err = m.db.Close()
	})
	return err
}

// Events returns the Manager's notification broker, for collaborators
// (worktree watcher, sync manager) that subscribe to repo lifecycle
// events.
func (m *Manager) Events() *events.Broker { return m.events }

// Start runs the startup sequence: drain pending deletes, load every
// surviving repo, then resume interrupted merges. Each step logs and
// continues past a single bad row rather than aborting the whole
// startup.
func (m *Manager) Start(ctx context.Context) error {
	log := rlog.WithComponent("repo-manager")

	if err := m.reclaimDeletedRepos(); err != nil {
		return fmt.Errorf("repo: reclaim deleted repos: %w", err)
	}

	rows, err := m.db.ListRepos()
	if err != nil {
		return fmt.Errorf("repo: list repos: %w", err)
	}
	for _, row := range rows {
		r, err := m.loadRepo(row)
		if err != nil {
			log.Warn().Str("repo_id", row.ID).Err(err).Msg("repo corrupted at load, removing")
			if derr := m.purgeCorrupted(row.ID); derr != nil {
				log.Error().Str("repo_id", row.ID).Err(derr).Msg("failed to purge corrupted repo")
			}
			continue
		}
		m.mu.Lock()
		m.repos[r.ID] = r
		m.mu.Unlock()
	}

	go m.runGCTickerFallback()

	if err := m.resumeInterruptedMerges(ctx); err != nil {
		log.Error().Err(err).Msg("failed to resume interrupted merges")
	}
	return nil
}

// loadRepo rehydrates one persisted repo: resolve the head branch
// and commit, then layer in properties and cached key material.
func (m *Manager) loadRepo(row *types.Repo) (*Repo, error) {
	r := &Repo{
		ID:            row.ID,
		Name:          row.Name,
		Description:   row.Description,
		Encrypted:     row.Encrypted,
		EncVersion:    row.EncVersion,
		KDFIterations: m.cfg.KDFIterations,
		Magic:         row.Magic,
		CreatedAt:     row.CreatedAt,
		WorktreePath:  row.WorktreePath,
		HeadBranch:    headBranchName,
	}

	if head, err := m.db.GetProperty(row.ID, "head"); err == nil && head != "" {
		r.HeadBranch = head
	}

	store, serr := m.openStore(r)
	if serr != nil {
		return nil, serr
	}
	r.store = store

	// Keys must be loaded before the head commit is read: an encrypted
	// repo's commits are stored ciphertext.
	if err := m.loadKeys(r); err != nil {
		return nil, err
	}

	// A missing head branch is not corruption (freshly cloned, never
	// checked out); a head branch pointing at a missing or unreadable
	// commit is. An encrypted repo whose key is still locked cannot be
	// verified yet, so it is taken on faith until the password arrives.
	if headCommit, err := m.branches.Head(row.ID, r.HeadBranch); err == nil && r.HasKey() {
		if _, cerr := store.GetCommit(headCommit); cerr != nil {
			return nil, fmt.Errorf("repo: load head commit: %w", cerr)
		}
	}

	m.loadProperties(r)
	return r, nil
}

// loadKeys loads cached key material, or regenerates it from a
// cached password if the keys row is missing (upgrade path or key-DB
// loss).
func (m *Manager) loadKeys(r *Repo) error {
	if !r.Encrypted {
		return nil
	}
	if keys, err := m.db.GetRepoKeys(r.ID); err == nil {
		key, kerr := hex.DecodeString(keys.Key)
		iv, ierr := hex.DecodeString(keys.IV)
		if kerr == nil && ierr == nil {
			r.setKey(key, iv)
			return nil
		}
	}
	if pw, err := m.db.GetRepoPasswd(r.ID); err == nil {
		key, iv := security.DeriveKey(pw.Passwd, r.ID, r.kdfParams())
		r.passwd = pw.Passwd
		r.setKey(key, iv)
		if err := m.persistKeys(r); err != nil {
			return err
		}
	}
	return nil
}

// loadProperties layers the property rows onto the in-memory repo.
func (m *Manager) loadProperties(r *Repo) {
	get := func(key string) string {
		v, _ := m.db.GetProperty(r.ID, key)
		return v
	}
	r.AutoSync = get("auto-sync") == "true"
	r.NetBrowsable = get("net-browsable") == "true"
	r.RelayID = get("relay-id")
	r.Email = get("email")
	r.Token = get("token")
	if wt := get("worktree"); wt != "" {
		r.WorktreePath = wt
	}
}

func (m *Manager) openStore(r *Repo) (*objstore.Store, error) {
	store, err := objstore.Open(m.cfg.SeafDir, r.ID, nil)
	if err != nil {
		return nil, fmt.Errorf("repo: open object store for %s: %w", r.ID, err)
	}
	store.SetChunkSize(m.cfg.ChunkSize)
	return store, nil
}

// purgeCorrupted removes every row and file for a repo that failed to
// load; a repo that cannot be rehydrated is auto-removed rather than
// left half-alive.
func (m *Manager) purgeCorrupted(repoID string) error {
	return m.wipeRepoState(repoID)
}

// CreateNewRepo allocates a UUID and registers an empty repo,
// persisting it immediately so a crash right after creation still
// leaves a recoverable row.
func (m *Manager) CreateNewRepo(name, description string) (*Repo, error) {
	id := uuid.NewString()
	r := &Repo{
		ID:            id,
		Name:          name,
		Description:   description,
		KDFIterations: m.cfg.KDFIterations,
		CreatedAt:     time.Now(),
		HeadBranch:    headBranchName,
	}
	store, err := m.openStore(r)
	if err != nil {
		return nil, err
	}
	r.store = store

	if err := m.db.PutRepo(r.toRow()); err != nil {
		return nil, fmt.Errorf("repo: create %s: persist row: %w", id, err)
	}

	m.acquireWriterSlot()
	defer m.releaseWriterSlot()
	m.mu.Lock()
	m.repos[id] = r
	m.mu.Unlock()

	return r, nil
}

// AddRepo registers an externally constructed repo (the clone path:
// metadata arrives from a peer, not CreateNewRepo), persisting its
// row and opening its object store.
func (m *Manager) AddRepo(r *Repo) error {
	if r.store == nil {
		store, err := m.openStore(r)
		if err != nil {
			return err
		}
		r.store = store
	}
	if r.KDFIterations == 0 {
		r.KDFIterations = m.cfg.KDFIterations
	}
	if r.HeadBranch == "" {
		r.HeadBranch = headBranchName
	}
	if err := m.db.PutRepo(r.toRow()); err != nil {
		return fmt.Errorf("repo: add %s: persist row: %w", r.ID, err)
	}

	m.acquireWriterSlot()
	defer m.releaseWriterSlot()
	m.mu.Lock()
	m.repos[r.ID] = r
	m.mu.Unlock()
	return nil
}

// GetRepo returns the live repo for id, or ErrNotFound if it does
// not exist or has been marked deleted.
func (m *Manager) GetRepo(id string) (*Repo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.repos[id]
	if !ok || r.deletePending {
		return nil, metadatadb.ErrNotFound
	}
	return r, nil
}

// GetRepoPrefix returns the unique repo whose id starts with prefix,
// ErrNotFound if none matches, or an error if more than one does.
func (m *Manager) GetRepoPrefix(prefix string) (*Repo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var match *Repo
	for id, r := range m.repos {
		if r.deletePending {
			continue
		}
		if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
			if match != nil {
				return nil, fmt.Errorf("repo: prefix %q matches more than one repo", prefix)
			}
			match = r
		}
	}
	if match == nil {
		return nil, metadatadb.ErrNotFound
	}
	return match, nil
}

// RepoExists reports whether id names a live, non-deleted repo.
func (m *Manager) RepoExists(id string) bool {
	_, err := m.GetRepo(id)
	return err == nil
}

// GetRepoList returns up to limit repos in ascending id order starting
// at or after start, as a sorted-keys snapshot over the guarded map.
func (m *Manager) GetRepoList(start string, limit int) []*Repo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.repos))
	for id, r := range m.repos {
		if !r.deletePending {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	i := sort.SearchStrings(ids, start)
	var out []*Repo
	for ; i < len(ids) && len(out) < limit; i++ {
		out = append(out, m.repos[ids[i]])
	}
	return out
}

// MarkRepoDeleted begins the two-phase delete: tombstone the repo
// and remove it from the live map immediately so GetRepo stops
// finding it, then hand the DB rows and files to reclaimDeletedRepos
// (re-run at every startup, so a crash mid-delete resumes).
func (m *Manager) MarkRepoDeleted(r *Repo) error {
	r.Lock()
	r.deletePending = true
	if r.store != nil {
		r.store.Close()
		r.store = nil
	}
	r.Unlock()

	if err := m.db.PutDeletedRepo(&types.DeletedRepo{ID: r.ID, Name: r.Name, DeletedAt: time.Now()}); err != nil {
		return fmt.Errorf("repo: mark deleted %s: %w", r.ID, err)
	}

	m.acquireWriterSlot()
	defer m.releaseWriterSlot()
	m.mu.Lock()
	delete(m.repos, r.ID)
	m.mu.Unlock()

	return m.reclaimDeletedRepos()
}

// reclaimDeletedRepos drains the DeletedRepo tombstone table,
// run at every startup and after every MarkRepoDeleted: afterwards no
// rows for a tombstoned repo remain in any table and its index file
// is gone.
func (m *Manager) reclaimDeletedRepos() error {
	tombstones, err := m.db.ListDeletedRepos()
	if err != nil {
		return fmt.Errorf("repo: list deleted repos: %w", err)
	}
	for _, t := range tombstones {
		if err := m.wipeRepoState(t.ID); err != nil {
			reclaimLogger := rlog.WithComponent("repo-manager")
			reclaimLogger.Error().Str("repo_id", t.ID).Err(err).Msg("failed to reclaim deleted repo")
			continue
		}
		if err := m.db.DeleteDeletedRepo(t.ID); err != nil {
			return fmt.Errorf("repo: clear tombstone %s: %w", t.ID, err)
		}
	}
	return nil
}

func (m *Manager) wipeRepoState(repoID string) error {
	if err := m.db.DeleteAllForRepo(repoID); err != nil {
		return fmt.Errorf("repo: wipe rows for %s: %w", repoID, err)
	}
	if err := objstore.Remove(m.cfg.SeafDir, repoID); err != nil {
		return err
	}
	return index.Remove(m.cfg.SeafDir, repoID)
}

// SetRelayChecker installs the peer-table lookup used to validate
// relay-id property updates.
func (m *Manager) SetRelayChecker(fn func(peerID string) bool) {
	m.relayCheck = fn
}

// SetRepoProperty upserts a property and applies the side effects of
// recognized keys. A bad relay-id is rejected before anything is
// persisted.
func (m *Manager) SetRepoProperty(r *Repo, key, value string) error {
	r.Lock()
	defer r.Unlock()

	if key == "relay-id" {
		if len(value) != 40 {
			return fmt.Errorf("repo: relay-id %q: must be a 40-character peer id", value)
		}
		if m.relayCheck != nil && !m.relayCheck(value) {
			return fmt.Errorf("repo: relay-id %q: peer is not a relay", value)
		}
	}

	if err := m.db.SetProperty(r.ID, key, value); err != nil {
		return fmt.Errorf("repo: set property %s/%s: %w", r.ID, key, err)
	}

	switch key {
	case "auto-sync":
		r.AutoSync = value == "true"
		if !r.AutoSync {
			m.cancelSyncTask(r.ID)
		}
	case "net-browsable":
		r.NetBrowsable = value == "true"
	case "relay-id":
		r.RelayID = value
	case "email":
		r.Email = value
	case "token":
		r.Token = value
	}
	return nil
}

// SetRepoWorktree validates the path exists, binds it to the repo,
// and publishes repo.setwktree.
func (m *Manager) SetRepoWorktree(r *Repo, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("repo: worktree %s: %w", path, err)
	}

	r.Lock()
	r.WorktreePath = path
	r.Unlock()

	if err := m.db.SetProperty(r.ID, "worktree", path); err != nil {
		return fmt.Errorf("repo: persist worktree property: %w", err)
	}
	m.events.Publish(&events.Event{Type: events.RepoSetWorktree, RepoID: r.ID, Message: path})
	return nil
}

// UnsetRepoWorktree clears the repo's worktree binding (the directory
// vanished or the user unlinked it) and publishes repo.unsetwktree.
func (m *Manager) UnsetRepoWorktree(r *Repo) error {
	r.Lock()
	old := r.WorktreePath
	r.WorktreePath = ""
	r.Unlock()

	if err := m.db.SetProperty(r.ID, "worktree", ""); err != nil {
		return fmt.Errorf("repo: clear worktree property: %w", err)
	}
	m.events.Publish(&events.Event{Type: events.RepoUnsetWorktree, RepoID: r.ID, Message: old})
	return nil
}

// SetRepoPasswd derives and caches key material for an encrypted
// repo and persists both the clear password and the derived keys.
func (m *Manager) SetRepoPasswd(r *Repo, passwd string) error {
	r.Lock()
	defer r.Unlock()

	key, iv := security.DeriveKey(passwd, r.ID, r.kdfParams())
	r.passwd = passwd
	r.setKey(key, iv)

	if err := m.db.PutRepoPasswd(&types.RepoPasswd{RepoID: r.ID, Passwd: passwd}); err != nil {
		return fmt.Errorf("repo: persist password: %w", err)
	}
	return m.persistKeys(r)
}

func (m *Manager) persistKeys(r *Repo) error {
	return m.db.PutRepoKeys(&types.RepoKeys{
		RepoID: r.ID,
		Key:    hex.EncodeToString(r.key),
		IV:     hex.EncodeToString(r.iv),
	})
}

// GenerateMagic derives the repo's password fingerprint and persists
// it to the Repo row.
func (m *Manager) GenerateMagic(r *Repo, passwd string) (string, error) {
	r.Lock()
	if !r.Encrypted {
		r.EncVersion = m.cfg.EncVersion
	}
	r.Magic = security.GenerateMagic(passwd, r.ID, r.kdfParams())
	r.Encrypted = true
	magic := r.Magic
	r.Unlock()

	if err := m.db.PutRepo(r.toRow()); err != nil {
		return "", fmt.Errorf("repo: persist magic: %w", err)
	}
	if err := m.SetRepoPasswd(r, passwd); err != nil {
		return "", fmt.Errorf("repo: cache key after generate_magic: %w", err)
	}
	return magic, nil
}

// VerifyPasswd checks a candidate password against the repo's stored
// magic and, on success, caches the derived key so subsequent object
// reads can decrypt.
func (m *Manager) VerifyPasswd(r *Repo, passwd string) error {
	if err := security.VerifyPasswd(passwd, r.ID, r.Magic, r.kdfParams()); err != nil {
		return err
	}
	return m.SetRepoPasswd(r, passwd)
}

// acquireWriterSlot/releaseWriterSlot implement the bounded writer
// priority noted in Manager.mu's doc comment.
func (m *Manager) acquireWriterSlot() { <-m.writerTicket }
func (m *Manager) releaseWriterSlot() { m.writerTicket <- struct{}{} }

func (m *Manager) cancelSyncTask(repoID string) {
	m.checkoutMu.Lock()
	defer m.checkoutMu.Unlock()
	if t, ok := m.checkoutTasks[repoID]; ok {
		t.cancel()
	}
}

func (m *Manager) resumeInterruptedMerges(ctx context.Context) error {
	infos, err := m.db.ListMergeInfo()
	if err != nil {
		return fmt.Errorf("repo: list merge info: %w", err)
	}
	for _, info := range infos {
		if !info.InMerge {
			continue
		}
		r, err := m.GetRepo(info.RepoID)
		if err != nil {
			continue
		}
		go func(r *Repo, branchName string) {
			log := rlog.WithRepo(r.ID)
			log.Info().Str("branch", branchName).Msg("resuming interrupted merge")
			if _, err := m.mergeBranch(ctx, r, branchName, true); err != nil {
				log.Error().Err(err).Msg("resumed merge failed")
			}
		}(r, info.Branch)
	}
	return nil
}

func (m *Manager) runGCTickerFallback() {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.gcCond.Broadcast()
		case <-m.stopGCTicker:
			return
		}
	}
}

// BeginGC marks the object store write lock as held by a GC sweep;
// IndexAdd callers block in waitForGC until EndGC releases it.
func (m *Manager) BeginGC() {
	m.gcMu.Lock()
	m.gcRunning = true
	m.gcMu.Unlock()
}

// EndGC releases the object store write lock and wakes any waiters.
func (m *Manager) EndGC() {
	m.gcMu.Lock()
	m.gcRunning = false
	m.gcMu.Unlock()
	m.gcCond.Broadcast()
}

func (m *Manager) waitForGC() {
	timer := metrics.NewTimer(metrics.GCWaitSeconds)
	defer timer.ObserveDuration()

	m.gcMu.Lock()
	defer m.gcMu.Unlock()
	for m.gcRunning {
		gcWaitLogger := rlog.WithComponent("repo-manager")
		gcWaitLogger.Debug().Msg("index_add waiting for GC to release the object store")
		m.gcCond.Wait()
	}
}
