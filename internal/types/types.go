// Package types holds the plain data records the repository engine
// persists to its metadata database.
package types

import "time"

// RepoStatus classifies a Repo row's lifecycle state.
type RepoStatus string

const (
	RepoStatusNormal  RepoStatus = "normal"
	RepoStatusDeleted RepoStatus = "deleted" // tombstoned, awaiting reclaim
)

// Repo is one tracked repository's metadata row.
type Repo struct {
	ID          string // 36-character UUID
	Name        string
	Description string
	Encrypted   bool
	EncVersion  int
	Magic       string // 32-hex fingerprint, empty if not encrypted
	RandomKey   string // not used by key derivation, which salts with the repo id
	Status      RepoStatus
	CreatedAt   time.Time
	// WorktreePath is empty when the repo has no live worktree binding.
	WorktreePath string
}

// DeletedRepo is the tombstone row written when a Repo moves to
// RepoStatusDeleted, kept until the repo manager's reclaim pass has
// removed the repo's rows, index file and object store.
type DeletedRepo struct {
	ID        string
	Name      string
	DeletedAt time.Time
}

// Branch is one named, mutable pointer into a repo's commit DAG.
// "master" is the only branch name this engine's callers use today,
// but the registry is not hardcoded to it.
type Branch struct {
	RepoID   string
	Name     string
	CommitID string // objstore.ID hex string
}

// RepoProperty is an arbitrary (repo_id, key) -> value row, used for
// small bits of per-repo state that do not warrant their own bucket.
type RepoProperty struct {
	RepoID string
	Key    string
	Value  string
}

// MergeInfo records an in-progress or crash-interrupted merge so it
// can be resumed or aborted on the next startup.
type MergeInfo struct {
	RepoID    string
	InMerge   bool
	Branch    string // remote branch name being merged in
	StartedAt time.Time
}

// RepoPasswd caches an encrypted repo's password in clear once the
// user has supplied it, so a restart does not have to prompt again.
// The magic fingerprint used to verify a password lives on the Repo
// row itself, not here.
type RepoPasswd struct {
	RepoID string
	Passwd string
}

// RepoKeys caches the AES key/IV derived from a repo's password, hex
// encoded, so a restart can decrypt objects without the user
// re-entering the password.
type RepoKeys struct {
	RepoID string
	Key    string
	IV     string
}

// RepoToken is the shared shape behind both RepoLanToken (local
// network transfer) and RepoTmpToken (short-lived per-peer token);
// which table a row lives in is determined by the bucket it's stored
// in, not by a field on the struct.
type RepoToken struct {
	RepoID    string
	PeerID    string
	Token     string
	ExpiresAt time.Time
}
