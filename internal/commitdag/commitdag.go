// Package commitdag implements commit creation and DAG traversal on
// top of the object store.
package commitdag

import (
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/repoengine/internal/objstore"
)

// StopWalk is returned by a Visitor to end a Walk early without it
// being treated as a failure.
var StopWalk = errors.New("commitdag: stop walk")

// Visitor is called once per commit during a Walk, in the order the
// walk visits them: depth-first from head, each commit before the
// parents the walk reaches through it; in a DAG with merges, a shared
// ancestor can be visited before some of its other descendants.
type Visitor func(id objstore.ID, c *objstore.Commit) error

// New builds and stores a new commit object on top of the given root
// tree and parents (0, 1, or 2 of them), returning its id.
func New(store *objstore.Store, rootID objstore.ID, parents []objstore.ID, creatorName, creatorID, description string) (objstore.ID, error) {
	if len(parents) > 2 {
		return objstore.ID{}, fmt.Errorf("commitdag: a commit may have at most 2 parents, got %d", len(parents))
	}
	c := &objstore.Commit{
		RootID:      rootID,
		ParentIDs:   parents,
		CreatorName: creatorName,
		CreatorID:   creatorID,
		CreatedAt:   time.Now(),
		Description: description,
		Version:     1,
	}
	id, err := store.PutCommit(c)
	if err != nil {
		return objstore.ID{}, fmt.Errorf("commitdag: new commit: %w", err)
	}
	return id, nil
}

// Walk visits head and every ancestor reachable from it exactly once,
// depth-first, stopping early if visit returns StopWalk (not
// propagated to the caller as an error) or any other error (which is
// propagated).
func Walk(store *objstore.Store, head objstore.ID, visit Visitor) error {
	seen := make(map[objstore.ID]bool)
	var stack []objstore.ID
	stack = append(stack, head)

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] || id.IsNull() {
			continue
		}
		seen[id] = true

		c, err := store.GetCommit(id)
		if err != nil {
			return fmt.Errorf("commitdag: walk: load %s: %w", id, err)
		}

		if err := visit(id, c); err != nil {
			if errors.Is(err, StopWalk) {
				return nil
			}
			return fmt.Errorf("commitdag: walk: visitor: %w", err)
		}

		for _, p := range c.ParentIDs {
			if !seen[p] {
				stack = append(stack, p)
			}
		}
	}
	return nil
}

// Ancestors returns the ids of every ancestor of head, including head
// itself, as a set usable for membership tests during LCA search.
func Ancestors(store *objstore.Store, head objstore.ID) (map[objstore.ID]bool, error) {
	set := make(map[objstore.ID]bool)
	err := Walk(store, head, func(id objstore.ID, _ *objstore.Commit) error {
		set[id] = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

// MergeBase finds the common ancestor of a and b used as the base of
// a 3-way merge: a common commit that no other common commit descends
// from, with ties broken by earliest creation time. The
// null id is returned when the two histories share no commit.
func MergeBase(store *objstore.Store, a, b objstore.ID) (objstore.ID, error) {
	ancestorsA, err := Ancestors(store, a)
	if err != nil {
		return objstore.ID{}, err
	}

	var common []objstore.ID
	commits := make(map[objstore.ID]*objstore.Commit)
	err = Walk(store, b, func(id objstore.ID, c *objstore.Commit) error {
		if ancestorsA[id] {
			common = append(common, id)
			commits[id] = c
		}
		return nil
	})
	if err != nil {
		return objstore.ID{}, err
	}
	if len(common) == 0 {
		return objstore.ID{}, nil
	}

	// A common commit reachable from another common commit's parents is
	// not lowest; drop it.
	shadowed := make(map[objstore.ID]bool)
	for _, id := range common {
		for _, p := range commits[id].ParentIDs {
			err := Walk(store, p, func(pid objstore.ID, _ *objstore.Commit) error {
				shadowed[pid] = true
				return nil
			})
			if err != nil {
				return objstore.ID{}, err
			}
		}
	}

	var best objstore.ID
	for _, id := range common {
		if shadowed[id] {
			continue
		}
		if best.IsNull() || commits[id].CreatedAt.Before(commits[best].CreatedAt) {
			best = id
		}
	}
	return best, nil
}

// IsAncestor reports whether ancestorID is head itself or reachable
// from head by following parent links.
func IsAncestor(store *objstore.Store, head, ancestorID objstore.ID) (bool, error) {
	found := false
	err := Walk(store, head, func(id objstore.ID, _ *objstore.Commit) error {
		if id == ancestorID {
			found = true
			return StopWalk
		}
		return nil
	})
	return found, err
}
