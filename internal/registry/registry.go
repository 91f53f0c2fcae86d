// Package registry tracks live agent sessions per workspace so that
// concurrently running agents can see each other.
//
// The registry is advisory. It publishes each session's claimed steps and
// files in scope; it does not lock anything and does not enforce
// non-overlap. Consumers decide what to do with a peer's claims.
//
// Callers materializing a new session must Register before calling
// ActivePeers. Two sessions that start at the same time then each observe
// the other; querying first lets both see an empty peer set. The registry
// does not serialize concurrent registrations itself.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jordanhubbard/hubcore/pkg/models"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidSession  = errors.New("invalid session")
)

// Registry is implemented by the SQL and Redis backends.
type Registry interface {
	// Register upserts a session keyed by its session ID. Re-registering
	// keeps the original start time.
	Register(ctx context.Context, s *models.Session) error
	// ActivePeers returns the other active sessions of a workspace.
	ActivePeers(ctx context.Context, workspaceID, excludeSessionID string) ([]*models.Session, error)
	// Resync applies an Update after a step-status change.
	Resync(ctx context.Context, sessionID string, u Update) (*models.Session, error)
	// ResyncFunc builds the Update from the stored session and applies it
	// atomically. build may run more than once and must not have side
	// effects.
	ResyncFunc(ctx context.Context, sessionID string, build func(*models.Session) Update) (*models.Session, error)
	// End moves a session to a terminal status.
	End(ctx context.Context, sessionID string, status models.SessionStatus) (*models.Session, error)
	Get(ctx context.Context, sessionID string) (*models.Session, error)
}

// Update carries the session fields refreshed on every step-status
// mutation. Nil fields are left unchanged; an empty non-nil slice clears.
type Update struct {
	CurrentPhase     *string  `json:"current_phase,omitempty"`
	ClaimedSteps     []int    `json:"claimed_steps,omitempty"`
	FilesInScope     []string `json:"files_in_scope,omitempty"`
	MaterializedPath *string  `json:"materialized_path,omitempty"`
}

// IsEmpty reports whether the update changes nothing.
func (u Update) IsEmpty() bool {
	return u.CurrentPhase == nil && u.ClaimedSteps == nil && u.FilesInScope == nil && u.MaterializedPath == nil
}

func (u Update) apply(s *models.Session, now time.Time) {
	if u.CurrentPhase != nil {
		s.CurrentPhase = *u.CurrentPhase
	}
	if u.ClaimedSteps != nil {
		s.ClaimedSteps = normalizeSteps(u.ClaimedSteps)
	}
	if u.FilesInScope != nil {
		s.FilesInScope = normalizeFiles(u.FilesInScope)
	}
	if u.MaterializedPath != nil {
		s.MaterializedPath = *u.MaterializedPath
	}
	s.UpdatedAt = now
}

// prepare validates s and fills defaults before a write.
func prepare(s *models.Session, now time.Time) error {
	if s == nil {
		return fmt.Errorf("%w: session cannot be nil", ErrInvalidSession)
	}
	if strings.TrimSpace(s.SessionID) == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidSession)
	}
	if strings.TrimSpace(s.WorkspaceID) == "" {
		return fmt.Errorf("%w: workspace_id is required", ErrInvalidSession)
	}
	if s.Status == "" {
		s.Status = models.SessionStatusActive
	}
	s.ClaimedSteps = normalizeSteps(s.ClaimedSteps)
	s.FilesInScope = normalizeFiles(s.FilesInScope)
	if s.StartedAt.IsZero() {
		s.StartedAt = now
	}
	s.UpdatedAt = now
	if !s.Status.IsTerminal() {
		s.EndedAt = nil
	}
	return nil
}

func normalizeSteps(steps []int) []int {
	out := slices.Clone(steps)
	if out == nil {
		out = []int{}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func normalizeFiles(files []string) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func validateEndStatus(status models.SessionStatus) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: cannot end session with status %q", ErrInvalidSession, status)
	}
	return nil
}

// sortPeers orders peers by start time, then session ID.
func sortPeers(peers []*models.Session) {
	slices.SortFunc(peers, func(a, b *models.Session) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
}
