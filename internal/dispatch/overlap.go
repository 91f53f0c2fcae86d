package dispatch

import (
	"path"
	"slices"
	"strings"

	"github.com/jordanhubbard/hubcore/pkg/models"
)

// FileOverlap lists the files a peer has in scope that the session also
// has in scope. It is advisory; nothing is locked.
type FileOverlap struct {
	SessionID string   `json:"session_id"`
	AgentType string   `json:"agent_type"`
	Files     []string `json:"files"`
}

// OverlappingFiles compares session's files in scope with each peer's.
// Paths are compared after cleaning, so "./a/b.go" and "a/b.go" match.
// Peers without overlap are omitted.
func OverlappingFiles(session *models.Session, peers []*models.Session) []FileOverlap {
	if session == nil || len(session.FilesInScope) == 0 {
		return nil
	}
	mine := make(map[string]struct{}, len(session.FilesInScope))
	for _, f := range session.FilesInScope {
		if c := cleanPath(f); c != "" {
			mine[c] = struct{}{}
		}
	}

	var overlaps []FileOverlap
	for _, p := range peers {
		if p == nil || p.SessionID == session.SessionID {
			continue
		}
		var shared []string
		for _, f := range p.FilesInScope {
			c := cleanPath(f)
			if _, ok := mine[c]; ok && c != "" {
				shared = append(shared, c)
			}
		}
		if len(shared) == 0 {
			continue
		}
		slices.Sort(shared)
		overlaps = append(overlaps, FileOverlap{
			SessionID: p.SessionID,
			AgentType: p.AgentType,
			Files:     slices.Compact(shared),
		})
	}
	return overlaps
}

func cleanPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return path.Clean(p)
}
