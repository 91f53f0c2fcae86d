package dispatch

import (
	"testing"

	"github.com/jordanhubbard/hubcore/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestOverlappingFiles(t *testing.T) {
	self := &models.Session{SessionID: "self", FilesInScope: []string{"./internal/a.go", "cmd/main.go"}}
	peers := []*models.Session{
		{SessionID: "p1", AgentType: "Tester", FilesInScope: []string{"internal/a.go", "internal/a.go", "x.go"}},
		{SessionID: "p2", AgentType: "Reviewer", FilesInScope: []string{"docs/readme.md"}},
		{SessionID: "self", FilesInScope: []string{"cmd/main.go"}},
		nil,
	}

	got := OverlappingFiles(self, peers)
	assert.Equal(t, []FileOverlap{
		{SessionID: "p1", AgentType: "Tester", Files: []string{"internal/a.go"}},
	}, got)
}

func TestOverlappingFiles_Empty(t *testing.T) {
	assert.Nil(t, OverlappingFiles(nil, nil))
	assert.Nil(t, OverlappingFiles(&models.Session{SessionID: "s"}, []*models.Session{
		{SessionID: "p", FilesInScope: []string{"a.go"}},
	}))
}
