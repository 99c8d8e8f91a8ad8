package web

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type task struct {
	ID       string
	Title    string
	Email    string
	Deadline *time.Time
	Complete bool
}

type form struct {
	Title, Email, Deadline string
	Complete               bool
}

type counts struct {
	Total, Completed, Uncompleted int64
}

type data struct {
	Flash   string
	Minimal bool
	Tasks   []task
	Counts  counts
	Query   string
	Form    form
	Error   string
	ID      string
	Lead    time.Duration
}

func TestRenderer_RendersEveryPage(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	deadline := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	d := data{
		Flash:  "task not found",
		Tasks:  []task{{ID: "id-1", Title: "<Pay bills>", Email: "a@b.com", Deadline: &deadline}},
		Counts: counts{Total: 1, Uncompleted: 1},
		Query:  "Pay",
		Form:   form{Title: "Pay bills"},
		Error:  "deadline: deadline must be in the future",
		ID:     "id-1",
		Lead:   time.Hour,
	}

	for _, page := range []string{"index", "search", "add", "update", "about"} {
		t.Run(page, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, r.Render(&buf, page, d))
			assert.Contains(t, buf.String(), "task not found")
		})
	}

	var buf bytes.Buffer
	require.NoError(t, r.Render(&buf, "index", d))
	assert.Contains(t, buf.String(), "&lt;Pay bills&gt;")
	assert.Contains(t, buf.String(), "Uncompleted: 1")
	assert.Contains(t, buf.String(), deadline.Local().Format("Mon 02 Jan 2006 15:04"))
}

func TestFormatDeadline_UsesServerZone(t *testing.T) {
	utc := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	tokyo := utc.In(time.FixedZone("JST", 9*60*60))

	assert.Equal(t, utc.Local().Format("Mon 02 Jan 2006 15:04"), formatDeadline(&utc))
	assert.Equal(t, formatDeadline(&utc), formatDeadline(&tokyo))
	assert.Empty(t, formatDeadline(nil))
}

func TestRenderer_UnknownPage(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	var buf bytes.Buffer
	assert.Error(t, r.Render(&buf, "missing", nil))
	assert.Empty(t, buf.String())
}
