package interactions

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabi/internal/action"
)

func TestHashDomain(t *testing.T) {
	assert.Equal(t, "281808bf26", HashDomain("https://news.example/world?id=1"))
	assert.Equal(t, HashDomain("https://news.example/a"), HashDomain("http://news.example:8080/b"), "only the host counts")
	assert.Equal(t, "e3b0c44298", HashDomain(""))
	assert.Equal(t, "e3b0c44298", HashDomain("not a url"))
}

func TestShapeOutput(t *testing.T) {
	t.Run("organize keeps group order", func(t *testing.T) {
		plan := action.Plan{Action: action.OrganizeTabs, Confidence: 0.9, Output: json.RawMessage(`{"tabs":[
			{"group_name":"Work","tabs":[{"title":"Docs","url":"https://docs.example","description":""},{"title":"Jira","url":"https://jira.example","description":""}]},
			{"group_name":"Ungrouped","tabs":[{"title":"News","url":"https://news.example","description":""}]}
		]}`)}
		out := ShapeOutput(plan)
		assert.Equal(t, "TabGroupList", out.Type)
		assert.Equal(t, 2, out.Structure.GroupCount)
		assert.Equal(t, []int{2, 1}, out.Structure.TabsPerGroup)
		assert.Equal(t, []string{"104ab9213e", "674b38cae7"}, out.Structure.GroupOrder)
		assert.Equal(t, "281808bf26", out.Groups[1].Tabs[0].DomainHash)
	})

	t.Run("search is a single marked group", func(t *testing.T) {
		plan := action.Plan{Action: action.SearchTabs, Confidence: 0.9, Output: json.RawMessage(`{"title":"CNN","url":"https://news.example","description":""}`)}
		out := ShapeOutput(plan)
		assert.Equal(t, "Tab", out.Type)
		require.Len(t, out.Groups, 1)
		assert.Equal(t, "search_result", out.Groups[0].GroupHash)
		assert.Nil(t, out.Structure.GroupOrder)
	})

	t.Run("close keeps tab count", func(t *testing.T) {
		plan := action.Plan{Action: action.CloseTabs, Confidence: 0.9, Output: json.RawMessage(`{"tabs":["CNN","Reddit"]}`)}
		out := ShapeOutput(plan)
		assert.Equal(t, "TabList", out.Type)
		assert.Equal(t, []int{2}, out.Structure.TabsPerGroup)
	})

	t.Run("bookmark kinds keep only their type", func(t *testing.T) {
		plan := action.Plan{Action: action.RemoveBookmarks, Confidence: 0.9, Output: json.RawMessage(`{"bookmarks":[{"id":"1","title":"x"}]}`)}
		out := ShapeOutput(plan)
		assert.Equal(t, "remove_bookmarks", out.Type)
		assert.Empty(t, out.Groups)
	})

	t.Run("undecodable", func(t *testing.T) {
		out := ShapeOutput(action.Plan{Action: action.CloseTabs})
		assert.Equal(t, "unknown", out.Type)
	})
}

func TestBuild(t *testing.T) {
	plan := action.Plan{Action: action.GenerateTabs, Confidence: 0.7, Output: json.RawMessage(`{"group_name":"Trip","tabs":[{"title":"Maps","url":"https://maps.example","description":""}]}`)}
	ctx := []action.TabGroupSnapshot{{GroupName: "Work", Tabs: []action.TabRef{action.NewTabRef("Docs", "https://docs.example")}}}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))

	rec := Build("id-1", "plan a trip", plan, ctx, false, at)
	assert.Equal(t, action.GenerateTabs, rec.Intent)
	assert.Equal(t, 0.7, rec.Confidence)
	assert.Equal(t, "TabGroup", rec.Output.Type)
	assert.Equal(t, []string{"104ab9213e"}, rec.Metadata.Structure.GroupOrder)
	assert.Nil(t, rec.RawOutput)
	assert.Equal(t, time.UTC, rec.CreatedAt.Location())

	// titles never reach the anonymized blocks
	encoded, err := json.Marshal(struct {
		Output   Output
		Metadata Metadata
	}{rec.Output, rec.Metadata})
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "Docs")
	assert.NotContains(t, string(encoded), "maps.example")

	withRaw := Build("id-2", "plan a trip", plan, ctx, true, at)
	assert.Contains(t, string(withRaw.RawOutput), "maps.example")
}

func TestStoreInsert(t *testing.T) {
	ctx := context.Background()
	rec := Build("0b5c7c4e-2c2c-4d43-9a55-1f1a4b6f3d10", "close reddit",
		action.Plan{Action: action.CloseTabs, Confidence: 0.95, Output: json.RawMessage(`{"tabs":["Reddit"]}`)},
		nil, false, time.Now())

	t.Run("success", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO interactions")).
			WithArgs(rec.ID, "close reddit", "close_tabs", 0.95, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), rec.CreatedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, NewStore(mock, nil).Insert(ctx, rec))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("database error", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		dbErr := errors.New("connection reset")
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO interactions")).WillReturnError(dbErr)

		err = NewStore(mock, nil).Insert(ctx, rec)
		assert.ErrorIs(t, err, dbErr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStoreEnsureSchema(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS interactions")).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, NewStore(mock, nil).EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreRecent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	columns := []string{"id", "prompt", "intent", "confidence", "output", "metadata", "raw_output", "created_at"}
	rows := pgxmock.NewRows(columns).
		AddRow("id-1", "find cnn", "search_tabs", 0.9,
			[]byte(`{"type":"Tab","structure":{"group_count":1,"tabs_per_group":[1]},"groups":[]}`),
			[]byte(`{"structure":{"group_count":0,"tabs_per_group":[]},"groups":[]}`),
			[]byte(`{"action":"search_tabs"}`), at)
	mock.ExpectQuery(regexp.QuoteMeta("FROM interactions")).WithArgs(5).WillReturnRows(rows)

	got, err := NewStore(mock, nil).Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, action.SearchTabs, got[0].Intent)
	assert.Equal(t, "Tab", got[0].Output.Type)
	assert.JSONEq(t, `{"action":"search_tabs"}`, string(got[0].RawOutput))
	assert.True(t, at.Equal(got[0].CreatedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}
