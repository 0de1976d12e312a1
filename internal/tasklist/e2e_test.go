package tasklist

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BuzzLyutic/shadowflow/internal/apiclient"
	"github.com/BuzzLyutic/shadowflow/internal/handler"
	"github.com/BuzzLyutic/shadowflow/internal/model"
	"github.com/BuzzLyutic/shadowflow/internal/repo"
	"github.com/BuzzLyutic/shadowflow/internal/testutil"
)

// Полный путь на настоящей БД: два устройства одного пользователя и
// обогащение задачи внешним сервисом.
func TestE2E_Postgres(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	testutil.TruncateTables(t, pool)

	srv := testutil.NewAPIServerWithRepo(t, repo.NewTaskRepo(pool))
	f := &fixture{t: t, srv: srv, api: apiclient.New(srv.URL)}
	ctx := context.Background()

	laptop := f.view(Options{})
	require.NoError(t, laptop.Open(ctx, f.session("alice")))
	phone := f.view(Options{Filter: model.FilterActive})
	require.NoError(t, phone.Open(ctx, f.session("alice")))

	task, err := laptop.Create(ctx, "write report")
	require.NoError(t, err)
	eventuallyTitles(t, laptop, "write report")
	eventuallyTitles(t, phone, "write report")

	require.NoError(t, phone.Rename(ctx, task.ID, "write the report"))
	eventuallyTitles(t, laptop, "write the report")

	require.NoError(t, laptop.Toggle(ctx, task.ID))
	eventuallyTitles(t, phone)
	require.Eventually(t, func() bool {
		got, ok := laptop.Snapshot().Find(task.ID)
		return ok && got.IsCompleted
	}, wait, 10*time.Millisecond)

	// enrichment service answers through the internal callback
	enrich := srv.Hooks.Wait(t, "/enrich", 1)
	assert.Equal(t, task.ID, enrich[0].Body["task_id"])

	body, err := json.Marshal(model.EnrichmentCallback{
		TaskID:              task.ID,
		TitleEnriched:       "Write the quarterly report",
		DescriptionEnriched: "Collect numbers first",
	})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/enrichment/callback", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(handler.InternalAuthHeader, testutil.InternalKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		got, ok := laptop.Snapshot().Find(task.ID)
		return ok && got.TitleEnriched != nil && *got.TitleEnriched == "Write the quarterly report"
	}, wait, 10*time.Millisecond)

	require.NoError(t, phone.SetFilter(ctx, model.FilterAll))
	require.NoError(t, phone.Delete(ctx, task.ID))
	eventuallyTitles(t, laptop)
	eventuallyTitles(t, phone)

	rows, err := srv.Repo.List(ctx, "alice", model.FilterAll)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
