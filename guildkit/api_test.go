package guildkit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIToken = "test-token"

func newTestAPI(t *testing.T) (*Kit, *apiServer) {
	t.Helper()
	kit := newTestKit(t, t.TempDir())
	api := newAPIServer(
		kit,
		APIConfig{Listen: "127.0.0.1:0", Token: testAPIToken},
		testLogger(),
	)
	return kit, api
}

func apiRequest(
	t *testing.T,
	api *apiServer,
	method string,
	path string,
	body string,
) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testAPIToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	return w
}

func TestAPIRequiresToken(t *testing.T) {
	_, api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/guilds", nil)
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/guilds", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = apiRequest(t, api, http.MethodGet, "/api/guilds", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIGuildConfig(t *testing.T) {
	kit, api := newTestAPI(t)
	require.NoError(t, kit.Set("g1", "mymodule", "option", "hello"))

	// Read a single value.
	w := apiRequest(
		t,
		api,
		http.MethodGet,
		"/api/guilds/g1/config/mymodule/option",
		"",
	)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Value any `json:"value"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "hello", resp.Value)

	// Read the full config at the root path.
	w = apiRequest(t, api, http.MethodGet, "/api/guilds/g1/config/", "")
	require.Equal(t, http.StatusOK, w.Code)
	var rootResp struct {
		Value map[string]any `json:"value"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rootResp))
	assert.Contains(t, rootResp.Value, "mymodule")

	// Missing keys are 404s.
	w = apiRequest(
		t,
		api,
		http.MethodGet,
		"/api/guilds/g1/config/mymodule/missing",
		"",
	)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPISetGuildConfig(t *testing.T) {
	kit, api := newTestAPI(t)

	w := apiRequest(
		t,
		api,
		http.MethodPut,
		"/api/guilds/g1/config/mymodule/option",
		`{"value": 42}`,
	)
	require.Equal(t, http.StatusOK, w.Code)

	v, err := kit.Get("g1", "mymodule", "option")
	require.NoError(t, err)
	assert.Equal(t, float64(42), v)

	// The config root can't be replaced wholesale.
	w = apiRequest(
		t,
		api,
		http.MethodPut,
		"/api/guilds/g1/config/",
		`{"value": {}}`,
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Missing body.
	w = apiRequest(
		t,
		api,
		http.MethodPut,
		"/api/guilds/g1/config/mymodule/option",
		`{}`,
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIDeleteGuildConfig(t *testing.T) {
	kit, api := newTestAPI(t)
	require.NoError(t, kit.Set("g1", "mymodule", "option", "x"))

	w := apiRequest(
		t,
		api,
		http.MethodDelete,
		"/api/guilds/g1/config/mymodule/option",
		"",
	)
	require.Equal(t, http.StatusNoContent, w.Code)

	_, err := kit.Get("g1", "mymodule", "option")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// Deleting again is a 404.
	w = apiRequest(
		t,
		api,
		http.MethodDelete,
		"/api/guilds/g1/config/mymodule/option",
		"",
	)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIListGuilds(t *testing.T) {
	kit, api := newTestAPI(t)
	require.NoError(t, kit.Set("g1", "ns", "k", 1))
	require.NoError(t, kit.Set("g2", "ns", "k", 2))

	w := apiRequest(t, api, http.MethodGet, "/api/guilds", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Guilds []string `json:"guilds"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"g1", "g2"}, resp.Guilds)
}

func TestAPIJobs(t *testing.T) {
	_, api := newTestAPI(t)

	w := apiRequest(t, api, http.MethodGet, "/api/jobs", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Jobs []*JobHeader `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Jobs)

	// Cancelling a job that doesn't exist.
	w = apiRequest(t, api, http.MethodDelete, "/api/jobs/999", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = apiRequest(t, api, http.MethodDelete, "/api/jobs/notanumber", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPISchedules(t *testing.T) {
	kit, api := newTestAPI(t)

	body := fmt.Sprintf(
		`{"guild_id": "g1", "task_type": %q, "schedule": "30 4 !weekly", "properties": {"channel": "c1"}}`,
		TaskTypeMessage,
	)
	w := apiRequest(t, api, http.MethodPost, "/api/schedules", body)
	require.Equal(t, http.StatusCreated, w.Code)

	var created CronHeader
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotZero(t, created.ID)
	require.Len(t, kit.Cron().Schedules(), 1)

	// Filtering by guild.
	w = apiRequest(
		t,
		api,
		http.MethodGet,
		"/api/schedules?guild_id=g1",
		"",
	)
	require.Equal(t, http.StatusOK, w.Code)
	var listResp struct {
		Schedules []*CronHeader `json:"schedules"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listResp))
	assert.Len(t, listResp.Schedules, 1)

	w = apiRequest(
		t,
		api,
		http.MethodGet,
		"/api/schedules?guild_id=other",
		"",
	)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listResp))
	assert.Empty(t, listResp.Schedules)

	// Bad schedule strings are 400s.
	w = apiRequest(
		t,
		api,
		http.MethodPost,
		"/api/schedules",
		`{"guild_id": "g1", "task_type": "message", "schedule": "nope"}`,
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown task types too.
	w = apiRequest(
		t,
		api,
		http.MethodPost,
		"/api/schedules",
		`{"guild_id": "g1", "task_type": "bogus", "schedule": "1 4 * * 0"}`,
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Delete the schedule.
	w = apiRequest(
		t,
		api,
		http.MethodDelete,
		fmt.Sprintf("/api/schedules/%d", created.ID),
		"",
	)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, kit.Cron().Schedules())
}

func TestAPIRunSchedule(t *testing.T) {
	kit, api := newTestAPI(t)

	header, err := kit.ScheduleJob(
		context.Background(),
		"g1",
		"owner",
		TaskTypeMessage,
		"30 4 !weekly",
		Properties{"channel": "c1"},
	)
	require.NoError(t, err)

	w := apiRequest(
		t,
		api,
		http.MethodPost,
		fmt.Sprintf("/api/schedules/%d/run", header.ID),
		"",
	)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Len(t, kit.Queue().Jobs(), 1)

	w = apiRequest(t, api, http.MethodPost, "/api/schedules/999/run", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
