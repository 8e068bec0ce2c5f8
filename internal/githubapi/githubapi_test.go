package githubapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const apiPrefix = "/api/v3"

var widgets = Repository{Owner: "acme", Name: "widgets"}

type ClientSuite struct {
	suite.Suite
	mux    *http.ServeMux
	server *httptest.Server
	client *Client
}

func (s *ClientSuite) SetupTest() {
	s.mux = http.NewServeMux()
	s.server = httptest.NewServer(s.mux)

	client, err := New(Config{
		Token:   "ghp_test",
		Timeout: 5 * time.Second,
		BaseURL: s.server.URL + "/",
	})
	require.NoError(s.T(), err)
	s.client = client
}

func (s *ClientSuite) TearDownTest() {
	s.server.Close()
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func (s *ClientSuite) handle(pattern string, fn http.HandlerFunc) {
	s.mux.HandleFunc(pattern, fn)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func (s *ClientSuite) TestGetRepository() {
	s.handle("GET "+apiPrefix+"/repos/acme/widgets", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(s.T(), "Bearer ghp_test", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, `{"name":"widgets","owner":{"login":"acme"}}`)
	})

	repo, err := s.client.GetRepository(context.Background(), "acme", "widgets")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), widgets, repo)
	assert.Equal(s.T(), "https://github.com/acme/widgets", repo.URL())
}

func (s *ClientSuite) TestGetRepository_NotFound() {
	s.handle("GET "+apiPrefix+"/repos/acme/gone", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"message":"Not Found"}`)
	})

	_, err := s.client.GetRepository(context.Background(), "acme", "gone")
	assert.ErrorIs(s.T(), err, ErrNotFound)
}

func (s *ClientSuite) TestListRunners() {
	s.handle("GET "+apiPrefix+"/repos/acme/widgets/actions/runners", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"total_count":2,"runners":[
			{"id":1,"name":"widgets-10","status":"online","busy":true},
			{"id":2,"name":"widgets-11","status":"offline","busy":false}]}`)
	})

	runners, err := s.client.ListRunners(context.Background(), widgets)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), []Runner{
		{ID: 1, Name: "widgets-10", Status: "online", Busy: true},
		{ID: 2, Name: "widgets-11", Status: "offline"},
	}, runners)
}

func (s *ClientSuite) TestListRunners_FollowsPages() {
	s.handle("GET "+apiPrefix+"/repos/acme/widgets/actions/runners", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(s.T(), "100", r.URL.Query().Get("per_page"))
		if r.URL.Query().Get("page") == "2" {
			writeJSON(w, http.StatusOK, `{"total_count":101,"runners":[{"id":101,"name":"widgets-101"}]}`)
			return
		}
		var b strings.Builder
		for i := 1; i <= 100; i++ {
			if i > 1 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, `{"id":%d,"name":"widgets-%d"}`, i, i)
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s%s/repos/acme/widgets/actions/runners?per_page=100&page=2>; rel="next"`, s.server.URL, apiPrefix))
		writeJSON(w, http.StatusOK, `{"total_count":101,"runners":[`+b.String()+`]}`)
	})

	runners, err := s.client.ListRunners(context.Background(), widgets)
	require.NoError(s.T(), err)
	require.Len(s.T(), runners, 101)
	assert.Equal(s.T(), Runner{ID: 101, Name: "widgets-101"}, runners[100])
}

func (s *ClientSuite) TestRemoveRunner() {
	var removed bool
	s.handle("DELETE "+apiPrefix+"/repos/acme/widgets/actions/runners/7", func(w http.ResponseWriter, _ *http.Request) {
		removed = true
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(s.T(), s.client.RemoveRunner(context.Background(), widgets, 7))
	assert.True(s.T(), removed)
}

func (s *ClientSuite) TestRemoveRunner_ServerError() {
	s.handle("DELETE "+apiPrefix+"/repos/acme/widgets/actions/runners/7", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, `{"message":"runner is busy"}`)
	})

	err := s.client.RemoveRunner(context.Background(), widgets, 7)
	require.Error(s.T(), err)
	assert.NotErrorIs(s.T(), err, ErrNotFound)
	assert.Contains(s.T(), err.Error(), "remove runner 7 from acme/widgets")
}

func (s *ClientSuite) TestGenerateJITConfig() {
	s.handle("POST "+apiPrefix+"/repos/acme/widgets/actions/runners/generate-jitconfig", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(s.T(), `{"name":"widgets-10","runner_group_id":1,"labels":["self-hosted","run-10"]}`, string(body))
		writeJSON(w, http.StatusCreated, `{"runner":{"id":42,"name":"widgets-10","status":"offline"},"encoded_jit_config":"ZW5jb2RlZA=="}`)
	})

	jit, err := s.client.GenerateJITConfig(context.Background(), widgets, "widgets-10", []string{"self-hosted", "run-10"})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(42), jit.Runner.ID)
	assert.Equal(s.T(), "widgets-10", jit.Runner.Name)
	assert.Equal(s.T(), "ZW5jb2RlZA==", jit.EncodedConfig)
}

func (s *ClientSuite) TestCreateRegistrationToken() {
	s.handle("POST "+apiPrefix+"/repos/acme/widgets/actions/runners/registration-token", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusCreated, `{"token":"AABBCC","expires_at":"2030-01-01T00:00:00Z"}`)
	})

	tok, err := s.client.CreateRegistrationToken(context.Background(), widgets)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "AABBCC", tok)
}

func (s *ClientSuite) TestListWorkflowRuns_FollowsPages() {
	s.handle("GET "+apiPrefix+"/repos/acme/widgets/actions/runs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(s.T(), "queued", r.URL.Query().Get("status"))
		if r.URL.Query().Get("page") == "2" {
			writeJSON(w, http.StatusOK, `{"total_count":2,"workflow_runs":[{"id":11,"status":"queued"}]}`)
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s%s/repos/acme/widgets/actions/runs?status=queued&page=2>; rel="next"`, s.server.URL, apiPrefix))
		writeJSON(w, http.StatusOK, `{"total_count":2,"workflow_runs":[{"id":10,"status":"queued"}]}`)
	})

	runs, err := s.client.ListWorkflowRuns(context.Background(), widgets, StatusQueued)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), []WorkflowRun{
		{ID: 10, Status: StatusQueued, Repository: widgets},
		{ID: 11, Status: StatusQueued, Repository: widgets},
	}, runs)
}

func (s *ClientSuite) TestGetWorkflowRun() {
	s.handle("GET "+apiPrefix+"/repos/acme/widgets/actions/runs/10", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":10,"status":"completed"}`)
	})

	run, err := s.client.GetWorkflowRun(context.Background(), widgets, 10)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), WorkflowRun{ID: 10, Status: StatusCompleted, Repository: widgets}, run)
}

func (s *ClientSuite) TestGetWorkflowRun_NotFound() {
	s.handle("GET "+apiPrefix+"/repos/acme/widgets/actions/runs/99", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"message":"Not Found"}`)
	})

	_, err := s.client.GetWorkflowRun(context.Background(), widgets, 99)
	assert.ErrorIs(s.T(), err, ErrNotFound)
}

func (s *ClientSuite) TestDownloadRunLogs() {
	s.handle("GET "+apiPrefix+"/repos/acme/widgets/actions/runs/10/logs", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, s.server.URL+"/blobs/10.zip", http.StatusFound)
	})
	s.handle("GET /blobs/10.zip", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("PK\x03\x04zip"))
	})

	data, err := s.client.DownloadRunLogs(context.Background(), widgets, 10)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), []byte("PK\x03\x04zip"), data)
}

func (s *ClientSuite) TestDownloadRunLogs_FollowsMovedRepository() {
	s.handle("GET "+apiPrefix+"/repos/acme/old/actions/runs/10/logs", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, s.server.URL+apiPrefix+"/repos/acme/widgets/actions/runs/10/logs", http.StatusMovedPermanently)
	})
	s.handle("GET "+apiPrefix+"/repos/acme/widgets/actions/runs/10/logs", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, s.server.URL+"/blobs/10.zip", http.StatusFound)
	})
	s.handle("GET /blobs/10.zip", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("PK"))
	})

	data, err := s.client.DownloadRunLogs(context.Background(), Repository{Owner: "acme", Name: "old"}, 10)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), []byte("PK"), data)
}

func (s *ClientSuite) TestDownloadRunLogs_Expired() {
	s.handle("GET "+apiPrefix+"/repos/acme/widgets/actions/runs/10/logs", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, s.server.URL+"/blobs/gone.zip", http.StatusFound)
	})
	s.handle("GET /blobs/gone.zip", http.NotFound)

	_, err := s.client.DownloadRunLogs(context.Background(), widgets, 10)
	assert.ErrorIs(s.T(), err, ErrNotFound)
}

func TestRepositoryFullName(t *testing.T) {
	assert.Equal(t, "acme/widgets", widgets.FullName())
}
