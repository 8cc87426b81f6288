package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usage_ingest/internal/auth"
	"usage_ingest/internal/config"
	"usage_ingest/internal/journal"
	"usage_ingest/internal/models"
	"usage_ingest/internal/utils"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestQueryPrintsBuckets(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/usage/team-a", r.URL.Path)
		gotQuery = r.URL.RawQuery
		utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
			"buckets": []models.UsageAggregate{{
				IdentityKey:    "team-a",
				BucketStart:    time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
				CallCount:      3,
				SumTotalTokens: 35,
			}},
			"totals": map[string]int64{"call_count": 3, "sum_total_tokens": 35},
		})
	}))
	defer srv.Close()

	out, err := run(t, "--server", srv.URL, "query", "team-a", "--from", "2025-03-01T00:00:00Z")
	require.NoError(t, err)
	assert.Contains(t, gotQuery, "from=2025-03-01T00%3A00%3A00Z")
	assert.Contains(t, out, "2025-03-01T10:00:00Z")
	assert.Contains(t, out, "TOTAL")
	assert.Contains(t, out, "35")
}

func TestAdminCommandsMintToken(t *testing.T) {
	t.Setenv("USAGE_CONFIG_FILE", "")
	t.Setenv("JWT_SECRET", "cli-secret")
	issuer, err := auth.NewIssuer(config.AuthConfig{JWTSecret: "cli-secret"})
	require.NoError(t, err)

	var subject string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := issuer.ValidateAdminJWT(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if err != nil || !claims.HasRole(auth.RoleAdmin) {
			utils.RespondWithError(w, http.StatusUnauthorized, "bad token")
			return
		}
		subject = claims.AdminID
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/admin/dead-letters/abc", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	out, err := run(t, "--server", srv.URL, "dlq", "remove", "abc")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed abc")
	assert.Equal(t, "usagectl", subject)
}

func TestServerErrorsAreReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		utils.RespondWithError(w, http.StatusConflict, "partition is not halted")
	}))
	defer srv.Close()

	_, err := run(t, "--server", srv.URL, "--token", "given", "partitions", "resume", "usage:0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "partition is not halted")
	assert.Contains(t, err.Error(), "409")
}

func TestReplayPublishesJournalInBatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events-1.jsonl")
	var lines []string
	for _, id := range []string{"a", "b", "c"} {
		data, err := json.Marshal(journal.Entry{
			Partition: "usage:0",
			Event:     models.RawEvent{Identity: id, RequestBody: "{}"},
		})
		require.NoError(t, err)
		lines = append(lines, string(data))
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	var batches [][]models.RawEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Events []models.RawEvent `json:"events"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		batches = append(batches, req.Events)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	out, err := run(t, "--server", srv.URL, "replay", "--batch", "2", path)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	assert.Equal(t, "c", batches[1][0].Identity)
	assert.Contains(t, out, "Read 3 events, published 3")

	batches = nil
	out, err = run(t, "--server", srv.URL, "replay", "--dry-run", path)
	require.NoError(t, err)
	assert.Empty(t, batches)
	assert.Contains(t, out, "published 0")
}

func TestKeygen(t *testing.T) {
	out, err := run(t, "keygen")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "STORAGE_PAYLOAD_ENCRYPTION_KEY="))

	out, err = run(t, "keygen", "--service-token")
	require.NoError(t, err)
	var token, hash string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if v, ok := strings.CutPrefix(line, "service token (give to the caller): "); ok {
			token = v
		}
		if v, ok := strings.CutPrefix(line, "ADMIN_TOKEN_HASH="); ok {
			hash = v
		}
	}
	require.NotEmpty(t, token)
	ok, err := utils.VerifyPasswordArgon2(token, hash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTokenRejectsUnknownRole(t *testing.T) {
	_, err := run(t, "token", "--role", "root")
	assert.ErrorIs(t, err, auth.ErrInvalidRole)
}
