package storageproxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokovan-io/sokovan/pkg/config"
	"github.com/sokovan-io/sokovan/pkg/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(config.StorageProxy{BaseURL: srv.URL, Token: "sekrit"})
}

func TestMountSendsRequest(t *testing.T) {
	sessionID := uuid.New()
	mount := types.Mount{VFolderID: uuid.New(), Name: "data", Alias: "/home/work/data", Perm: "rw"}

	var got mountRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/vfolders/"+mount.VFolderID.String()+"/mount", r.URL.Path)
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, c.Mount(context.Background(), sessionID, mount))
	assert.Equal(t, sessionID, got.SessionID)
	assert.Equal(t, "data", got.Name)
	assert.Equal(t, "rw", got.Perm)
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(errorReply{Error: "permission denied"})
	})

	err := c.Unmount(context.Background(), uuid.New(), types.Mount{VFolderID: uuid.New()})
	var sbe *types.StorageBackendError
	require.ErrorAs(t, err, &sbe)
	assert.Equal(t, "unmount", sbe.Op)
	assert.Equal(t, http.StatusForbidden, sbe.Status)
	assert.Equal(t, "permission denied", sbe.Detail)
	assert.Equal(t, int32(1), calls.Load())
}

func TestServerErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, c.Mount(context.Background(), uuid.New(), types.Mount{VFolderID: uuid.New(), Perm: "ro"}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestQuotaDecodesReply(t *testing.T) {
	vfolderID := uuid.New()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/vfolders/"+vfolderID.String()+"/quota", r.URL.Path)
		json.NewEncoder(w).Encode(QuotaInfo{VFolderID: vfolderID, UsedBytes: 1 << 20, LimitBytes: 1 << 30})
	})

	q, err := c.Quota(context.Background(), vfolderID)
	require.NoError(t, err)
	assert.Equal(t, vfolderID, q.VFolderID)
	assert.Equal(t, int64(1<<20), q.UsedBytes)
	assert.Equal(t, int64(1<<30), q.LimitBytes)
}
