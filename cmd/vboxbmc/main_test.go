package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vboxbmc/vboxbmc/internal/manager"
)

func testInfo(vm string, status manager.BMCState) manager.BMCInfo {
	return manager.BMCInfo{
		InstanceConfig: manager.InstanceConfig{
			VMName:   vm,
			Username: "admin",
			Password: "***",
			Address:  "::",
			Port:     6230,
			Active:   status == manager.BMCRunning,
		},
		Status: status,
	}
}

func runCLI(t *testing.T, handler http.Handler, args ...string) (string, int) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	var out strings.Builder
	code := run(context.Background(), append([]string{"--api-url", srv.URL}, args...), &out)
	return out.String(), code
}

func TestAdd(t *testing.T) {
	var got manager.InstanceConfig
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/bmcs", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"vm_name": got.VMName})
	})

	out, code := runCLI(t, handler, "add", "--port", "6230", "--username", "root", "node-1")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "BMC for node-1 registered")
	assert.Equal(t, "node-1", got.VMName)
	assert.Equal(t, "root", got.Username)
	assert.Equal(t, 6230, got.Port)
}

func TestStart(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/bmcs/node-1/start", r.URL.Path)
		json.NewEncoder(w).Encode(testInfo("node-1", manager.BMCRunning))
	})

	out, code := runCLI(t, handler, "start", "node-1")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "BMC for node-1 is running")
}

func TestList(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/bmcs", r.URL.Path)
		json.NewEncoder(w).Encode([]manager.BMCInfo{
			testInfo("node-1", manager.BMCRunning),
			testInfo("node-2", manager.BMCDown),
		})
	})

	out, code := runCLI(t, handler, "list")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "VM NAME")
	assert.Contains(t, out, "node-1")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "node-2")
	assert.Contains(t, out, "down")
}

func TestAPIErrorSurfaces(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": `"ghost": BMC not registered`})
	})

	_, code := runCLI(t, handler, "show", "ghost")
	assert.Equal(t, 1, code)
}

func TestMissingVMName(t *testing.T) {
	_, code := runCLI(t, http.NotFoundHandler(), "delete")
	assert.Equal(t, 1, code)
}

func TestDelete(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/v1/bmcs/node-1", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})

	out, code := runCLI(t, handler, "delete", "node-1")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "BMC for node-1 deleted")
}
