package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestMetricsAvailability(t *testing.T) {
	RecordTransition("Slot_0", StateReady, StateActivating)
	RecordMountRequest("Slot_0", "mount", "accepted")
	RecordUdevEvent("Slot_0", "inserted")
	RecordSubprocessExit("Slot_0", 0)
	RecordCompletion("Slot_0", 0)

	timer := NewActiveTimer("Slot_0")
	time.Sleep(time.Millisecond)
	timer.Observe()

	server := httptest.NewServer(promhttp.Handler())
	defer server.Close()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to get metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}

	content := string(body)

	expectedMetrics := []string{
		"vmediad_slot_state",
		"vmediad_transitions_total",
		"vmediad_mount_requests_total",
		"vmediad_mount_duration_seconds",
		"vmediad_udev_events_total",
		"vmediad_subprocess_exits_total",
		"vmediad_completions_total",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(content, metric) {
			t.Errorf("Expected metric %s not found in metrics output", metric)
		}
	}
}

func TestRecordTransitionSetsGaugeExclusively(t *testing.T) {
	RecordTransition("Slot_1", StateInitial, StateReady)
	RecordTransition("Slot_1", StateReady, StateActive)

	server := httptest.NewServer(promhttp.Handler())
	defer server.Close()
	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("Failed to get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	content := string(body)

	if !strings.Contains(content, `vmediad_slot_state{slot="Slot_1",state="active"} 1`) {
		t.Errorf("expected the active state gauge of Slot_1 to be 1")
	}
	if !strings.Contains(content, `vmediad_slot_state{slot="Slot_1",state="ready"} 0`) {
		t.Errorf("expected the ready state gauge of Slot_1 to be reset to 0")
	}
}

func TestRecordSubprocessExitHandlesNegativeCode(t *testing.T) {
	RecordSubprocessExit("Slot_1", -1)
}

func TestActiveTimer(t *testing.T) {
	timer := NewActiveTimer("Slot_2")
	time.Sleep(5 * time.Millisecond)
	timer.Observe()
}
