// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHealthReflectsRegisteredProbes(t *testing.T) {
	c := NewChecker(time.Hour)
	c.RegisterAttachment("a1", func(context.Context) error { return nil })

	status, checks := c.Health(context.Background())
	if status != StatusHealthy {
		t.Fatalf("status = %v, want healthy", status)
	}
	if len(checks) != 1 || checks[0].AttachmentID != "a1" {
		t.Fatalf("checks = %+v, want one check for a1", checks)
	}

	c.RegisterAttachment("a2", func(context.Context) error { return errors.New("not attached") })
	status, checks = c.Health(context.Background())
	if status != StatusDegraded {
		t.Fatalf("status with one failing probe = %v, want degraded", status)
	}
	if len(checks) != 2 {
		t.Fatalf("checks = %+v, want two", checks)
	}
}

func TestForgetAttachmentRemovesItFromHealth(t *testing.T) {
	c := NewChecker(time.Hour)
	c.RegisterAttachment("a1", func(context.Context) error { return nil })
	c.ForgetAttachment("a1")

	_, checks := c.Health(context.Background())
	if len(checks) != 0 {
		t.Fatalf("checks after forget = %+v, want none", checks)
	}
}

func TestHealthCachesWithinTTL(t *testing.T) {
	c := NewChecker(time.Hour)
	calls := 0
	c.RegisterAttachment("a1", func(context.Context) error {
		calls++
		return nil
	})

	c.Health(context.Background())
	c.Health(context.Background())
	if calls != 1 {
		t.Fatalf("probe called %d times within the TTL window, want 1", calls)
	}
}

func TestReadinessHandlerStatusCodes(t *testing.T) {
	tests := []struct {
		name     string
		probe    Probe
		wantHTTP int
	}{
		{"healthy", func(context.Context) error { return nil }, http.StatusOK},
		{"unhealthy", func(context.Context) error { return errors.New("boom") }, http.StatusServiceUnavailable},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := NewChecker(time.Hour)
			c.RegisterAttachment("a1", tc.probe)

			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/ready", nil)
			c.ReadinessHandler()(rr, req)

			if rr.Code != tc.wantHTTP {
				t.Fatalf("status code = %d, want %d", rr.Code, tc.wantHTTP)
			}
		})
	}
}

func TestLivenessHandlerAlwaysOK(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	LivenessHandler()(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rr.Code)
	}
}
