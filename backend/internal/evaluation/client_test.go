package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSubmit_OrderedResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Language != "python" || len(req.TestCases) != 2 {
			t.Errorf("unexpected request %+v", req)
		}
		// 执行服务不给 passed，只给输出
		_, _ = w.Write([]byte(`{"results":[{"stdout":"4\n"},{"stdout":"8\n"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	got, err := c.Submit(context.Background(), "print(x*x)", "python", []TestCase{
		{Input: "2", Expected: "4"},
		{Input: "3", Expected: "9"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(got) != 2 || !got[0].Passed || got[1].Passed || got[1].Actual != "8" || got[1].Input != "3" {
		t.Fatalf("unexpected results %+v", got)
	}
}

func TestSubmit_ExplicitPassedWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"actual":"4","passed":false}]}`))
	}))
	defer srv.Close()

	got, err := NewClient(srv.URL, time.Second).Submit(context.Background(), "", "c", []TestCase{{Input: "2", Expected: "4"}})
	if err != nil || got[0].Passed {
		t.Fatalf("got %+v err %v", got, err)
	}
}

func TestSubmit_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		timeout time.Duration
	}{
		{"non-2xx", func(w http.ResponseWriter, r *http.Request) { http.Error(w, "boom", http.StatusInternalServerError) }, time.Second},
		{"count mismatch", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"results":[]}`)) }, time.Second},
		{"bad json", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{`)) }, time.Second},
		{"timeout", func(w http.ResponseWriter, r *http.Request) { time.Sleep(200 * time.Millisecond) }, 50 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			_, err := NewClient(srv.URL, tt.timeout).Submit(context.Background(), "", "python", []TestCase{{Input: "1", Expected: "1"}})
			if !errors.Is(err, ErrEvaluation) {
				t.Fatalf("expected ErrEvaluation, got %v", err)
			}
		})
	}
}

func TestSubmit_Unreachable(t *testing.T) {
	_, err := NewClient("http://127.0.0.1:1/execute", 200*time.Millisecond).Submit(context.Background(), "", "python", nil)
	if !errors.Is(err, ErrEvaluation) {
		t.Fatalf("expected ErrEvaluation, got %v", err)
	}
}
