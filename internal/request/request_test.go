package request

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

func requestPath(token string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/freedesktop/portal/desktop/request/1_42/" + token)
}

func TestCompleteUnknownTokenIsNoop(t *testing.T) {
	table := NewTable(nil)
	if _, err := table.Issue("tok-A", ExpectSessionHandle, requestPath("tok-A")); err != nil {
		t.Fatalf("Issue: %v", err)
	}

	for i := 0; i < 50; i++ {
		token := fmt.Sprintf("stray-%d", i)
		if p, ok := table.Complete(token, Response{Status: Success}); ok || p != nil {
			t.Fatalf("Complete(%q) matched %v", token, p)
		}
		if _, ok := table.CompletePath(requestPath(token), Response{}); ok {
			t.Fatalf("CompletePath(%q) matched", token)
		}
	}

	if got := table.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}
}

func TestIssueRejectsDuplicateToken(t *testing.T) {
	table := NewTable(nil)
	if _, err := table.Issue("tok", ExpectNothing, ""); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := table.Issue("tok", ExpectNothing, ""); !errors.Is(err, ErrDuplicateToken) {
		t.Fatalf("second Issue err = %v, want ErrDuplicateToken", err)
	}

	table.Cancel("tok")
	if _, err := table.Issue("tok", ExpectNothing, ""); err != nil {
		t.Fatalf("Issue after Cancel: %v", err)
	}
}

func TestCompleteDeliversToWaiter(t *testing.T) {
	table := NewTable(nil)
	p, err := table.Issue("tok-A", ExpectSessionHandle, requestPath("tok-A"))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	want := Response{
		Status:  Success,
		Results: map[string]dbus.Variant{"session_handle": dbus.MakeVariant("/org/freedesktop/portal/desktop/session/1_42/session_1")},
	}
	go table.CompletePath(requestPath("tok-A"), want)

	got, err := p.Wait(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got.Results["session_handle"].Value() != want.Results["session_handle"].Value() {
		t.Errorf("results = %v", got.Results)
	}
	if table.Len() != 0 {
		t.Errorf("Len = %d after completion", table.Len())
	}
}

func TestCorrelationIsByTokenNotArrivalOrder(t *testing.T) {
	table := NewTable(nil)
	first, _ := table.Issue("first", ExpectNothing, requestPath("first"))
	second, _ := table.Issue("second", ExpectNothing, requestPath("second"))

	table.CompletePath(requestPath("second"), Response{Status: Ended})
	table.CompletePath(requestPath("first"), Response{Status: Cancelled})

	r1, err := first.Wait(context.Background(), time.Second)
	if err != nil || r1.Status != Cancelled {
		t.Errorf("first = %v, %v", r1, err)
	}
	r2, err := second.Wait(context.Background(), time.Second)
	if err != nil || r2.Status != Ended {
		t.Errorf("second = %v, %v", r2, err)
	}
}

func TestBindRekeysLegacyPath(t *testing.T) {
	table := NewTable(nil)
	p, _ := table.Issue("tok", ExpectNothing, requestPath("tok"))

	legacy := dbus.ObjectPath("/org/freedesktop/portal/desktop/request/1_42/t12345")
	table.Bind("tok", legacy)

	if _, ok := table.CompletePath(requestPath("tok"), Response{}); ok {
		t.Fatal("predicted path still matched after Bind")
	}
	if _, ok := table.CompletePath(legacy, Response{Status: Success}); !ok {
		t.Fatal("bound path did not match")
	}
	if _, err := p.Wait(context.Background(), time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestWaitTimeoutAndCancel(t *testing.T) {
	table := NewTable(nil)
	p, _ := table.Issue("slow", ExpectNothing, "")

	if _, err := p.Wait(context.Background(), 10*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Wait err = %v, want ErrTimeout", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Wait(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait err = %v, want context.Canceled", err)
	}
}

func TestPumpCompletesResponses(t *testing.T) {
	table := NewTable(nil)
	p, _ := table.Issue("tok", ExpectStreams, requestPath("tok"))

	signals := make(chan *dbus.Signal, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go table.Pump(ctx, signals)

	signals <- &dbus.Signal{Name: "org.freedesktop.portal.Session.Closed", Path: requestPath("tok")}
	signals <- &dbus.Signal{Name: ResponseSignal, Path: requestPath("tok"), Body: []any{"bad"}}
	signals <- &dbus.Signal{Name: ResponseSignal, Path: requestPath("other"), Body: []any{uint32(0), map[string]dbus.Variant{}}}
	signals <- &dbus.Signal{Name: ResponseSignal, Path: requestPath("tok"), Body: []any{uint32(1), map[string]dbus.Variant{}}}

	resp, err := p.Wait(ctx, time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if resp.Status != Cancelled {
		t.Errorf("Status = %d, want Cancelled", resp.Status)
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name string
		body []any
		ok   bool
	}{
		{"valid", []any{uint32(0), map[string]dbus.Variant{}}, true},
		{"short", []any{uint32(0)}, false},
		{"status type", []any{"0", map[string]dbus.Variant{}}, false},
		{"results type", []any{uint32(0), "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseResponse(&dbus.Signal{Body: tt.body})
			if (err == nil) != tt.ok {
				t.Errorf("err = %v, ok = %v", err, tt.ok)
			}
			if err != nil && !errors.Is(err, ErrUnexpectedResponse) {
				t.Errorf("err = %v, want ErrUnexpectedResponse", err)
			}
		})
	}
}
