package domain

import (
	"errors"
	"testing"
)

func TestTransition_Table(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		ok       bool
	}{
		{StatusPendingAuthorization, StatusAuthorized, true},
		{StatusPendingAuthorization, StatusCaptured, false},
		{StatusPendingAuthorization, StatusCancelled, false},
		{StatusAuthorized, StatusAuthorized, true},
		{StatusAuthorized, StatusCaptured, true},
		{StatusAuthorized, StatusCancelled, true},
		{StatusAuthorized, StatusFailed, true},
		{StatusAuthorized, StatusRefunded, false},
		{StatusCaptured, StatusCompleted, true},
		{StatusCaptured, StatusRefunded, true},
		{StatusCaptured, StatusCancelled, false},
		{StatusCancelled, StatusAuthorized, false},
		{StatusRefunded, StatusCaptured, false},
		{StatusFailed, StatusAuthorized, false},
		{StatusCompleted, StatusRefunded, false},
	}
	for _, tc := range cases {
		err := Transition(tc.from, tc.to)
		if tc.ok && err != nil {
			t.Fatalf("%s -> %s: unexpected err %v", tc.from, tc.to, err)
		}
		if !tc.ok {
			if err == nil {
				t.Fatalf("%s -> %s: expected error", tc.from, tc.to)
			}
			if !errors.Is(err, ErrIllegalTransition) {
				t.Fatalf("%s -> %s: error %v should match ErrIllegalTransition", tc.from, tc.to, err)
			}
		}
	}
}

func TestOrderStatus_Predicates(t *testing.T) {
	for _, s := range []OrderStatus{StatusCancelled, StatusRefunded, StatusFailed, StatusCompleted} {
		if !s.IsTerminal() {
			t.Fatalf("%s should be terminal", s)
		}
		if s.IsActive() {
			t.Fatalf("%s should not be active", s)
		}
	}
	for _, s := range ActiveStatuses {
		if !s.IsActive() || s.IsTerminal() {
			t.Fatalf("%s should be active and non-terminal", s)
		}
	}
	if StatusPendingAuthorization.HoldsSeat() || !StatusAuthorized.HoldsSeat() || !StatusCaptured.HoldsSeat() {
		t.Fatalf("HoldsSeat mismatch")
	}
	if OrderStatus("bogus").Valid() || !StatusRefunded.Valid() {
		t.Fatalf("Valid mismatch")
	}
}

func TestEventTransition(t *testing.T) {
	if err := EventTransition(EventOpen, EventClosed); err != nil {
		t.Fatalf("open->closed: %v", err)
	}
	if err := EventTransition(EventClosed, EventCompleted); err != nil {
		t.Fatalf("closed->completed: %v", err)
	}
	if err := EventTransition(EventOpen, EventCancelled); err != nil {
		t.Fatalf("open->cancelled: %v", err)
	}
	if err := EventTransition(EventCompleted, EventCancelled); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("completed->cancelled should be illegal, got %v", err)
	}
	if err := EventTransition(EventClosed, EventOpen); err == nil {
		t.Fatalf("closed->open should be illegal")
	}
}
