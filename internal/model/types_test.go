package model

import (
	"errors"
	"fmt"
	"testing"
)

func ptr(v float64) *float64 { return &v }

func TestSignalValidate(t *testing.T) {
	valid := Signal{Symbol: "EURUSD", Side: SideBuy, Quantity: 1, AccountID: "ACC1", CorrelationID: "c1"}

	tests := []struct {
		name    string
		mutate  func(*Signal)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Signal) {}},
		{name: "with stops", mutate: func(s *Signal) { s.StopLoss = ptr(1.05); s.TakeProfit = ptr(1.2) }},
		{name: "missing correlation", mutate: func(s *Signal) { s.CorrelationID = " " }, wantErr: true},
		{name: "correlation with space", mutate: func(s *Signal) { s.CorrelationID = "order 42" }, wantErr: true},
		{name: "correlation with tab", mutate: func(s *Signal) { s.CorrelationID = "c1\t" }, wantErr: true},
		{name: "correlation with control", mutate: func(s *Signal) { s.CorrelationID = "c\x001" }, wantErr: true},
		{name: "missing account", mutate: func(s *Signal) { s.AccountID = "" }, wantErr: true},
		{name: "bad side", mutate: func(s *Signal) { s.Side = "HOLD" }, wantErr: true},
		{name: "zero quantity", mutate: func(s *Signal) { s.Quantity = 0 }, wantErr: true},
		{name: "negative stop", mutate: func(s *Signal) { s.StopLoss = ptr(-1) }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidSignal) {
					t.Fatalf("expected ErrInvalidSignal, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestReasonCode(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{"", ""},
		{ReasonSymbolUnmapped, ReasonSymbolUnmapped},
		{ReasonNoConfirmation, ReasonNoConfirmation},
		{"VENUE_REJECTED: insufficient margin", ReasonVenueRejected},
		{"VENUE_REJECTED", ReasonVenueRejected},
		{"driver click: element detached", ReasonDriver},
		{"session ACC1: profile locked", ReasonDriver},
	}
	for _, tt := range tests {
		if got := ReasonCode(tt.reason); got != tt.want {
			t.Errorf("ReasonCode(%q)=%q, expected %q", tt.reason, got, tt.want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	legal := [][2]SessionState{
		{StateUnauthenticated, StateAuthenticating},
		{StateUnauthenticated, StateActive},
		{StateAuthenticating, StateActive},
		{StateActive, StateStale},
		{StateStale, StateActive},
		{StateStale, StateClosed},
	}
	for _, tr := range legal {
		if !CanTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be legal", tr[0], tr[1])
		}
	}
	illegal := [][2]SessionState{
		{StateClosed, StateActive},
		{StateActive, StateAuthenticating},
		{StateStale, StateAuthenticating},
	}
	for _, tr := range illegal {
		if CanTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be illegal", tr[0], tr[1])
		}
	}
}

func TestAuthErrorUnwraps(t *testing.T) {
	err := fmt.Errorf("acquire: %w", &AuthError{AccountID: "ACC1", Attempts: 3, Err: ErrBadCredentials})
	if !IsAuthError(err) {
		t.Fatal("IsAuthError should see through wrapping")
	}
	if !errors.Is(err, ErrBadCredentials) {
		t.Fatal("AuthError should unwrap to its cause")
	}
}
