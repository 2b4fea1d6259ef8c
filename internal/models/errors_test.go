package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestTransientClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"retrieval outage", ErrRetrievalUnavailable, true},
		{"generation timeout", ErrGenerationTimeout, true},
		{"generation quota", ErrGenerationQuota, true},
		{"wrapped quota", fmt.Errorf("%w: provider 429", ErrGenerationQuota), true},
		{"insufficient funds", ErrInsufficientFunds, false},
		{"duplicate job", ErrDuplicateJob, false},
		{"plain error", errors.New("malformed prompt"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Transient(tc.err); got != tc.want {
				t.Fatalf("Transient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestJobTerminal(t *testing.T) {
	for status, want := range map[string]bool{
		JobQueued:         false,
		JobRunning:        false,
		JobPartialFailure: false,
		JobCompleted:      true,
		JobFailed:         true,
	} {
		if got := (Job{Status: status}).Terminal(); got != want {
			t.Fatalf("Terminal(%s) = %v, want %v", status, got, want)
		}
	}
}
