package types

import (
	"testing"
)

func TestParseRecheckType(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    RecheckType
		wantErr bool
	}{
		{name: "empty defaults to all", input: "", want: RecheckAll},
		{name: "all", input: "all", want: RecheckAll},
		{name: "unchecked", input: "unchecked", want: RecheckUnchecked},
		{name: "failed", input: "failed", want: RecheckFailed},
		{name: "not serviceable", input: "not_serviceable", want: RecheckNotServiceable},
		{name: "unknown", input: "sometimes", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRecheckType(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRecheckType() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseRecheckType() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJobStatus_Classification(t *testing.T) {
	tests := []struct {
		status   JobStatus
		active   bool
		terminal bool
	}{
		{JobStatusPending, true, false},
		{JobStatusRunning, true, false},
		{JobStatusPaused, false, false},
		{JobStatusCompleted, false, true},
		{JobStatusFailed, false, true},
		{JobStatusCancelled, false, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsActive(); got != tt.active {
				t.Errorf("IsActive() = %v, want %v", got, tt.active)
			}
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}
