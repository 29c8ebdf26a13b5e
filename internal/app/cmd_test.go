package app

import (
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		args    []string
		want    Command
		wantErr bool
	}{
		{args: []string{}, want: CommandServe},
		{args: []string{"serve"}, want: CommandServe},
		{args: []string{"worker"}, want: CommandWorker},
		{args: []string{"migrate"}, want: CommandMigrate},
		{args: []string{"healthcheck"}, want: CommandHealthcheck},
		{args: []string{"serve", "--verbose"}, want: CommandServe},
		{args: []string{"unknown"}, wantErr: true},
		{args: []string{"Serve"}, wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseCommand(tt.args)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCommand(%v) error = %v, wantErr %v", tt.args, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseCommand(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}
