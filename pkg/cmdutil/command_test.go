package cmdutil

import (
	"reflect"
	"testing"
)

func TestParseCommandString(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{"simple", "make deploy", []string{"make", "deploy"}, false},
		{"quoted", `git commit -m "my message"`, []string{"git", "commit", "-m", "my message"}, false},
		{"single quotes", `echo 'a b'`, []string{"echo", "a b"}, false},
		{"empty", "", nil, true},
		{"unterminated quote", `echo "oops`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommandString(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCommandString() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseCommandString() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShellCommand(t *testing.T) {
	tests := []struct {
		name    string
		input   interface{}
		want    string
		wantErr bool
	}{
		{"string kept verbatim", "git pull && make deploy", "git pull && make deploy", false},
		{"multi-line script", "git pull --ff-only\n./deploy.sh 'prod env'\n", "git pull --ff-only\n./deploy.sh 'prod env'\n", false},
		{"list of interfaces", []interface{}{"echo", "hello world"}, `echo 'hello world'`, false},
		{"list of strings", []string{"make", "deploy"}, "make deploy", false},

		{"nil", nil, "", true},
		{"blank string", "   ", "", true},
		{"unterminated quote", `echo "deploying`, "", true},
		{"trailing backslash", `make deploy \`, "", true},
		{"empty list", []interface{}{}, "", true},
		{"non-string item", []interface{}{"echo", 3}, "", true},
		{"wrong type", 42, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ShellCommand(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ShellCommand() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ShellCommand() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShellCommand_ListRoundTrips(t *testing.T) {
	words := []interface{}{"sh", "-c", "echo $HOME", "it's"}
	joined, err := ShellCommand(words)
	if err != nil {
		t.Fatalf("ShellCommand() error = %v", err)
	}

	parsed, err := ParseCommandString(joined)
	if err != nil {
		t.Fatalf("ParseCommandString() error = %v", err)
	}

	want := []string{"sh", "-c", "echo $HOME", "it's"}
	if !reflect.DeepEqual(parsed, want) {
		t.Errorf("Round trip = %v, want %v", parsed, want)
	}
}

func TestFormatCommand(t *testing.T) {
	if got := FormatCommand("git pull\n  && make", 0); got != "git pull && make" {
		t.Errorf("FormatCommand() = %q", got)
	}
	if got := FormatCommand("abcdefghij", 8); got != "abcde..." {
		t.Errorf("FormatCommand() truncation = %q", got)
	}
}
