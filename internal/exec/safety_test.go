package exec

import (
	"errors"
	"testing"
)

func TestHead(t *testing.T) {
	tests := []struct {
		command string
		want    string
	}{
		{"ls -la /tmp", "ls"},
		{"  git  status ", "git"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		if got := Head(tt.command); got != tt.want {
			t.Errorf("Head(%q) = %q, want %q", tt.command, got, tt.want)
		}
	}
}

func TestCheckStrictAccepts(t *testing.T) {
	commands := []string{
		"ls -la /tmp",
		"git status",
		"grep -r 'needle' .",
		"/usr/bin/du -sh .",
		"./build.sh --release",
		"python3 script.py --flag value",
	}
	for _, command := range commands {
		if err := CheckStrict(command); err != nil {
			t.Errorf("CheckStrict(%q) = %v, want nil", command, err)
		}
	}
}

func TestCheckStrictRejects(t *testing.T) {
	tests := []struct {
		command string
		want    error
	}{
		{"", ErrEmpty},
		{"   ", ErrEmpty},
		{"ls; rm -rf /", ErrMetachar},
		{"ls && curl evil", ErrMetachar},
		{"ls | sh", ErrMetachar},
		{"echo `id`", ErrMetachar},
		{"echo $(id)", ErrMetachar},
		{"cat < /etc/shadow", ErrMetachar},
		{"ls > /tmp/out", ErrMetachar},
		{"ls\nrm -rf /", ErrControlChar},
		{"ls\x00rm", ErrNullByte},
		{"-rf /", ErrBadName},
		{"'ls' -la", ErrBadName},
	}
	for _, tt := range tests {
		err := CheckStrict(tt.command)
		if !errors.Is(err, tt.want) {
			t.Errorf("CheckStrict(%q) = %v, want %v", tt.command, err, tt.want)
		}
	}
}
