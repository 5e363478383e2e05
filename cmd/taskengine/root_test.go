package main

import "testing"

func TestNewRootCommandBuildsSubcommandTree(t *testing.T) {
	root := NewRootCommand()

	want := []string{"migrate", "scheduler", "task", "policy", "dashboard"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil {
			t.Fatalf("Find(%q) returned error: %v", name, err)
		}
		if cmd.Name() != name {
			t.Fatalf("Find(%q) resolved to %q", name, cmd.Name())
		}
	}
}

func TestNewRootCommandSubcommandLeaves(t *testing.T) {
	root := NewRootCommand()

	cases := [][]string{
		{"migrate", "up"},
		{"migrate", "down"},
		{"migrate", "verify"},
		{"scheduler", "start"},
		{"scheduler", "stop"},
		{"task", "submit"},
		{"task", "status"},
		{"task", "cancel"},
		{"policy", "set"},
		{"dashboard", "render"},
	}
	for _, path := range cases {
		cmd, _, err := root.Find(path)
		if err != nil {
			t.Fatalf("Find(%v) returned error: %v", path, err)
		}
		if cmd.Name() != path[len(path)-1] {
			t.Fatalf("Find(%v) resolved to %q", path, cmd.Name())
		}
	}
}
