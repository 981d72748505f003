package local

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dotbot-ai/dotbot/pkg/models"
)

func testSet(t *testing.T) (*Set, string) {
	t.Helper()
	root := t.TempDir()
	return NewSet(Config{Root: root}, nil), root
}

func execTool(t *testing.T, s *Set, tool, args string) (string, error) {
	t.Helper()
	return s.Execute(context.Background(), tool, json.RawMessage(args))
}

func TestResolveRejectsEscape(t *testing.T) {
	res := resolver{root: t.TempDir()}
	cases := []string{"../outside.txt", "a/../../b", "/etc/passwd"}
	for _, path := range cases {
		if _, err := res.resolve(path); err == nil {
			t.Errorf("resolve(%q) should fail", path)
		}
	}
	if _, err := res.resolve("sub/inside.txt"); err != nil {
		t.Fatalf("resolve inside root: %v", err)
	}
}

func TestFileToolsRoundTrip(t *testing.T) {
	s, root := testSet(t)

	out, err := execTool(t, s, "fs.write", `{"path":"notes/a.txt","content":"hello"}`)
	if err != nil {
		t.Fatalf("fs.write: %v", err)
	}
	if !strings.Contains(out, "5 bytes") {
		t.Errorf("write result = %q", out)
	}
	if _, err := os.Stat(filepath.Join(root, "notes", "a.txt")); err != nil {
		t.Fatalf("file not created: %v", err)
	}

	if _, err := execTool(t, s, "fs.write", `{"path":"notes/a.txt","content":" world","append":true}`); err != nil {
		t.Fatalf("fs.write append: %v", err)
	}

	got, err := execTool(t, s, "fs.read", `{"path":"notes/a.txt"}`)
	if err != nil {
		t.Fatalf("fs.read: %v", err)
	}
	if got != "hello world" {
		t.Errorf("fs.read = %q, want %q", got, "hello world")
	}

	got, err = execTool(t, s, "fs.read", `{"path":"notes/a.txt","offset":6,"max_bytes":3}`)
	if err != nil {
		t.Fatalf("fs.read windowed: %v", err)
	}
	if !strings.HasPrefix(got, "wor") {
		t.Errorf("windowed read = %q", got)
	}

	listing, err := execTool(t, s, "fs.list", `{"path":"notes"}`)
	if err != nil {
		t.Fatalf("fs.list: %v", err)
	}
	if listing != "a.txt" {
		t.Errorf("fs.list = %q", listing)
	}

	listing, err = execTool(t, s, "fs.list", `{}`)
	if err != nil {
		t.Fatalf("fs.list root: %v", err)
	}
	if listing != "notes/" {
		t.Errorf("fs.list root = %q", listing)
	}
}

func TestReadTruncatesAtLimit(t *testing.T) {
	root := t.TempDir()
	s := NewSet(Config{Root: root, MaxReadBytes: 10}, nil)
	if err := os.WriteFile(filepath.Join(root, "big.txt"), []byte(strings.Repeat("x", 50)), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := execTool(t, s, "fs.read", `{"path":"big.txt"}`)
	if err != nil {
		t.Fatalf("fs.read: %v", err)
	}
	if !strings.HasSuffix(got, "[truncated]") {
		t.Errorf("expected truncation marker, got %q", got)
	}
	if !strings.HasPrefix(got, strings.Repeat("x", 10)) {
		t.Errorf("truncated read = %q", got)
	}
}

func TestShellRun(t *testing.T) {
	s, _ := testSet(t)
	out, err := execTool(t, s, "shell.run", `{"command":"echo local tools"}`)
	if err != nil {
		t.Fatalf("shell.run: %v", err)
	}
	if strings.TrimSpace(out) != "local tools" {
		t.Errorf("shell.run = %q", out)
	}
}

func TestShellRunDirectExecRejectsUnsafeArgs(t *testing.T) {
	s, _ := testSet(t)
	if _, err := execTool(t, s, "shell.run", `{"command":"echo","args":["hi; rm -rf /"]}`); err == nil {
		t.Fatal("expected unsafe argument to be rejected")
	}
	out, err := execTool(t, s, "shell.run", `{"command":"echo","args":["hi"]}`)
	if err != nil {
		t.Fatalf("direct exec: %v", err)
	}
	if strings.TrimSpace(out) != "hi" {
		t.Errorf("direct exec = %q", out)
	}
}

func TestShellRunTimesOut(t *testing.T) {
	s, _ := testSet(t)
	start := time.Now()
	_, err := execTool(t, s, "shell.run", `{"command":"sleep 5","timeout_seconds":1}`)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("timeout took too long: %s", time.Since(start))
	}
}

func TestShellRunRunsInWorkspace(t *testing.T) {
	s, root := testSet(t)
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	out, err := execTool(t, s, "shell.run", `{"command":"pwd","cwd":"sub"}`)
	if err != nil {
		t.Fatalf("shell.run: %v", err)
	}
	if !strings.HasSuffix(strings.TrimSpace(out), filepath.Join(filepath.Base(root), "sub")) {
		t.Errorf("pwd = %q, want suffix %q", out, "sub")
	}
}

type fakeSearcher struct {
	threads  []models.ThreadInfo
	research []models.ResearchEntry
	docs     map[string]string
}

func (f *fakeSearcher) SearchArchive(keyword string) ([]models.ThreadInfo, error) {
	return f.threads, nil
}

func (f *fakeSearcher) ResearchIndex() []models.ResearchEntry { return f.research }

func (f *fakeSearcher) ReadResearch(file string) (string, error) {
	return f.docs[file], nil
}

func TestMemorySearch(t *testing.T) {
	mem := &fakeSearcher{
		threads: []models.ThreadInfo{{ThreadID: "th-1", Topic: "kubernetes upgrade", LastActive: time.Now()}},
		research: []models.ResearchEntry{
			{File: "k8s.md", Topic: "kubernetes", Summary: "cluster notes"},
			{File: "other.md", Topic: "gardening", Summary: "tomatoes"},
		},
		docs: map[string]string{"k8s.md": "full document"},
	}
	s := NewSet(Config{Root: t.TempDir()}, mem)

	out, err := execTool(t, s, "memory.search", `{"query":"kubernetes"}`)
	if err != nil {
		t.Fatalf("memory.search: %v", err)
	}
	if !strings.Contains(out, "kubernetes upgrade") || !strings.Contains(out, "k8s.md") {
		t.Errorf("search output = %q", out)
	}
	if strings.Contains(out, "gardening") {
		t.Errorf("unrelated research leaked into %q", out)
	}

	out, err = execTool(t, s, "memory.search", `{"read":"k8s.md"}`)
	if err != nil {
		t.Fatalf("memory.search read: %v", err)
	}
	if out != "full document" {
		t.Errorf("read = %q", out)
	}

	if _, err := execTool(t, s, "memory.search", `{}`); err == nil {
		t.Fatal("expected error without query")
	}
}

func TestManifestOmitsSearchWithoutMemory(t *testing.T) {
	s, _ := testSet(t)
	for _, d := range s.Manifest() {
		if d.ID == "memory.search" {
			t.Fatal("memory.search advertised without a memory store")
		}
	}
	ids := s.Registry().IDs()
	want := []string{"fs.list", "fs.read", "fs.write", "shell.run"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

type fakeSnapshotMemory struct {
	spines   []models.Spine
	research []models.ResearchEntry
	threads  []models.ThreadInfo
	messages map[string][]models.ThreadMessage
}

func (f *fakeSnapshotMemory) Spines() ([]models.Spine, error)         { return f.spines, nil }
func (f *fakeSnapshotMemory) ResearchIndex() []models.ResearchEntry   { return f.research }
func (f *fakeSnapshotMemory) Recent(int) ([]models.ThreadInfo, error) { return f.threads, nil }

func (f *fakeSnapshotMemory) Messages(id string) ([]models.ThreadMessage, error) {
	return f.messages[id], nil
}

func TestSnapshotBuild(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "personas.json"), `[{"id":"coach","name":"Coach"}]`)
	if err := os.Mkdir(filepath.Join(dir, "principles"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "principles", "tone.md"), "Be brief.")
	writeFile(t, filepath.Join(dir, "principles", "ignored.txt"), "not markdown")

	mem := &fakeSnapshotMemory{
		spines:   []models.Spine{{ID: "sp-1", Entity: "alice"}},
		research: []models.ResearchEntry{{File: "r.md", Topic: "routers"}},
		threads:  []models.ThreadInfo{{ThreadID: "th-1"}},
		messages: map[string][]models.ThreadMessage{
			"th-1": {{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}},
		},
	}
	p := &SnapshotProvider{Memory: mem, ConfigDir: dir}
	snap := p.Build()

	if len(snap.Personas) != 1 || snap.Personas[0].ID != "coach" {
		t.Errorf("personas = %+v", snap.Personas)
	}
	if len(snap.Principles) != 1 || snap.Principles[0].Name != "tone" || snap.Principles[0].Body != "Be brief." {
		t.Errorf("principles = %+v", snap.Principles)
	}
	if len(snap.Spines) != 1 || len(snap.Research) != 1 || len(snap.History) != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestSnapshotDegradesToEmpty(t *testing.T) {
	p := &SnapshotProvider{ConfigDir: filepath.Join(t.TempDir(), "missing")}
	snap := p.Build()
	if len(snap.Personas) != 0 || len(snap.Principles) != 0 || len(snap.History) != 0 {
		t.Errorf("expected empty snapshot, got %+v", snap)
	}
}

func TestSnapshotToolRegistered(t *testing.T) {
	s, _ := testSet(t)
	s.RegisterSnapshot(&SnapshotProvider{ConfigDir: t.TempDir()})
	out, err := execTool(t, s, SnapshotToolID, `{}`)
	if err != nil {
		t.Fatalf("snapshot tool: %v", err)
	}
	var snap models.ContextSnapshot
	if err := json.Unmarshal([]byte(out), &snap); err != nil {
		t.Fatalf("snapshot payload is not JSON: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
