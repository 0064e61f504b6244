package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/nconghau/lsmkv/internal/lsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) (*session, *bytes.Buffer) {
	t.Helper()
	opts := lsm.DefaultOptions()
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := lsm.Open(context.Background(), t.TempDir(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	var out bytes.Buffer
	return &session{db: db, out: &out, txnID: "test"}, &out
}

func run(t *testing.T, s *session, line string) error {
	t.Helper()
	name, rest := splitCmdRest(line)
	c, ok := findCommand(name)
	require.True(t, ok, name)
	return c.call(s, splitArgs(rest, c.nargs))
}

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want []string
	}{
		{"k v", 2, []string{"k", "v"}},
		{`user:1 {"name": "Alice Smith"}`, 2, []string{"user:1", `{"name": "Alice Smith"}`}},
		{"k", 2, []string{"k"}},
		{"  k   v  ", 2, []string{"k", "v"}},
		{"a b c", 0, []string{}},
		{"", 1, []string{}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, splitArgs(tt.in, tt.n), tt.in)
	}
}

func TestSplitCmdRest(t *testing.T) {
	name, rest := splitCmdRest("put  k v w")
	assert.Equal(t, "put", name)
	assert.Equal(t, "k v w", rest)

	name, rest = splitCmdRest("stats")
	assert.Equal(t, "stats", name)
	assert.Equal(t, "", rest)
}

func TestCommand_CallJoinsTrailingArgs(t *testing.T) {
	s, out := newTestSession(t)
	c, ok := findCommand("PUT")
	require.True(t, ok)
	require.NoError(t, c.call(s, []string{"greeting", "hello", "world"}))
	assert.Equal(t, "OK\n", out.String())

	v, err := s.db.Get([]byte("greeting"), s.txnID)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(v))

	assert.EqualError(t, c.call(s, []string{"only-key"}), "usage: put <key> <value>")
}

func TestCommands_Session(t *testing.T) {
	s, out := newTestSession(t)

	require.NoError(t, run(t, s, `put user:1 {"name":"Alice"}`))
	require.NoError(t, run(t, s, "put user:2 bob"))
	require.NoError(t, run(t, s, "put user:3 carol"))
	require.NoError(t, run(t, s, "delete user:3"))

	out.Reset()
	require.NoError(t, run(t, s, "get user:1"))
	assert.Contains(t, out.String(), `"name": "Alice"`)

	out.Reset()
	require.NoError(t, run(t, s, "get user:3"))
	assert.Contains(t, out.String(), "(not found)")

	out.Reset()
	require.NoError(t, run(t, s, "range user:0 user:9"))
	assert.Contains(t, out.String(), "user:2"+ColorReset+" = bob")
	assert.Contains(t, out.String(), "(2 rows)")

	out.Reset()
	require.NoError(t, run(t, s, "flush"))
	require.NoError(t, run(t, s, "metadata"))
	assert.Contains(t, out.String(), "Total records: 3")

	out.Reset()
	require.NoError(t, run(t, s, "count"))
	assert.Equal(t, "2\n", out.String())

	out.Reset()
	require.NoError(t, run(t, s, "stats"))
	assert.Contains(t, out.String(), `"sstable_count": 1`)

	out.Reset()
	require.NoError(t, run(t, s, "metrics"))
	assert.Contains(t, out.String(), "lsmkv_puts_total 3")

	out.Reset()
	require.NoError(t, run(t, s, "compact"))
	assert.Contains(t, out.String(), "Compaction complete")
}

func TestCommands_DumpRestore(t *testing.T) {
	src, out := newTestSession(t)
	require.NoError(t, run(t, src, "put a 1"))
	require.NoError(t, run(t, src, "put b 2"))

	path := filepath.Join(t.TempDir(), "dump.jsonl")
	require.NoError(t, run(t, src, "dump "+path))
	assert.Contains(t, out.String(), "Dumped 2 records")

	dst, out := newTestSession(t)
	require.NoError(t, run(t, dst, "restore "+path))
	assert.Contains(t, out.String(), "Restored 2 records")
	v, err := dst.db.Get([]byte("b"), dst.txnID)
	require.NoError(t, err)
	assert.Equal(t, "2", string(v))

	assert.Error(t, run(t, dst, "restore "+filepath.Join(t.TempDir(), "missing")))
}

func TestCompleter(t *testing.T) {
	s, _ := newTestSession(t)
	for _, k := range []string{"user:1", "user:2", "other"} {
		require.NoError(t, s.db.Put([]byte(k), []byte("v"), s.txnID))
	}
	c := completer{s: s}

	got, n := c.Do([]rune("co"), 2)
	assert.Equal(t, 2, n)
	assert.Equal(t, [][]rune{[]rune("mpact"), []rune("unt")}, got)

	got, n = c.Do([]rune("get us"), 6)
	assert.Equal(t, 2, n)
	assert.Equal(t, [][]rune{[]rune("er:1"), []rune("er:2")}, got)

	got, _ = c.Do([]rune("stats x"), 7)
	assert.Empty(t, got)
}

func TestApp_RunsOneShotCommands(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(t.TempDir(), "missing.yaml")

	runApp := func(args ...string) string {
		var buf bytes.Buffer
		app := newApp()
		app.Writer = &buf
		app.ErrWriter = io.Discard
		require.NoError(t, app.Run(append([]string{"lsmkv", "--config", cfg, "--dir", dir}, args...)))
		return buf.String()
	}

	assert.Equal(t, "OK\n", runApp("put", "k", "hello", "there"))
	assert.Equal(t, "hello there\n", runApp("get", "k"))
	assert.Contains(t, runApp("range", "a", "z"), "(1 rows)")
}
