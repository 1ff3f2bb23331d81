package manifest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
group "arena" {
  keys     = ["arena/floor.png", "music/arena.ogg"]
  priority = 5
  download = true
}

group "arena_fx" {
  category = "arena"
  keys     = ["fx/spark.png"]
  preload  = true
}

group "lobby" {
  keys = ["lobby/banner.png"]
}
`

type fakeTarget struct {
	mu     sync.Mutex
	tags   map[string][]string
	queued map[string]int
	loaded []string
	fail   map[string]bool
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{tags: map[string][]string{}, queued: map[string]int{}, fail: map[string]bool{}}
}

func (f *fakeTarget) SetTags(category string, keys []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(keys) == 0 {
		delete(f.tags, category)
		return
	}
	f.tags[category] = keys
}

func (f *fakeTarget) QueueDownload(key string, priority int, _ func(bool)) (string, error) {
	f.queued[key] = priority
	return "id-" + key, nil
}

func (f *fakeTarget) Load(_ context.Context, key string) (any, error) {
	if f.fail[key] {
		return nil, errors.New("load failed")
	}
	f.loaded = append(f.loaded, key)
	return key, nil
}

func (f *fakeTarget) tagsFor(c string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tags[c]
}

func TestParse(t *testing.T) {
	m, err := Parse([]byte(sample), "content.hcl")
	require.NoError(t, err)
	require.Len(t, m.Groups, 3)

	assert.Equal(t, "arena", m.Groups[0].Category, "category defaults to the group name")
	assert.Equal(t, 5, m.Groups[0].Priority)
	assert.True(t, m.Groups[1].Preload)

	cats := m.Categories()
	assert.Equal(t, []string{"arena/floor.png", "fx/spark.png", "music/arena.ogg"}, cats["arena"])
	assert.Equal(t, []string{"lobby/banner.png"}, cats["lobby"])
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte(`group "a" {`), "broken.hcl")
	assert.Error(t, err)

	_, err = Parse([]byte(`group "a" { priority = 1 }`), "nokeys.hcl")
	assert.Error(t, err, "keys is required")

	_, err = Parse([]byte("group \"a\" { keys = [] }\ngroup \"a\" { keys = [] }"), "dup.hcl")
	assert.ErrorContains(t, err, "duplicate group")
}

func TestApply(t *testing.T) {
	m, err := Parse([]byte(sample), "content.hcl")
	require.NoError(t, err)
	target := newFakeTarget()

	res, err := Apply(context.Background(), m, target, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Categories)
	assert.Equal(t, 2, res.Queued)
	assert.Equal(t, []string{"fx/spark.png"}, res.Preloaded)
	assert.Equal(t, map[string]int{"arena/floor.png": 5, "music/arena.ogg": 5}, target.queued)
	assert.Len(t, target.tagsFor("arena"), 3)
}

func TestApplyCombinesPreloadErrors(t *testing.T) {
	m, err := Parse([]byte(`group "g" {
  keys    = ["a", "b", "c"]
  preload = true
}`), "g.hcl")
	require.NoError(t, err)
	target := newFakeTarget()
	target.fail["a"] = true
	target.fail["c"] = true

	res, err := Apply(context.Background(), m, target, nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "preload a")
	assert.ErrorContains(t, err, "preload c")
	assert.Equal(t, []string{"b"}, res.Preloaded)
}

func TestApplyTagsClearsRemovedCategories(t *testing.T) {
	prev, err := Parse([]byte(sample), "a.hcl")
	require.NoError(t, err)
	next, err := Parse([]byte(`group "lobby" { keys = ["lobby/new.png"] }`), "b.hcl")
	require.NoError(t, err)

	target := newFakeTarget()
	ApplyTags(target, nil, prev)
	ApplyTags(target, prev, next)

	assert.Nil(t, target.tagsFor("arena"))
	assert.Equal(t, []string{"lobby/new.png"}, target.tagsFor("lobby"))
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content.hcl")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	initial, err := Load(path)
	require.NoError(t, err)

	changes := make(chan *Manifest, 4)
	w, err := NewWatcher(path, initial, func(prev, next *Manifest) {
		assert.NotNil(t, prev)
		changes <- next
	}, nil)
	if err != nil {
		t.Skip("fsnotify not supported: ", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// An invalid write is ignored.
	require.NoError(t, os.WriteFile(path, []byte(`group "x" {`), 0o644))
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`group "only" { keys = ["k"] }`), 0o644))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case m := <-changes:
			if len(m.Groups) == 1 && m.Groups[0].Name == "only" {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for manifest reload")
		}
	}
}
