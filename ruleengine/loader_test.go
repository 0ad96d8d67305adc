package ruleengine

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	jsonPath := writeFile(t, dir, "rules.json", `[
  {"id": "xss", "pattern": "(?i)<script", "targets": ["ARGS"], "score": 4, "mode": "block"}
]`)
	yamlPath := writeFile(t, dir, "rules.yaml", `
- id: traversal
  pattern: '\.\./'
  targets: [URI]
  score: 3
  mode: log
  priority: 2
`)

	rules, err := LoadRules(jsonPath, yamlPath)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "xss", rules[0].ID)
	assert.Equal(t, "traversal", rules[1].ID)
	assert.Equal(t, ModeLog, rules[1].Action)
	assert.Equal(t, 2, rules[1].Priority)
}

func TestLoadRulesErrors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		path string
	}{
		{name: "missing file", path: filepath.Join(dir, "missing.json")},
		{name: "malformed json", path: writeFile(t, dir, "bad.json", `{"id":`)},
		{name: "invalid rule", path: writeFile(t, dir, "invalid.json", `[{"id": "a", "pattern": "(", "targets": ["URI"]}]`)},
		{name: "duplicate id", path: writeFile(t, dir, "dup.json", `[
  {"id": "a", "pattern": "x", "targets": ["URI"]},
  {"id": "a", "pattern": "y", "targets": ["URI"]}
]`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadRules(tt.path)
			assert.Error(t, err)
		})
	}
}

func TestLoadIPBlacklist(t *testing.T) {
	path := writeFile(t, t.TempDir(), "ips.txt", `
# office
192.168.1.10
10.0.0.0/8
2001:db8::/32
not-an-ip
`)

	trie, invalid, err := LoadIPBlacklist(path)
	require.NoError(t, err)
	assert.Equal(t, 1, invalid)

	for addr, want := range map[string]bool{
		"192.168.1.10": true,
		"192.168.1.11": false,
		"10.200.0.1":   true,
		"2001:db8::1":  true,
		"2001:db9::1":  false,
		"172.16.0.1":   false,
	} {
		assert.Equal(t, want, trie.Contains(netip.MustParseAddr(addr)), addr)
	}

	_, _, err = LoadIPBlacklist("")
	assert.ErrorIs(t, err, ErrEmptyPath)
}

func TestLoadUserBlacklist(t *testing.T) {
	path := writeFile(t, t.TempDir(), "users.txt", "alice\n\n# comment\n  bob  \n")

	users, err := LoadUserBlacklist(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"alice": {}, "bob": {}}, users)

	_, err = LoadUserBlacklist(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestAppendCIDR(t *testing.T) {
	assert.Equal(t, "1.2.3.4/32", appendCIDR("1.2.3.4"))
	assert.Equal(t, "::1/128", appendCIDR("::1"))
	assert.Equal(t, "10.0.0.0/8", appendCIDR("10.0.0.0/8"))
}

func TestExtractIP(t *testing.T) {
	assert.Equal(t, "127.0.0.1", extractIP("127.0.0.1:8080"))
	assert.Equal(t, "::1", extractIP("[::1]:443"))
	assert.Equal(t, "192.0.2.1", extractIP("192.0.2.1"))
}
