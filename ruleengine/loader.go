package ruleengine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/phemmer/go-iptrie"
	"gopkg.in/yaml.v3"
)

// LoadRules reads rules from JSON or YAML files, chosen by extension.
// Rules are validated but not compiled.
func LoadRules(paths ...string) ([]Rule, error) {
	var rules []Rule
	for _, path := range paths {
		if !fileExists(path) {
			return nil, fmt.Errorf("rule file %q does not exist or is not readable", path)
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read rule file %s: %w", path, err)
		}

		var fileRules []Rule
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(content, &fileRules)
		default:
			err = json.Unmarshal(content, &fileRules)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse rule file %s: %w", path, err)
		}

		rules = append(rules, fileRules...)
	}

	if _, err := CompileRules(rules, nil); err != nil {
		return nil, err
	}
	return rules, nil
}

// readLines returns the non-empty, non-comment lines of path.
func readLines(path string) ([]string, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

// LoadIPBlacklist reads one IP or CIDR per line. Invalid entries are
// reported in the returned error count and skipped.
func LoadIPBlacklist(path string) (*iptrie.Trie, int, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read IP blacklist: %w", err)
	}

	trie := iptrie.NewTrie()
	invalid := 0
	for _, line := range lines {
		prefix, err := netip.ParsePrefix(appendCIDR(line))
		if err != nil {
			invalid++
			continue
		}
		trie.Insert(prefix.Masked(), nil)
	}
	return trie, invalid, nil
}

// LoadUserBlacklist reads one user identifier per line.
func LoadUserBlacklist(path string) (map[string]struct{}, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read user blacklist: %w", err)
	}

	users := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		users[line] = struct{}{}
	}
	return users, nil
}
