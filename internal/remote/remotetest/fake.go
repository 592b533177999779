// Package remotetest provides a scripted Executor for tests.
package remotetest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"sentinelctl/internal/remote"
)

// Rule matches commands by substring and supplies the canned response.
// Rules are evaluated in order; the first match wins.
type Rule struct {
	// Contains is matched against the command string.
	Contains string
	Result   remote.Result
	Err      error
	// Fn, when set, computes the response from the full command and
	// overrides Result/Err. Useful for stateful simulated hosts.
	Fn func(cmd string) (remote.Result, error)
}

// Fake is a scripted remote.Executor. Commands with no matching rule
// succeed with empty output, which keeps simulated-host scripts short.
type Fake struct {
	mu       sync.Mutex
	rules    []Rule
	Commands []string          // every command Run saw, in order
	Uploads  map[string][]byte // remotePath -> content
}

// NewFake builds a Fake from rules.
func NewFake(rules ...Rule) *Fake {
	return &Fake{rules: rules, Uploads: make(map[string][]byte)}
}

// Stub appends a rule after construction.
func (f *Fake) Stub(rule Rule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule)
}

// Run implements remote.Executor.
func (f *Fake) Run(_ context.Context, cmd string) (remote.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Commands = append(f.Commands, cmd)

	for _, rule := range f.rules {
		if strings.Contains(cmd, rule.Contains) {
			if rule.Fn != nil {
				return rule.Fn(cmd)
			}
			return rule.Result, rule.Err
		}
	}
	return remote.Result{}, nil
}

// Upload implements remote.Executor by recording the content.
func (f *Fake) Upload(_ context.Context, content []byte, remotePath string, _ os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Uploads[remotePath] = append([]byte(nil), content...)
	f.Commands = append(f.Commands, fmt.Sprintf("upload:%s", remotePath))
	return nil
}

// Ran reports whether any executed command contains the substring.
func (f *Fake) Ran(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cmd := range f.Commands {
		if strings.Contains(cmd, substr) {
			return true
		}
	}
	return false
}

// CountRan returns how many executed commands contain the substring.
func (f *Fake) CountRan(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, cmd := range f.Commands {
		if strings.Contains(cmd, substr) {
			n++
		}
	}
	return n
}
