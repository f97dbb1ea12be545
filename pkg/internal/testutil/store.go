// Package testutil provides mock implementations and testing utilities for the triage bot.
package testutil

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"

	"github.com/codeGROOVE-dev/review-triage/pkg/github"
	"github.com/codeGROOVE-dev/review-triage/pkg/types"
)

// Operation names recorded by MockStore and accepted by SetError.
const (
	OpLabels          = "labels"
	OpAddLabels       = "add_labels"
	OpRemoveLabel     = "remove_label"
	OpPostComment     = "post_comment"
	OpRequestReviewer = "request_reviewer"
	OpSearch          = "search"
	OpSharedText      = "shared_text"
	OpRepositories    = "repositories"
	OpIssue           = "issue"
)

// Call records one mutation or lookup made against MockStore.
type Call struct {
	Op    string
	Issue string
	Args  []string
}

type searchStub struct {
	contains []string
	results  []*types.Issue
}

// MockStore implements github.IssueStore for testing.
// It's a programmable mock: issues, search results and errors are configured up front
// and every call is recorded.
type MockStore struct {
	issues       map[string]*types.Issue
	texts        map[string]string
	errors       map[string]error
	reviewErrors map[string]error
	searches     []searchStub
	repos        []types.Repository
	calls        []Call
	mu           sync.Mutex
}

var _ github.IssueStore = (*MockStore)(nil)

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		issues:       make(map[string]*types.Issue),
		texts:        make(map[string]string),
		errors:       make(map[string]error),
		reviewErrors: make(map[string]error),
	}
}

// AddIssue registers an issue so label reads and writes track its state.
func (m *MockStore) AddIssue(issue *types.Issue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *issue
	cp.Labels = slices.Clone(issue.Labels)
	m.issues[issue.Ref()] = &cp
}

// SetSearch makes every query containing all of contains yield results.
// Stubs are matched in registration order.
func (m *MockStore) SetSearch(results []*types.Issue, contains ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searches = append(m.searches, searchStub{contains: contains, results: results})
}

// SetSharedText sets the content returned for a shared document id.
func (m *MockStore) SetSharedText(id, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts[id] = text
}

// SetRepositories sets the repositories returned by Repositories.
func (m *MockStore) SetRepositories(repos ...types.Repository) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repos = repos
}

// SetError makes the named operation fail with err. A nil err clears it.
func (m *MockStore) SetError(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errors, op)
		return
	}
	m.errors[op] = err
}

// SetReviewError makes RequestReviewer fail for one login.
func (m *MockStore) SetReviewError(login string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reviewErrors[login] = err
}

// Calls returns a copy of every recorded call.
func (m *MockStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// CallsFor returns the recorded calls of one operation.
func (m *MockStore) CallsFor(op string) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Mutations returns recorded label and comment writes in order.
func (m *MockStore) Mutations() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.calls {
		switch c.Op {
		case OpAddLabels, OpRemoveLabel, OpPostComment, OpRequestReviewer:
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets recorded calls.
func (m *MockStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// IssueLabels returns the tracked labels of a registered issue.
func (m *MockStore) IssueLabels(ref string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if is, ok := m.issues[ref]; ok {
		return slices.Clone(is.Labels)
	}
	return nil
}

func (m *MockStore) record(op string, issue *types.Issue, args ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := ""
	if issue != nil {
		ref = issue.Ref()
	}
	m.calls = append(m.calls, Call{Op: op, Issue: ref, Args: args})
	return m.errors[op]
}

// Labels returns tracked labels for registered issues and the snapshot's labels otherwise.
func (m *MockStore) Labels(_ context.Context, issue *types.Issue) ([]string, error) {
	if err := m.record(OpLabels, issue); err != nil {
		return nil, err
	}
	if labels := m.IssueLabels(issue.Ref()); labels != nil {
		return labels, nil
	}
	return slices.Clone(issue.Labels), nil
}

// AddLabels records the call and updates tracked state.
func (m *MockStore) AddLabels(_ context.Context, issue *types.Issue, names []string) error {
	if err := m.record(OpAddLabels, issue, names...); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if is, ok := m.issues[issue.Ref()]; ok {
		for _, n := range names {
			if !slices.Contains(is.Labels, n) {
				is.Labels = append(is.Labels, n)
			}
		}
	}
	return nil
}

// RemoveLabel records the call and updates tracked state.
func (m *MockStore) RemoveLabel(_ context.Context, issue *types.Issue, name string) error {
	if err := m.record(OpRemoveLabel, issue, name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if is, ok := m.issues[issue.Ref()]; ok {
		is.Labels = slices.DeleteFunc(is.Labels, func(l string) bool { return l == name })
	}
	return nil
}

// PostComment records the comment body.
func (m *MockStore) PostComment(_ context.Context, issue *types.Issue, body string) error {
	return m.record(OpPostComment, issue, body)
}

// RequestReviewer records the request and returns any per-login error.
func (m *MockStore) RequestReviewer(_ context.Context, issue *types.Issue, login string) error {
	if err := m.record(OpRequestReviewer, issue, login); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reviewErrors[login]
}

// Search yields copies of the first matching stub's results.
func (m *MockStore) Search(_ context.Context, q github.Query) iter.Seq2[*types.Issue, error] {
	query := q.String()
	if q.Sort != "" {
		query += " sort:" + q.Sort + "-" + q.Order
	}
	return func(yield func(*types.Issue, error) bool) {
		if err := m.record(OpSearch, nil, query); err != nil {
			yield(nil, err)
			return
		}
		for _, is := range m.match(query) {
			if !yield(is, nil) {
				return
			}
		}
	}
}

func (m *MockStore) match(query string) []*types.Issue {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.searches {
		ok := true
		for _, c := range s.contains {
			if !strings.Contains(query, c) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		out := make([]*types.Issue, 0, len(s.results))
		for _, is := range s.results {
			cp := *is
			cp.Labels = slices.Clone(is.Labels)
			out = append(out, &cp)
		}
		return out
	}
	return nil
}

// SharedText returns the configured document.
func (m *MockStore) SharedText(_ context.Context, id string) (string, error) {
	if err := m.record(OpSharedText, nil, id); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	text, ok := m.texts[id]
	if !ok {
		return "", fmt.Errorf("shared text %s not found", id)
	}
	return text, nil
}

// Repositories returns the configured repositories.
func (m *MockStore) Repositories(_ context.Context) ([]types.Repository, error) {
	if err := m.record(OpRepositories, nil); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.repos), nil
}

// Issue returns a copy of a registered issue with its tracked labels.
func (m *MockStore) Issue(_ context.Context, owner, repo string, number int) (*types.Issue, error) {
	ref := fmt.Sprintf("%s/%s#%d", owner, repo, number)
	m.mu.Lock()
	m.calls = append(m.calls, Call{Op: OpIssue, Issue: ref})
	err := m.errors[OpIssue]
	is, ok := m.issues[ref]
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("issue %s not found", ref)
	}
	cp := *is
	cp.Labels = slices.Clone(is.Labels)
	return &cp, nil
}
