// Package memhosttest provides an in-memory memory host for tests.
package memhosttest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/tiermem/internal/memhost"
	"github.com/scrypster/tiermem/pkg/types"
)

// Operation names accepted by FailOn.
const (
	OpBlockCreate   = "blocks.create"
	OpBlockGet      = "blocks.get"
	OpBlockUpdate   = "blocks.update"
	OpBlockList     = "blocks.list"
	OpBlockAttach   = "blocks.attach"
	OpBlockDetach   = "blocks.detach"
	OpBlockDelete   = "blocks.delete"
	OpPassageInsert = "passages.insert"
	OpPassageSearch = "passages.search"
	OpPassageList   = "passages.list"
	OpMessageSend   = "messages.send"
	OpMessageList   = "messages.list"
	OpMessageSearch = "messages.search"
	OpAgentCreate   = "agents.create"
	OpAgentGet      = "agents.get"
	OpAgentList     = "agents.list"
	OpAgentDelete   = "agents.delete"
)

// Fake is a concurrency-safe in-memory memory host. Passage and message
// search match any whitespace-separated query token, case-insensitively,
// ranked by the number of matching tokens.
type Fake struct {
	mu sync.Mutex

	blocks      map[string]*types.MemoryBlock
	attachments map[string]map[string]bool // agentID -> blockIDs
	passages    map[string][]types.ArchivalPassage
	messages    map[string][]types.Message
	agents      map[string]*types.Agent

	failures  map[string]error
	failMatch map[string]func(arg string) bool
	calls     map[string]int

	// Now supplies timestamps for inserted records.
	Now func() time.Time
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		blocks:      make(map[string]*types.MemoryBlock),
		attachments: make(map[string]map[string]bool),
		passages:    make(map[string][]types.ArchivalPassage),
		messages:    make(map[string][]types.Message),
		agents:      make(map[string]*types.Agent),
		failures:    make(map[string]error),
		failMatch:   make(map[string]func(string) bool),
		calls:       make(map[string]int),
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

// Host exposes the fake as memhost services.
func (f *Fake) Host() *memhost.Host {
	return &memhost.Host{
		Blocks:   blocks{f},
		Passages: passages{f},
		Messages: messages{f},
		Agents:   agents{f},
	}
}

// FailOn makes every call to op return err until cleared with a nil err.
func (f *Fake) FailOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, op)
		delete(f.failMatch, op)
		return
	}
	f.failures[op] = err
}

// FailWhen makes op return err only for calls whose primary argument
// (an ID, label or content) satisfies match.
func (f *Fake) FailWhen(op string, err error, match func(arg string) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = err
	f.failMatch[op] = match
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// check records the call and returns any injected failure. Callers hold mu.
func (f *Fake) check(op, arg string) error {
	f.calls[op]++
	err, ok := f.failures[op]
	if !ok {
		return nil
	}
	if match, scoped := f.failMatch[op]; scoped && !match(arg) {
		return nil
	}
	return err
}

// PutBlock seeds a block directly.
func (f *Fake) PutBlock(b types.MemoryBlock) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	f.blocks[b.ID] = &b
}

// Block returns a copy of the stored block.
func (f *Fake) Block(id string) (types.MemoryBlock, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blocks[id]
	if !ok {
		return types.MemoryBlock{}, false
	}
	return *b, true
}

// DropBlock removes a block without going through the service, simulating
// deletion by another process.
func (f *Fake) DropBlock(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blocks, id)
}

// Attached returns the block IDs attached to agentID, sorted.
func (f *Fake) Attached(agentID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.attachments[agentID]))
	for id := range f.attachments[agentID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AddMessage seeds a message with an explicit timestamp.
func (f *Fake) AddMessage(agentID string, m types.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = f.Now()
	}
	m.AgentID = agentID
	f.messages[agentID] = append(f.messages[agentID], m)
}

// PassageContents returns every passage content stored for agentID.
func (f *Fake) PassageContents(agentID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.passages[agentID]))
	for _, p := range f.passages[agentID] {
		out = append(out, p.Content)
	}
	return out
}

// AddAgent seeds an agent.
func (f *Fake) AddAgent(a types.Agent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	f.agents[a.ID] = &a
}

func notFound(kind, id string) error {
	return types.NewRemoteAPIError("memory host", 404, fmt.Sprintf("%s %s not found", kind, id))
}

func tokens(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

func matchCount(content string, toks []string) int {
	lower := strings.ToLower(content)
	n := 0
	for _, t := range toks {
		if strings.Contains(lower, t) {
			n++
		}
	}
	return n
}

// blocks

type blocks struct{ f *Fake }

func (s blocks) Create(_ context.Context, in memhost.BlockCreate) (*types.MemoryBlock, error) {
	f := s.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(OpBlockCreate, in.Label); err != nil {
		return nil, err
	}
	b := &types.MemoryBlock{ID: uuid.NewString(), Label: in.Label, Value: in.Value, Limit: in.Limit, ReadOnly: in.ReadOnly}
	f.blocks[b.ID] = b
	out := *b
	return &out, nil
}

func (s blocks) Get(_ context.Context, id string) (*types.MemoryBlock, error) {
	f := s.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(OpBlockGet, id); err != nil {
		return nil, err
	}
	b, ok := f.blocks[id]
	if !ok {
		return nil, notFound("block", id)
	}
	out := *b
	return &out, nil
}

func (s blocks) Update(_ context.Context, id, value string) (*types.MemoryBlock, error) {
	f := s.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(OpBlockUpdate, id); err != nil {
		return nil, err
	}
	b, ok := f.blocks[id]
	if !ok {
		return nil, notFound("block", id)
	}
	b.Value = value
	out := *b
	return &out, nil
}

func (s blocks) List(_ context.Context, label string) ([]types.MemoryBlock, error) {
	f := s.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(OpBlockList, label); err != nil {
		return nil, err
	}
	out := make([]types.MemoryBlock, 0)
	for _, b := range f.blocks {
		if label == "" || b.Label == label {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

func (s blocks) Attach(_ context.Context, agentID, blockID string) error {
	f := s.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(OpBlockAttach, blockID); err != nil {
		return err
	}
	if _, ok := f.blocks[blockID]; !ok {
		return notFound("block", blockID)
	}
	if f.attachments[agentID] == nil {
		f.attachments[agentID] = make(map[string]bool)
	}
	f.attachments[agentID][blockID] = true
	return nil
}

func (s blocks) Detach(_ context.Context, agentID, blockID string) error {
	f := s.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(OpBlockDetach, blockID); err != nil {
		return err
	}
	delete(f.attachments[agentID], blockID)
	return nil
}

func (s blocks) Delete(_ context.Context, id string) error {
	f := s.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(OpBlockDelete, id); err != nil {
		return err
	}
	if _, ok := f.blocks[id]; !ok {
		return notFound("block", id)
	}
	delete(f.blocks, id)
	return nil
}

// passages

type passages struct{ f *Fake }

func (s passages) Insert(_ context.Context, agentID, content string) (*types.ArchivalPassage, error) {
	f := s.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(OpPassageInsert, content); err != nil {
		return nil, err
	}
	p := types.ArchivalPassage{ID: uuid.NewString(), AgentID: agentID, Content: content, CreatedAt: f.Now()}
	f.passages[agentID] = append(f.passages[agentID], p)
	return &p, nil
}

func (s passages) Search(_ context.Context, agentID, query string, limit int) ([]string, error) {
	f := s.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(OpPassageSearch, query); err != nil {
		return nil, err
	}
	toks := tokens(query)
	type scored struct {
		content string
		score   int
		order   int
	}
	var hits []scored
	for i, p := range f.passages[agentID] {
		n := matchCount(p.Content, toks)
		if len(toks) > 0 && n == 0 {
			continue
		}
		hits = append(hits, scored{p.Content, n, i})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].order > hits[j].order
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.content)
	}
	return out, nil
}

func (s passages) List(_ context.Context, agentID string, limit int) ([]types.ArchivalPassage, error) {
	f := s.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(OpPassageList, agentID); err != nil {
		return nil, err
	}
	all := f.passages[agentID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]types.ArchivalPassage(nil), all...), nil
}

// messages

type messages struct{ f *Fake }

func (s messages) Send(_ context.Context, agentID, content string, role types.MessageRole) (*types.Message, error) {
	f := s.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(OpMessageSend, content); err != nil {
		return nil, err
	}
	m := types.Message{ID: uuid.NewString(), AgentID: agentID, Role: role, Content: content, CreatedAt: f.Now()}
	f.messages[agentID] = append(f.messages[agentID], m)
	return &m, nil
}

func (s messages) List(_ context.Context, agentID string, limit int) ([]types.Message, error) {
	f := s.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(OpMessageList, agentID); err != nil {
		return nil, err
	}
	all := append([]types.Message(nil), f.messages[agentID]...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (s messages) Search(_ context.Context, agentID, query string, opts memhost.MessageSearch) ([]types.MessageHit, error) {
	f := s.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(OpMessageSearch, query); err != nil {
		return nil, err
	}
	toks := tokens(query)
	type scored struct {
		msg   types.Message
		score int
	}
	var hits []scored
	for _, m := range f.messages[agentID] {
		if opts.Start != nil && m.CreatedAt.Before(*opts.Start) {
			continue
		}
		if opts.End != nil && m.CreatedAt.After(*opts.End) {
			continue
		}
		n := matchCount(m.Content, toks)
		if len(toks) > 0 && n == 0 {
			continue
		}
		hits = append(hits, scored{m, n})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if opts.Limit > 0 && len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	out := make([]types.MessageHit, 0, len(hits))
	for i, h := range hits {
		out = append(out, types.MessageHit{Message: h.msg, Rank: i + 1})
	}
	return out, nil
}

// agents

type agents struct{ f *Fake }

func (s agents) Create(_ context.Context, name, _ string, blockIDs []string) (*types.Agent, error) {
	f := s.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(OpAgentCreate, name); err != nil {
		return nil, err
	}
	a := &types.Agent{ID: uuid.NewString(), Name: name, CreatedAt: f.Now(), BlockIDs: append([]string(nil), blockIDs...)}
	f.agents[a.ID] = a
	out := *a
	return &out, nil
}

func (s agents) Get(_ context.Context, id string) (*types.Agent, error) {
	f := s.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(OpAgentGet, id); err != nil {
		return nil, err
	}
	a, ok := f.agents[id]
	if !ok {
		return nil, notFound("agent", id)
	}
	out := *a
	return &out, nil
}

func (s agents) List(_ context.Context) ([]types.Agent, error) {
	f := s.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(OpAgentList, ""); err != nil {
		return nil, err
	}
	out := make([]types.Agent, 0, len(f.agents))
	for _, a := range f.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s agents) Delete(_ context.Context, id string) error {
	f := s.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(OpAgentDelete, id); err != nil {
		return err
	}
	if _, ok := f.agents[id]; !ok {
		return notFound("agent", id)
	}
	delete(f.agents, id)
	return nil
}
