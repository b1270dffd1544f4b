// Package blocks manages bounded, shared memory blocks on the memory host:
// lazy creation from role templates, a block-id cache, attributed appends
// with trimming, and role-based attachment.
package blocks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/scrypster/tiermem/internal/memhost"
	"github.com/scrypster/tiermem/internal/metrics"
	"github.com/scrypster/tiermem/pkg/types"
)

// TrimPolicy selects how an over-limit block value is shortened.
type TrimPolicy string

const (
	// TrimChars keeps the trailing limit-margin runes.
	TrimChars TrimPolicy = "chars"

	// TrimEntries drops whole attributed entries, oldest first, and falls
	// back to TrimChars when a single entry is still too long.
	TrimEntries TrimPolicy = "entries"
)

// Valid reports whether p is a known policy.
func (p TrimPolicy) Valid() bool {
	return p == TrimChars || p == TrimEntries
}

// DefaultMargin is the trim headroom used when templates do not set one.
const DefaultMargin = 100

// DefaultResolveTimeout bounds a shared GetOrCreate lookup.
const DefaultResolveTimeout = 30 * time.Second

const entrySeparator = "\n\n"

// Options configures a Manager. Zero values select defaults.
type Options struct {
	Cache      Cache
	Templates  *Templates
	Margin     int
	TrimPolicy TrimPolicy
	Metrics    *metrics.Metrics
	Now        func() time.Time

	// ResolveTimeout bounds the host calls of a shared GetOrCreate lookup,
	// which outlives the cancellation of any single caller.
	ResolveTimeout time.Duration
}

// CreateOptions applies only when GetOrCreate has to create the block.
type CreateOptions struct {
	// InitialValue replaces the template's default text when non-empty.
	InitialValue string

	// ReadOnly marks the new block read-only. Templates can force it.
	ReadOnly bool
}

// AttachFailure records one label that could not be attached.
type AttachFailure struct {
	Label string
	Err   error
}

// AttachReport summarizes AttachForRole.
type AttachReport struct {
	Attached []string
	Failed   []AttachFailure
}

// Manager is the Block Manager.
type Manager struct {
	blocks    memhost.BlockService
	cache     Cache
	templates *Templates
	margin    int
	policy    TrimPolicy
	metrics   *metrics.Metrics
	now       func() time.Time
	timeout   time.Duration
	group     singleflight.Group
	logger    zerolog.Logger
}

// NewManager creates a Manager over the memory host's block service.
func NewManager(blockService memhost.BlockService, opts Options) (*Manager, error) {
	if blockService == nil {
		return nil, fmt.Errorf("%w: block service is required", types.ErrNotConfigured)
	}
	templates := opts.Templates
	if templates == nil {
		var err error
		if templates, err = DefaultTemplates(); err != nil {
			return nil, err
		}
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewLRUCache(10000, time.Hour)
	}
	margin := opts.Margin
	if margin <= 0 {
		margin = templates.Margin
	}
	if margin <= 0 {
		margin = DefaultMargin
	}
	policy := opts.TrimPolicy
	if policy == "" {
		policy = TrimChars
	}
	if !policy.Valid() {
		return nil, fmt.Errorf("%w: unknown trim policy %q", types.ErrInvalidInput, policy)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	resolveTimeout := opts.ResolveTimeout
	if resolveTimeout <= 0 {
		resolveTimeout = DefaultResolveTimeout
	}

	return &Manager{
		blocks:    blockService,
		cache:     cache,
		templates: templates,
		margin:    margin,
		policy:    policy,
		metrics:   opts.Metrics,
		now:       now,
		timeout:   resolveTimeout,
		logger:    log.With().Str("component", "blocks").Logger(),
	}, nil
}

// Templates returns the templates in use.
func (m *Manager) Templates() *Templates { return m.templates }

// GetOrCreate returns the tenant's block for label. The block ID is looked
// up in the cache, then by the deterministic host label, and the block is
// created from its template as a last resort. A cached ID that no longer
// resolves is dropped and the lookup starts over.
//
// Concurrent calls for the same (tenant, label) share one lookup, so
// CreateOptions of the first caller win. The shared lookup keeps the first
// caller's context values but not its cancellation; it is bounded by
// ResolveTimeout instead. A cancelled caller returns its context error
// without aborting the lookup for the others.
func (m *Manager) GetOrCreate(ctx context.Context, tenantID, label string, opts CreateOptions) (*types.MemoryBlock, error) {
	if err := validate(tenantID, label); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := m.group.DoChan(cacheKey(tenantID, label), func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		return m.resolve(rctx, tenantID, label, opts)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		b := *res.Val.(*types.MemoryBlock)
		return &b, nil
	}
}

func (m *Manager) resolve(ctx context.Context, tenantID, label string, opts CreateOptions) (*types.MemoryBlock, error) {
	if id, ok := m.cache.Get(tenantID, label); ok {
		b, err := m.blocks.Get(ctx, id)
		switch {
		case err == nil:
			m.metrics.CacheLookup("hit")
			return scoped(b, tenantID, label), nil
		case errors.Is(err, types.ErrNotFound):
			m.metrics.CacheLookup("stale")
			m.cache.Invalidate(tenantID, label)
			m.logger.Debug().Str("tenant", tenantID).Str("label", label).Str("block_id", id).
				Msg("cached block no longer exists, recreating")
		default:
			return nil, fmt.Errorf("get block %s: %w", label, err)
		}
	} else {
		m.metrics.CacheLookup("miss")
	}

	remoteLabel := types.RemoteBlockLabel(tenantID, label)
	found, err := m.blocks.List(ctx, remoteLabel)
	if err != nil {
		return nil, fmt.Errorf("look up block %s: %w", remoteLabel, err)
	}
	if len(found) > 0 {
		b := found[0]
		m.cache.Set(tenantID, label, b.ID)
		return scoped(&b, tenantID, label), nil
	}

	tpl := m.templates.Block(label)
	value := tpl.Value
	if opts.InitialValue != "" {
		value = opts.InitialValue
	}
	value = m.trim(value, tpl.Limit)

	created, err := m.blocks.Create(ctx, memhost.BlockCreate{
		Label:       remoteLabel,
		Value:       value,
		Limit:       tpl.Limit,
		ReadOnly:    tpl.ReadOnly || opts.ReadOnly,
		Description: tpl.Description,
	})
	if err != nil {
		return nil, fmt.Errorf("create block %s: %w", remoteLabel, err)
	}
	m.cache.Set(tenantID, label, created.ID)
	m.logger.Info().Str("tenant", tenantID).Str("label", label).Str("block_id", created.ID).Msg("created block")
	return scoped(created, tenantID, label), nil
}

// Append adds an attributed entry to the block and trims the oldest
// content so the value stays within the block's limit. Read-only blocks
// are rejected with types.ErrReadOnlyViolation and left unchanged.
func (m *Manager) Append(ctx context.Context, tenantID, label, content, attributedBy string) (*types.MemoryBlock, error) {
	b, err := m.append(ctx, tenantID, label, content, attributedBy)
	if errors.Is(err, types.ErrNotFound) {
		// Deleted between lookup and update; the retry recreates it.
		m.cache.Invalidate(tenantID, label)
		b, err = m.append(ctx, tenantID, label, content, attributedBy)
	}
	m.metrics.BlockAppend(label, err)
	return b, err
}

func (m *Manager) append(ctx context.Context, tenantID, label, content, attributedBy string) (*types.MemoryBlock, error) {
	b, err := m.GetOrCreate(ctx, tenantID, label, CreateOptions{})
	if err != nil {
		return nil, err
	}
	if b.ReadOnly {
		return nil, fmt.Errorf("%w: %s/%s", types.ErrReadOnlyViolation, tenantID, label)
	}

	entry := fmt.Sprintf("%s[%s @ %s]: %s", entrySeparator, attributedBy, m.now().Format("2006-01-02"), content)
	value := b.Value + entry
	trimmed := m.trim(value, b.Limit)
	if trimmed != value {
		m.metrics.BlockTrim(label)
		m.logger.Debug().Str("tenant", tenantID).Str("label", label).
			Int("dropped_runes", utf8.RuneCountInString(value)-utf8.RuneCountInString(trimmed)).
			Msg("trimmed block to limit")
	}

	updated, err := m.blocks.Update(ctx, b.ID, trimmed)
	if err != nil {
		return nil, fmt.Errorf("update block %s: %w", label, err)
	}
	return scoped(updated, tenantID, label), nil
}

// AttachForRole attaches every block of role's template set to agentID.
// Each label is handled independently; failures are logged and reported.
func (m *Manager) AttachForRole(ctx context.Context, tenantID, agentID string, role types.Role) (AttachReport, error) {
	var report AttachReport
	if !role.Valid() {
		return report, fmt.Errorf("%w: unknown role %q", types.ErrInvalidInput, role)
	}
	if agentID == "" {
		return report, fmt.Errorf("%w: agent ID is required", types.ErrInvalidInput)
	}

	for _, label := range m.templates.LabelsForRole(role) {
		if err := ctx.Err(); err != nil {
			report.Failed = append(report.Failed, AttachFailure{Label: label, Err: err})
			continue
		}
		b, err := m.GetOrCreate(ctx, tenantID, label, CreateOptions{})
		if err == nil {
			err = m.blocks.Attach(ctx, agentID, b.ID)
		}
		if err != nil {
			m.logger.Warn().Err(err).Str("tenant", tenantID).Str("agent_id", agentID).Str("label", label).
				Msg("failed to attach block, skipping")
			report.Failed = append(report.Failed, AttachFailure{Label: label, Err: err})
			continue
		}
		report.Attached = append(report.Attached, label)
	}
	return report, nil
}

// Read returns the block's current value, creating the block if needed.
func (m *Manager) Read(ctx context.Context, tenantID, label string) (string, error) {
	b, err := m.GetOrCreate(ctx, tenantID, label, CreateOptions{})
	if err != nil {
		return "", err
	}
	return b.Value, nil
}

// Remove detaches the block from the given agents and deletes it. It is the
// only path that deletes a block.
func (m *Manager) Remove(ctx context.Context, tenantID, label string, agentIDs ...string) error {
	if err := validate(tenantID, label); err != nil {
		return err
	}
	id, ok := m.cache.Get(tenantID, label)
	if !ok {
		found, err := m.blocks.List(ctx, types.RemoteBlockLabel(tenantID, label))
		if err != nil {
			return fmt.Errorf("look up block %s: %w", label, err)
		}
		if len(found) == 0 {
			return fmt.Errorf("%w: block %s/%s", types.ErrNotFound, tenantID, label)
		}
		id = found[0].ID
	}

	for _, agentID := range agentIDs {
		if err := m.blocks.Detach(ctx, agentID, id); err != nil && !errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("detach block %s from %s: %w", label, agentID, err)
		}
	}
	m.cache.Invalidate(tenantID, label)
	if err := m.blocks.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete block %s: %w", label, err)
	}
	m.logger.Info().Str("tenant", tenantID).Str("label", label).Str("block_id", id).Msg("removed block")
	return nil
}

func (m *Manager) trim(value string, limit int) string {
	if m.policy == TrimEntries {
		return TrimOldestEntries(value, limit, m.margin)
	}
	return TrimToLimit(value, limit, m.margin)
}

// TrimToLimit keeps the trailing limit-margin runes of value when it is
// longer than limit (all limit runes when limit <= margin). Values within
// the limit, and non-positive limits, are returned unchanged.
func TrimToLimit(value string, limit, margin int) string {
	if limit <= 0 || utf8.RuneCountInString(value) <= limit {
		return value
	}
	return tailRunes(value, keepRunes(limit, margin))
}

// TrimOldestEntries drops whole attributed entries from the front of value
// until it fits in limit-margin runes. If the newest entry alone is too
// long it is cut like TrimToLimit.
func TrimOldestEntries(value string, limit, margin int) string {
	if limit <= 0 || utf8.RuneCountInString(value) <= limit {
		return value
	}
	keep := keepRunes(limit, margin)
	rest := value
	for utf8.RuneCountInString(rest) > keep {
		i := strings.Index(rest[1:], entrySeparator+"[")
		if i < 0 {
			return tailRunes(rest, keep)
		}
		rest = rest[i+1+len(entrySeparator):]
	}
	return rest
}

func keepRunes(limit, margin int) int {
	if limit <= margin {
		return limit
	}
	return limit - margin
}

func tailRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

func scoped(b *types.MemoryBlock, tenantID, label string) *types.MemoryBlock {
	out := *b
	out.TenantID = tenantID
	out.Label = label
	return &out
}

func validate(tenantID, label string) error {
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("%w: tenant ID is required", types.ErrInvalidInput)
	}
	if strings.TrimSpace(label) == "" {
		return fmt.Errorf("%w: block label is required", types.ErrInvalidInput)
	}
	return nil
}
