package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/scrypster/tiermem/pkg/types"
)

// productKeywords maps message keywords to a product type.
var productKeywords = map[string][]string{
	"flower":      {"flower", "buds", "eighth", "ounce"},
	"vape":        {"vape", "cartridge", "carts"},
	"edible":      {"edible", "gummies", "gummy", "chocolate", "beverage"},
	"concentrate": {"concentrate", "wax", "shatter", "rosin", "dab"},
	"pre-roll":    {"pre-roll", "preroll", "joint"},
	"tincture":    {"tincture", "drops", "sublingual"},
	"topical":     {"topical", "lotion", "balm", "cream"},
}

// effectKeywords maps message keywords to a desired effect.
var effectKeywords = map[string][]string{
	"relaxation":  {"relax", "unwind", "chill"},
	"sleep":       {"sleep", "insomnia", "bedtime"},
	"energy":      {"energy", "energize", "uplift"},
	"focus":       {"focus", "productive"},
	"pain relief": {"pain", "ache", "sore"},
	"creativity":  {"creative", "creativity"},
	"calm":        {"anxiety", "calm", "stress"},
}

var (
	priceSensitivePhrases = []string{"cheap", "deal", "discount", "budget", "coupon", "on sale", "too expensive", "affordable"}
	priceTolerantPhrases  = []string{"premium", "top shelf", "top-shelf", "best quality", "price doesn't matter", "don't care about price", "worth the price"}
)

// Signals are preference cues extracted from one batch of messages.
type Signals struct {
	ProductAffinity map[string]int
	Effects         []string
	// PriceSignal is positive for price-sensitive cues and negative for
	// price-tolerant ones.
	PriceSignal int
}

// Empty reports whether no cue was found.
func (s Signals) Empty() bool {
	return len(s.ProductAffinity) == 0 && len(s.Effects) == 0 && s.PriceSignal == 0
}

// ExtractSignals scans user messages for product, effect and price cues.
func ExtractSignals(messages []types.Message) Signals {
	sig := Signals{ProductAffinity: map[string]int{}}
	effects := map[string]bool{}
	for _, m := range messages {
		if m.Role != types.MessageRoleUser {
			continue
		}
		text := strings.ToLower(m.Content)
		for product, kws := range productKeywords {
			if containsAny(text, kws) {
				sig.ProductAffinity[product]++
			}
		}
		for effect, kws := range effectKeywords {
			if containsAny(text, kws) {
				effects[effect] = true
			}
		}
		if containsAny(text, priceSensitivePhrases) {
			sig.PriceSignal++
		}
		if containsAny(text, priceTolerantPhrases) {
			sig.PriceSignal--
		}
	}
	for e := range effects {
		sig.Effects = append(sig.Effects, e)
	}
	sort.Strings(sig.Effects)
	return sig
}

// MergeProfile folds signals into profile: affinity counts add up, effects
// are unioned, and the net price signal decides the sensitivity.
func MergeProfile(profile *types.CustomerProfile, sig Signals) {
	if profile.ProductAffinity == nil {
		profile.ProductAffinity = map[string]int{}
	}
	for product, n := range sig.ProductAffinity {
		profile.ProductAffinity[product] += n
	}
	seen := make(map[string]bool, len(profile.Effects))
	for _, e := range profile.Effects {
		seen[e] = true
	}
	for _, e := range sig.Effects {
		if !seen[e] {
			profile.Effects = append(profile.Effects, e)
			seen[e] = true
		}
	}
	profile.PriceSignals += sig.PriceSignal
	switch {
	case profile.PriceSignals > 0:
		profile.PriceSensitivity = types.PriceSensitivityHigh
	case profile.PriceSignals < 0:
		profile.PriceSensitivity = types.PriceSensitivityLow
	case profile.PriceSensitivity == "":
		profile.PriceSensitivity = types.PriceSensitivityUnknown
	}
}

// SyncCustomerInsights reads the agent's recent conversation with a
// customer, extracts preference signals from messages newer than the
// profile's LastMessageAt, and merges them into the stored profile. Repeated
// syncs over the same conversation leave the counts unchanged. Messages
// without a timestamp cannot be tracked and are ignored.
func (b *Bridge) SyncCustomerInsights(ctx context.Context, tenantID, customerID, agentID string) (*types.CustomerProfile, error) {
	if b.deps.Messages == nil || b.deps.Profiles == nil {
		return nil, fmt.Errorf("%w: customer insights need messages and a profile store", types.ErrNotConfigured)
	}
	if customerID == "" || agentID == "" {
		return nil, fmt.Errorf("%w: customer and agent are required", types.ErrInvalidInput)
	}
	rec := &types.SyncRecord{
		TenantID:   tenantID,
		Direction:  types.SyncMemoryHostToDocStore,
		SourceType: "conversation",
		TargetType: "customer_profiles",
	}

	messages, err := b.deps.Messages.List(ctx, agentID, customerMessageWindow)
	if err != nil {
		_, ferr := b.finish(ctx, rec, 0, true, []error{fmt.Errorf("fetch messages: %w", err)})
		return nil, ferr
	}

	profile, err := b.deps.Profiles.GetProfile(ctx, tenantID, customerID)
	if errors.Is(err, types.ErrNotFound) {
		profile = &types.CustomerProfile{TenantID: tenantID, CustomerID: customerID}
	} else if err != nil {
		_, ferr := b.finish(ctx, rec, 0, true, []error{fmt.Errorf("load profile: %w", err)})
		return nil, ferr
	}

	fresh, mark := newerThan(messages, profile.LastMessageAt)
	sig := ExtractSignals(fresh)
	MergeProfile(profile, sig)
	profile.LastMessageAt = mark
	profile.UpdatedAt = b.cfg.Now().UTC()
	if err := b.deps.Profiles.PutProfile(ctx, profile); err != nil {
		_, ferr := b.finish(ctx, rec, 0, true, []error{fmt.Errorf("save profile: %w", err)})
		return nil, ferr
	}

	items := len(sig.Effects) + abs(sig.PriceSignal)
	for _, n := range sig.ProductAffinity {
		items += n
	}
	b.finish(ctx, rec, items, false, nil)
	return profile, nil
}

// newerThan returns the messages created after mark and the newest
// timestamp seen, which is mark itself when nothing is newer.
func newerThan(messages []types.Message, mark time.Time) ([]types.Message, time.Time) {
	var out []types.Message
	newest := mark
	for _, m := range messages {
		if !m.CreatedAt.After(mark) {
			continue
		}
		out = append(out, m)
		if m.CreatedAt.After(newest) {
			newest = m.CreatedAt
		}
	}
	return out, newest.UTC()
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
