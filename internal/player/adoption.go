package player

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

// Registration is a playback endpoint as reported by the server. The
// client never owns this record; it only reads the server's list to
// decide registration actions.
type Registration struct {
	PlayerID    string `json:"player_id"`
	DisplayName string `json:"display_name"`
	Available   bool   `json:"available"`
	Provider    string `json:"provider"`
}

// AdoptionResult reports the outcome of the one-time ghost search.
// Skipping adoption is informational, not an error.
type AdoptionResult struct {
	Adopted  bool
	PlayerID string
	Reason   string
}

// PossessivePhoneName builds the "<owner>'s Phone" display name, using
// the bare-apostrophe possessive for owner names already ending in "s".
func PossessivePhoneName(owner string) string {
	if len(owner) > 0 {
		last := owner[len(owner)-1]
		if last == 's' || last == 'S' {
			return owner + "' Phone"
		}
	}

	return owner + "'s Phone"
}

// ResolveGhost searches the server's registration list for a stale
// entry that plausibly belongs to this installation and adopts its
// identifier instead of minting a new one. Runs only on fresh installs
// (no persisted identity) with a known owner label. The server offers
// no reliable delete for these registrations, so reuse is the only
// durable mitigation against stale entries accumulating across
// reinstalls.
func ResolveGhost(ctx context.Context, caller Caller, store *IdentityStore, ownerName string, logger *slog.Logger) (AdoptionResult, error) {
	existing, err := store.Get()
	if err != nil {
		return AdoptionResult{}, fmt.Errorf("reading identity: %w", err)
	}

	if existing != nil {
		return AdoptionResult{Reason: "identity already present"}, nil
	}

	if ownerName == "" {
		return AdoptionResult{Reason: "owner label unknown"}, nil
	}

	regs, err := fetchRegistrations(ctx, caller)
	if err != nil {
		return AdoptionResult{}, fmt.Errorf("listing registrations: %w", err)
	}

	// Both possessive spellings are searched: older builds applied the
	// "'s" form regardless of a trailing "s" in the owner name, so a
	// ghost may be registered under either.
	patterns := []string{ownerName + "' Phone", ownerName + "'s Phone"}

	var candidates []Registration
	for _, reg := range regs {
		if matchesAny(reg.DisplayName, patterns) {
			candidates = append(candidates, reg)
		}
	}

	if len(candidates) == 0 {
		return AdoptionResult{Reason: "no matching registration"}, nil
	}

	// Preference order: current-format identifiers beat legacy ones,
	// then a true ghost (unavailable) beats an entry something may
	// still be using.
	slices.SortStableFunc(candidates, func(a, b Registration) int {
		if r := adoptionRank(a) - adoptionRank(b); r != 0 {
			return r
		}

		return 0
	})

	best := candidates[0]
	if err := store.Adopt(best.PlayerID); err != nil {
		return AdoptionResult{}, err
	}

	logger.Info("adopted ghost registration",
		slog.String("player_id", best.PlayerID),
		slog.String("display_name", best.DisplayName),
		slog.Bool("was_available", best.Available),
	)

	return AdoptionResult{Adopted: true, PlayerID: best.PlayerID}, nil
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if strings.EqualFold(name, p) {
			return true
		}
	}

	return false
}

// adoptionRank orders candidates; lower is better.
func adoptionRank(reg Registration) int {
	rank := 0

	if !IsCurrentFormat(reg.PlayerID) {
		rank += 2
	}

	if reg.Available {
		rank++
	}

	return rank
}

// fetchRegistrations queries and decodes the server's registration list.
func fetchRegistrations(ctx context.Context, caller Caller) ([]Registration, error) {
	result, err := caller.Call(ctx, cmdPlayersAll, nil)
	if err != nil {
		return nil, err
	}

	var regs []Registration
	if err := json.Unmarshal(result, &regs); err != nil {
		return nil, fmt.Errorf("decoding registration list: %w", err)
	}

	return regs, nil
}
