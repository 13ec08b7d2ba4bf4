package badge

// Evaluate returns the badges of catalog that the user does not own yet and
// whose requirement is met by stats. The result follows catalog order
// (Ordem, then ID) regardless of how catalog was passed in.
//
// Evaluate is pure: applying the unlocks and issuing bonus grants is the
// caller's job, and a caller must run it at most once per originating event.
func Evaluate(stats Stats, catalog []Badge, owned map[string]bool) []Badge {
	ordered := make([]Badge, len(catalog))
	copy(ordered, catalog)
	SortCatalog(ordered)

	var qualified []Badge
	for _, b := range ordered {
		if owned[b.ID] {
			continue
		}
		if b.Requisito.Met(stats) {
			qualified = append(qualified, b)
		}
	}
	return qualified
}

// OwnedSet builds the lookup Evaluate expects from a user's unlocks.
func OwnedSet(unlocks []UserBadge) map[string]bool {
	owned := make(map[string]bool, len(unlocks))
	for _, ub := range unlocks {
		owned[ub.BadgeID] = true
	}
	return owned
}
