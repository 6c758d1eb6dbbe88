package names

// Identity is a roster entry supplied by the caller for a single request.
// UIN is nil when the entry carries none.
type Identity struct {
	DisplayName string  `json:"name"`
	UIN         *string `json:"uin"`
}

// Match reconciles a detected name against the roster and reports the UIN
// of the first entry that matches exactly or shares any token with it.
// ok is false when no entry matches; a matched entry without a UIN yields
// a nil uin with ok true.
func Match(detected string, roster []Identity) (uin *string, ok bool) {
	key := Normalize(detected)
	keyTokens := tokens(key)

	for _, known := range roster {
		knownKey := Normalize(known.DisplayName)
		if key == knownKey {
			return known.UIN, true
		}
		if sharesToken(keyTokens, tokens(knownKey)) {
			return known.UIN, true
		}
	}
	return nil, false
}

func sharesToken(detected, known []string) bool {
	for _, d := range detected {
		for _, k := range known {
			if d == k {
				return true
			}
		}
	}
	return false
}
