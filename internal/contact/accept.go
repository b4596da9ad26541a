package contact

import "crypto/rsa"

// UpdateDecision is the outcome of evaluating a proposed Contact update
// against spec.md §4.B's acceptance rule.
type UpdateDecision int

const (
	// Reject — the proposed Contact fails verification or monotonicity
	// and must be discarded; prior state is preserved.
	Reject UpdateDecision = iota
	// Accept — the proposed Contact replaces the prior one as-is.
	Accept
	// AcceptSelfDefence — the proposed Contact was about our own
	// identifier and had a higher (possibly forged-but-valid) version;
	// adopt the integer but keep our own hosts/ports, per spec.md §4.B's
	// self-defence rule.
	AcceptSelfDefence
)

// Evaluate implements spec.md §4.B's acceptance table for a non-self
// identifier:
//
//   - No prior Contact: accept unconditionally (certificate may not be
//     known yet).
//   - Prior Contact exists, certificate known: accept only if
//     verify(next.CVersion) == next.Version AND next.Version > prior.Version.
//   - Prior Contact exists, next.CVersion absent: reject.
//
// knowCert indicates whether a certificate/public key is available to
// verify against; when it is not, any incoming Contact is accepted (spec.md
// §4.B: "no prior Contact exists for the identifier, accept (no
// verification yet — certificate may not be known)" generalizes to "no
// certificate known yet" for any prior Contact recorded without one).
func Evaluate(prior *Contact, next Contact, ownerPubKey *rsa.PublicKey, knowCert bool) UpdateDecision {
	if prior == nil || !knowCert {
		return Accept
	}
	if !next.HasVersion() {
		return Reject
	}
	if !Verify(ownerPubKey, next.Version, next.CVersion) {
		return Reject
	}
	if next.Version <= prior.Version {
		return Reject
	}
	return Accept
}

// SelfDefence implements spec.md §4.B's self-defence rule for a Contact
// gossiped under our own identifier. observedVersion is the version
// asserted by the third party (already verified by the caller to have a
// valid signature under our own public key, since it claims to be us);
// myVersion is our current version. It returns the version our next
// announcement should carry: max(observed, mine) + 1.
func SelfDefence(observedVersion, myVersion int64) int64 {
	next := myVersion
	if observedVersion > next {
		next = observedVersion
	}
	return next + 1
}
