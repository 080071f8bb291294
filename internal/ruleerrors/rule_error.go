// Package ruleerrors defines the structured errors returned by block and
// transaction validation.
package ruleerrors

import (
	"fmt"
)

// These identify a specific rule violation. The caller can compare the
// returned error against these sentinels (via errors.Is, since RuleError
// implements Is) to react to a specific failure kind.
var (
	// ErrPreviousNotFound indicates no core or confirmed block matches the
	// submitted block's (number-1, previousHash) pair.
	ErrPreviousNotFound = newRuleError("ErrPreviousNotFound")

	// ErrAlreadyKnown indicates the block has already been accepted, either
	// into the confirmed chain or as an existing core.
	ErrAlreadyKnown = newRuleError("ErrAlreadyKnown")

	// ErrDuplicateBlock indicates a core already exists for this exact
	// (forkPointNumber, forkPointHash) pair.
	ErrDuplicateBlock = newRuleError("ErrDuplicateBlock")

	// ErrBadSignature indicates the block, membership, or certification
	// signature does not verify.
	ErrBadSignature = newRuleError("ErrBadSignature")

	// ErrBadPoW indicates the block hash has fewer leading zero nibbles
	// than its declared powMin.
	ErrBadPoW = newRuleError("ErrBadPoW")

	// ErrBadHash indicates the block's declared hash does not match the
	// hash of its own content.
	ErrBadHash = newRuleError("ErrBadHash")

	// ErrBadPreviousHash indicates B.previousHash does not equal the
	// parent's hash.
	ErrBadPreviousHash = newRuleError("ErrBadPreviousHash")

	// ErrBadPreviousIssuer indicates B.previousIssuer does not equal the
	// parent's issuer.
	ErrBadPreviousIssuer = newRuleError("ErrBadPreviousIssuer")

	// ErrOutdistanced indicates a newcomer is not reachable within
	// stepMax hops from every sentry on the post-block link graph.
	ErrOutdistanced = newRuleError("ErrOutdistanced")

	// ErrNotEnoughLinks indicates a newcomer has fewer than sigQty valid
	// incoming certification links.
	ErrNotEnoughLinks = newRuleError("ErrNotEnoughLinks")

	// ErrReplayedCert indicates a certification replays a link that is
	// still alive under sigDelay.
	ErrReplayedCert = newRuleError("ErrReplayedCert")

	// ErrStaleCert indicates a certification's basis block is older than
	// sigValidity relative to the current medianTime.
	ErrStaleCert = newRuleError("ErrStaleCert")

	// ErrSelfCert indicates a certification whose issuer and target are
	// the same pubkey.
	ErrSelfCert = newRuleError("ErrSelfCert")

	// ErrCertifierNotMember indicates a certification issued by a pubkey
	// that is not currently a member.
	ErrCertifierNotMember = newRuleError("ErrCertifierNotMember")

	// ErrUidTaken indicates the uid is already used by a different
	// identity that has, at some point, been a member.
	ErrUidTaken = newRuleError("ErrUidTaken")

	// ErrPubkeyTaken indicates the pubkey is already used by a different
	// identity that has, at some point, been a member.
	ErrPubkeyTaken = newRuleError("ErrPubkeyTaken")

	// ErrDoubleMembership indicates two membership records for the same
	// issuer with conflicting states appear in the same block.
	ErrDoubleMembership = newRuleError("ErrDoubleMembership")

	// ErrStaleMembership indicates a membership's MSN is not strictly
	// greater than the identity's currentMSN.
	ErrStaleMembership = newRuleError("ErrStaleMembership")

	// ErrExpiredMembership indicates a membership older than msValidity
	// relative to the current medianTime.
	ErrExpiredMembership = newRuleError("ErrExpiredMembership")

	// ErrBadMedianTime indicates the block's medianTime does not equal
	// the computed median of the last medianTimeBlocks blocks (floored at
	// the parent's medianTime).
	ErrBadMedianTime = newRuleError("ErrBadMedianTime")

	// ErrBadPoWMin indicates the block's powMin does not equal the value
	// computed from the difficulty rotation schedule.
	ErrBadPoWMin = newRuleError("ErrBadPoWMin")

	// ErrPersonalTrialTooHigh indicates the issuer's personal trial level
	// exceeds the rotation-rule ceiling for this block.
	ErrPersonalTrialTooHigh = newRuleError("ErrPersonalTrialTooHigh")

	// ErrBadDividend indicates B.dividend is present/absent or valued
	// contrary to the dividend schedule and formula.
	ErrBadDividend = newRuleError("ErrBadDividend")

	// ErrBadMembersCount indicates B.membersCount does not equal
	// parent.membersCount + joiners - excluded.
	ErrBadMembersCount = newRuleError("ErrBadMembersCount")

	// ErrDuplicatePubkey indicates the same pubkey appears more than once
	// within one of identities/joiners/actives/leavers/excluded in one block.
	ErrDuplicatePubkey = newRuleError("ErrDuplicatePubkey")

	// ErrDuplicateCertification indicates the same (from, to) pair
	// appears more than once in a block's certifications.
	ErrDuplicateCertification = newRuleError("ErrDuplicateCertification")

	// ErrTxBadBalance indicates a transaction's inputs do not sum to
	// outputs plus fees.
	ErrTxBadBalance = newRuleError("ErrTxBadBalance")

	// ErrTxMissingInput indicates a transaction input does not exist or
	// was already spent.
	ErrTxMissingInput = newRuleError("ErrTxMissingInput")

	// ErrTxBadSignature indicates a transaction input's unlocking
	// signature does not verify.
	ErrTxBadSignature = newRuleError("ErrTxBadSignature")

	// ErrManualRootRequired indicates generateManualRoot was invoked with
	// an existing confirmed tip; manual root generation applies only to
	// the empty chain.
	ErrManualRootRequired = newRuleError("ErrManualRootRequired")

	// ErrIdentityNotFound indicates a query referenced a pubkey or uid with
	// no matching identity record.
	ErrIdentityNotFound = newRuleError("ErrIdentityNotFound")
)

// RuleError identifies a rule violation encountered while validating a
// block, certification, membership, or transaction. Callers can type
// assert or errors.Is against the sentinels above.
type RuleError struct {
	message string
	inner   error
}

// Error satisfies the error interface.
func (e RuleError) Error() string {
	if e.inner != nil {
		return e.message + ": " + e.inner.Error()
	}
	return e.message
}

// Unwrap satisfies the errors.Unwrap interface.
func (e RuleError) Unwrap() error {
	return e.inner
}

// Is reports whether target is a RuleError of the same kind as e, so that
// errors.Is matches a WithCause/WithMessagef copy against its sentinel.
func (e RuleError) Is(target error) bool {
	t, ok := target.(RuleError)
	return ok && t.message == e.message
}

// Cause satisfies the github.com/pkg/errors.Cause interface.
func (e RuleError) Cause() error {
	return e.inner
}

// WithCause returns a copy of e carrying a more specific inner error, for
// example the offending pubkey or a comparison of expected vs. actual
// values, without losing the ability to compare against the sentinel.
func (e RuleError) WithCause(inner error) RuleError {
	return RuleError{message: e.message, inner: inner}
}

// WithMessagef returns a copy of e whose inner error is a formatted detail
// string.
func (e RuleError) WithMessagef(format string, args ...interface{}) RuleError {
	return RuleError{message: e.message, inner: fmt.Errorf(format, args...)}
}

func newRuleError(message string) RuleError {
	return RuleError{message: message, inner: nil}
}
