package userbase

import "context"

// Prompter is the host-injected UI surface this core calls out to during
// device pairing and grant acceptance. The core never talks to a terminal,
// a dialog, or any other concrete UI (SPEC_FULL.md §9, "UI side-effects").
//
// A nil Prompter is valid: PromptForSeed then fails closed with Canceled,
// and ConfirmFingerprint always refuses, matching a headless host.
type Prompter interface {
	// PromptForSeed is called when device pairing could not complete via
	// an already-online peer and the user must type the seed manually
	// (or paste it from a paired device's fingerprint confirmation
	// screen). fingerprint is the device id fingerprint of this device's
	// seed-request keypair. Returning ("", false) cancels the handshake.
	PromptForSeed(ctx context.Context, fingerprint string) (seed string, ok bool)

	// ConfirmFingerprint is called before this device sends its seed to a
	// requester, and before accepting a database-access grant, so the
	// user can verify the peer's public-key fingerprint out of band.
	ConfirmFingerprint(ctx context.Context, purpose, fingerprint string) bool
}

// NoPrompter is the fail-closed Prompter used when a host does not supply
// one: every seed-entry and confirmation step is refused.
type NoPrompter struct{}

func (NoPrompter) PromptForSeed(context.Context, string) (string, bool) { return "", false }
func (NoPrompter) ConfirmFingerprint(context.Context, string, string) bool { return false }
