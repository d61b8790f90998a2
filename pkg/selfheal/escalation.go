package selfheal

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/quintet-kernel/quintet/pkg/contracts"
	"github.com/quintet-kernel/quintet/pkg/receipts"
)

// overrideTokenKDFInfo is the HKDF info parameter distinguishing
// override-token key material from any other derived key sharing the
// same master seed, following pkg/governance/keyring.go's
// DeriveForTenant convention of a fixed, purpose-specific info string.
const overrideTokenKDFInfo = "selfheal-guardian-override"

// OverrideClaims is the JWT payload of a guardian override token,
// which forces the controller out of BLOCKED to SHADOW_ONLY.
type OverrideClaims struct {
	jwt.RegisteredClaims
	ControllerID string                `json:"controller_id"`
	FromState    contracts.HealthState `json:"from_state"`
	ToState      contracts.HealthState `json:"to_state"`
	Reason       string                `json:"reason"`
}

// EscalationSigner issues and verifies guardian override tokens. The
// signing key is derived via HKDF-SHA256 from a master seed so that
// override authority can be scoped per controller instance without a
// separate key-management round trip, mirroring how Keyring derives
// tenant-scoped signing keys from one master seed.
type EscalationSigner struct {
	key ed25519.PrivateKey
}

// NewEscalationSigner derives a controller-scoped Ed25519 key from
// masterSeed (at least 32 bytes of entropy) and the controller ID.
func NewEscalationSigner(masterSeed []byte, controllerID string) (*EscalationSigner, error) {
	reader := hkdf.New(sha256.New, masterSeed, []byte(overrideTokenKDFInfo), []byte(controllerID))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, seed); err != nil {
		return nil, fmt.Errorf("selfheal: derive override key: %w", err)
	}
	return &EscalationSigner{key: ed25519.NewKeyFromSeed(seed)}, nil
}

// IssueOverride signs a token authorizing the controller to relax from
// BLOCKED to SHADOW_ONLY ahead of the normal cooldown/window gates.
func (s *EscalationSigner) IssueOverride(controllerID, reason string, issuedAt time.Time, ttl time.Duration) (string, error) {
	claims := OverrideClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   controllerID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
			Issuer:    "quintet/selfheal",
		},
		ControllerID: controllerID,
		FromState:    contracts.HealthBlocked,
		ToState:      contracts.HealthShadowOnly,
		Reason:       reason,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(s.key)
}

// VerifyOverride parses and validates a guardian override token,
// returning its claims if the signature and expiry check out.
func (s *EscalationSigner) VerifyOverride(tokenString string) (*OverrideClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OverrideClaims{}, func(*jwt.Token) (interface{}, error) {
		return s.key.Public(), nil
	}, jwt.WithValidMethods([]string{"EdDSA"}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*OverrideClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}

// ApplyOverride forces a BLOCKED controller to SHADOW_ONLY under a
// verified guardian token, bypassing the relax cooldown and window
// count (guardian authority supersedes the automatic gates), and
// records a GUARDIAN_ESCALATION receipt when a store is attached.
func (c *Controller) ApplyOverride(ctx context.Context, signer *EscalationSigner, tokenString string) error {
	claims, err := signer.VerifyOverride(tokenString)
	if err != nil {
		return fmt.Errorf("selfheal: invalid override token: %w", err)
	}
	if claims.ControllerID != c.ControllerID {
		return fmt.Errorf("selfheal: override token issued for a different controller")
	}

	c.mu.Lock()
	if c.current != contracts.HealthBlocked {
		c.mu.Unlock()
		return fmt.Errorf("selfheal: override only applies while BLOCKED, current state is %s", c.current)
	}
	now := c.clock()
	record := TransitionRecord{
		TransitionID:    "override-" + claims.ID,
		Timestamp:       now,
		FromState:       contracts.HealthBlocked,
		ToState:         contracts.HealthShadowOnly,
		TriggerReason:   "Guardian override: " + claims.Reason,
		HarmProbability: c.windowed.HarmProbabilityRaw(),
	}
	c.transitionHistory = append(c.transitionHistory, record)
	c.current = contracts.HealthShadowOnly
	c.lastTransitionTime = &now
	c.transitionCountCurrentState = 0
	c.windowsSinceLastTightening = 0
	store := c.store
	c.mu.Unlock()

	if store != nil {
		return emitEscalationReceipt(ctx, store, record, claims.Reason)
	}
	return nil
}

func emitEscalationReceipt(ctx context.Context, store *receipts.Store, t TransitionRecord, reason string) error {
	_, err := store.Append(ctx, contracts.Receipt{
		ReceiptID: fmt.Sprintf("escalation-%s", t.TransitionID),
		Timestamp: t.Timestamp,
		Kind:      contracts.ReceiptKindGuardianEscalation,
		Payload: map[string]interface{}{
			"transition_id": t.TransitionID,
			"from_state":    t.FromState.String(),
			"to_state":      t.ToState.String(),
			"reason":        reason,
		},
	})
	return err
}
