package gatekeeper

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"
)

func testKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func TestSignAndVerifyRuleBundle(t *testing.T) {
	pub, priv := testKeyPair(t)
	rules := []RoutePermissionRule{
		{RoutePattern: "/a/{x}/c"},
		{RoutePattern: "/a/b/{y}", RequiredRoles: []string{"admin"}},
	}

	bundle, err := SignRuleBundle(priv, rules, 42)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if bundle.Revision != 42 || len(bundle.Rules) != 2 {
		t.Fatalf("bundle: %+v", bundle)
	}
	if err := VerifyRuleBundle(pub, bundle); err != nil {
		t.Fatalf("verify: %v", err)
	}

	otherPub, _ := testKeyPair(t)
	if err := VerifyRuleBundle(otherPub, bundle); err == nil {
		t.Fatalf("foreign key must not verify")
	}
}

func TestVerifyRejectsTamperedBundle(t *testing.T) {
	pub, priv := testKeyPair(t)
	bundle, err := SignRuleBundle(priv, []RoutePermissionRule{{RoutePattern: "/docs"}}, 1)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	bundle.Rules[0].AllowAnonymous = true
	if err := VerifyRuleBundle(pub, bundle); err == nil {
		t.Fatalf("tampered rules must not verify")
	}

	bundle.Rules[0].AllowAnonymous = false
	bundle.Revision++
	if err := VerifyRuleBundle(pub, bundle); err == nil {
		t.Fatalf("tampered revision must not verify")
	}
}

func TestApplySignedBundle(t *testing.T) {
	pub, priv := testKeyPair(t)
	rules := []RoutePermissionRule{
		{RoutePattern: "/a/{x}/c"},
		{RoutePattern: "/a/b/{y}"},
	}
	bundle, err := SignRuleBundle(priv, rules, 1)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	registry := NewRegistry()
	if err := ApplySignedBundle(registry, pub, bundle); err != nil {
		t.Fatalf("apply: %v", err)
	}
	// Signed rule order carries the tie-break across replicas.
	rule, ok := registry.Match("/a/b/c", "GET")
	if !ok || rule.RoutePattern != "/a/{x}/c" {
		t.Fatalf("applied registry lost rule order: %v %t", rule.RoutePattern, ok)
	}

	bundle.Revision = 99
	if err := ApplySignedBundle(NewRegistry(), pub, bundle); err == nil {
		t.Fatalf("tampered bundle applied")
	}
}

func TestDistributorDeliversSignedBundles(t *testing.T) {
	registry := NewRegistry()
	d, err := NewRuleBundleDistributor(registry, WithBundleRotationInterval(time.Hour))
	if err != nil {
		t.Fatalf("new distributor: %v", err)
	}

	var (
		mu       sync.Mutex
		received []*SignedRuleBundle
	)
	d.RegisterSubscriber(BundleSubscriberFunc(func(_ context.Context, pub ed25519.PublicKey, bundle *SignedRuleBundle) error {
		if err := VerifyRuleBundle(pub, bundle); err != nil {
			t.Errorf("subscriber verify: %v", err)
		}
		mu.Lock()
		received = append(received, bundle)
		mu.Unlock()
		return nil
	}))

	d.Start(context.Background())
	defer d.Stop(context.Background())

	if err := registry.UpsertRule(RoutePermissionRule{RoutePattern: "/docs"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	waitFor(t, "bundle delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) > 0
	})

	mu.Lock()
	last := received[len(received)-1]
	mu.Unlock()
	if last.Revision != registry.Revision() || len(last.Rules) != 1 {
		t.Fatalf("delivered bundle: revision=%d rules=%d", last.Revision, len(last.Rules))
	}
	if key, ok := last.Meta["signing_key"].(string); !ok || key == "" {
		t.Fatalf("bundle meta missing signing key: %v", last.Meta)
	}
}

func TestDistributorKeyRotation(t *testing.T) {
	registry := NewRegistry()
	_, priv := testKeyPair(t)
	d, err := NewRuleBundleDistributor(registry, WithBundleSigningKey(priv))
	if err != nil {
		t.Fatalf("new distributor: %v", err)
	}
	before := d.CurrentPublicKey()
	if err := d.RotateSigningKey(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	after := d.CurrentPublicKey()
	if before.Equal(after) {
		t.Fatalf("rotation kept the same key")
	}
}

func TestSignRuleBundleRejectsBadKey(t *testing.T) {
	if _, err := SignRuleBundle(ed25519.PrivateKey{0x01}, nil, 0); err == nil {
		t.Fatalf("short key accepted")
	}
	pub, priv := testKeyPair(t)
	bundle, err := SignRuleBundle(priv, nil, 0)
	if err != nil {
		t.Fatalf("sign empty set: %v", err)
	}
	if err := VerifyRuleBundle(pub[:5], bundle); err == nil {
		t.Fatalf("short public key accepted")
	}
}
