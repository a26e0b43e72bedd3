package gatekeeper

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oarkflow/gatekeeper/logger"
)

// ============================================================
// Signed Rule Bundles
// ============================================================

// SignedRuleBundle is a complete rule set with an ed25519 signature over
// its canonical JSON form, for shipping registry contents to replicas.
type SignedRuleBundle struct {
	Rules     []RoutePermissionRule `json:"rules"`
	Revision  uint64                `json:"revision"`
	Signature string                `json:"signature"`
	Meta      map[string]any        `json:"meta,omitempty"`
}

func bundlePayload(rules []RoutePermissionRule, revision uint64) ([]byte, error) {
	return json.Marshal(struct {
		Rules    []RoutePermissionRule `json:"rules"`
		Revision uint64                `json:"revision"`
	}{Rules: rules, Revision: revision})
}

// SignRuleBundle signs a rule set. Rule order is part of the signed
// payload, preserving the tie-break order across replicas.
func SignRuleBundle(priv ed25519.PrivateKey, rules []RoutePermissionRule, revision uint64) (*SignedRuleBundle, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid signing key")
	}
	payload, err := bundlePayload(rules, revision)
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	sig := ed25519.Sign(priv, payload)
	cloned := make([]RoutePermissionRule, len(rules))
	for i, r := range rules {
		cloned[i] = r.Clone()
	}
	return &SignedRuleBundle{
		Rules:     cloned,
		Revision:  revision,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// VerifyRuleBundle checks the bundle signature against the public key.
func VerifyRuleBundle(pub ed25519.PublicKey, bundle *SignedRuleBundle) error {
	if bundle == nil {
		return fmt.Errorf("nil bundle")
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key")
	}
	sig, err := base64.StdEncoding.DecodeString(bundle.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	payload, err := bundlePayload(bundle.Rules, bundle.Revision)
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	if !ed25519.Verify(pub, payload, sig) {
		return fmt.Errorf("bundle signature verification failed")
	}
	return nil
}

// ApplySignedBundle verifies a bundle and replaces the registry contents
// with it.
func ApplySignedBundle(registry *Registry, pub ed25519.PublicKey, bundle *SignedRuleBundle) error {
	if err := VerifyRuleBundle(pub, bundle); err != nil {
		return err
	}
	return registry.Replace(bundle.Rules)
}

// BundleSubscriber receives freshly signed bundles.
type BundleSubscriber interface {
	OnBundle(ctx context.Context, pub ed25519.PublicKey, bundle *SignedRuleBundle) error
}

// BundleSubscriberFunc adapts a function to BundleSubscriber.
type BundleSubscriberFunc func(ctx context.Context, pub ed25519.PublicKey, bundle *SignedRuleBundle) error

func (f BundleSubscriberFunc) OnBundle(ctx context.Context, pub ed25519.PublicKey, bundle *SignedRuleBundle) error {
	return f(ctx, pub, bundle)
}

// RuleBundleDistributor signs the registry's rule set on demand and fans
// it out to subscribers. The signing key rotates on a timer.
type RuleBundleDistributor struct {
	registry         *Registry
	pub              ed25519.PublicKey
	priv             ed25519.PrivateKey
	rotationInterval time.Duration
	logger           logger.Logger
	notifyCh         chan struct{}
	stopCh           chan struct{}
	subscribers      []BundleSubscriber
	mu               sync.RWMutex
	started          bool
	wg               sync.WaitGroup
}

// RuleBundleDistributorOption configures a distributor.
type RuleBundleDistributorOption func(*RuleBundleDistributor)

// WithBundleSigningKey supplies a fixed signing key instead of a
// generated one.
func WithBundleSigningKey(priv ed25519.PrivateKey) RuleBundleDistributorOption {
	return func(d *RuleBundleDistributor) {
		if len(priv) == ed25519.PrivateKeySize {
			d.priv = append(ed25519.PrivateKey{}, priv...)
			d.pub = priv.Public().(ed25519.PublicKey)
		}
	}
}

// WithBundleRotationInterval overrides the 24h key rotation interval.
func WithBundleRotationInterval(interval time.Duration) RuleBundleDistributorOption {
	return func(d *RuleBundleDistributor) {
		if interval > 0 {
			d.rotationInterval = interval
		}
	}
}

// WithBundleLogger installs a logger.
func WithBundleLogger(l logger.Logger) RuleBundleDistributorOption {
	return func(d *RuleBundleDistributor) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewRuleBundleDistributor builds a distributor over the registry.
func NewRuleBundleDistributor(registry *Registry, opts ...RuleBundleDistributorOption) (*RuleBundleDistributor, error) {
	if registry == nil {
		return nil, fmt.Errorf("nil registry")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	d := &RuleBundleDistributor{
		registry:         registry,
		pub:              pub,
		priv:             priv,
		rotationInterval: 24 * time.Hour,
		logger:           logger.NewNullLogger(),
		notifyCh:         make(chan struct{}, 1),
		stopCh:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start launches the distribution worker. Idempotent.
func (d *RuleBundleDistributor) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.registry.onChange(d.NotifyRulesChanged)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.rotationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-d.notifyCh:
				if err := d.distribute(ctx); err != nil {
					d.logger.Error("bundle distribution failed", "error", err)
				}
			case <-ticker.C:
				if err := d.RotateSigningKey(); err != nil {
					d.logger.Error("bundle key rotation failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the worker.
func (d *RuleBundleDistributor) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	d.mu.Unlock()

	close(d.stopCh)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// NotifyRulesChanged schedules a distribution. Pending notifications
// coalesce.
func (d *RuleBundleDistributor) NotifyRulesChanged() {
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

// RegisterSubscriber adds a bundle recipient.
func (d *RuleBundleDistributor) RegisterSubscriber(sub BundleSubscriber) {
	if sub == nil {
		return
	}
	d.mu.Lock()
	d.subscribers = append(d.subscribers, sub)
	d.mu.Unlock()
}

// RotateSigningKey generates a fresh keypair.
func (d *RuleBundleDistributor) RotateSigningKey() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.pub = pub
	d.priv = priv
	d.mu.Unlock()
	return nil
}

// CurrentPublicKey returns a copy of the active verification key.
func (d *RuleBundleDistributor) CurrentPublicKey() ed25519.PublicKey {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append(ed25519.PublicKey(nil), d.pub...)
}

func (d *RuleBundleDistributor) distribute(ctx context.Context) error {
	rules := d.registry.ListRules()
	revision := d.registry.Revision()

	d.mu.RLock()
	priv := d.priv
	pub := append(ed25519.PublicKey(nil), d.pub...)
	subs := append([]BundleSubscriber(nil), d.subscribers...)
	d.mu.RUnlock()

	bundle, err := SignRuleBundle(priv, rules, revision)
	if err != nil {
		return err
	}
	bundle.Meta = map[string]any{
		"generated_at": time.Now().UTC().Format(time.RFC3339Nano),
		"signing_key":  base64.StdEncoding.EncodeToString(pub),
	}
	for _, sub := range subs {
		if err := sub.OnBundle(ctx, pub, bundle); err != nil {
			d.logger.Error("bundle subscriber error", "error", err)
		}
	}
	return nil
}
