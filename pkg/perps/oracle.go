package perps

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// PriceUpdate is a pushed oracle payload for one feed. The signature is
// opaque to the engine; verification is delegated to the UpdateVerifier.
type PriceUpdate struct {
	FeedID      [32]byte
	Price       *big.Int // 1e18 USD
	Conf        *big.Int // confidence interval, carried but not interpreted
	PublishTime int64    // unix seconds
	Signature   []byte
}

// PricePoint is an accepted price for a feed
type PricePoint struct {
	FeedID      [32]byte
	Price       *big.Int
	Conf        *big.Int
	PublishTime time.Time
	AcceptedAt  time.Time
}

// UpdateVerifier validates the signature and structure of a pushed payload.
// In production this wraps the external oracle's verifier contract.
type UpdateVerifier interface {
	Verify(update PriceUpdate) error
}

// StaticVerifier accepts any structurally sound payload carrying a
// signature. It stands in for the external verifier in tests and local runs.
type StaticVerifier struct{}

func (StaticVerifier) Verify(update PriceUpdate) error {
	if update.Price == nil || update.Price.Sign() <= 0 {
		return fmt.Errorf("%w: non-positive price", ErrInvalidPriceUpdate)
	}
	if len(update.Signature) == 0 {
		return fmt.Errorf("%w: missing signature", ErrInvalidPriceUpdate)
	}
	return nil
}

// PriceOracleAdapter accepts pushed price updates, rejects stale or invalid
// payloads, and exposes the latest accepted price per feed. Submission is
// idempotent: the same payload accepted twice yields the same price and is
// charged the update fee only once.
type PriceOracleAdapter struct {
	verifier UpdateVerifier

	latest   map[[32]byte]*PricePoint
	accepted map[[32]byte]*PricePoint // payload digest -> the point it produced

	freshnessWindow time.Duration
	updateFee       *big.Int // native-currency fee per fresh update
	collectedFees   *big.Int

	now func() time.Time
	mu  sync.RWMutex
}

// NewPriceOracleAdapter creates an adapter with the given verifier and
// freshness window
func NewPriceOracleAdapter(verifier UpdateVerifier, freshnessWindow time.Duration, updateFee *big.Int) *PriceOracleAdapter {
	if updateFee == nil {
		updateFee = big.NewInt(0)
	}
	return &PriceOracleAdapter{
		verifier:        verifier,
		latest:          make(map[[32]byte]*PricePoint),
		accepted:        make(map[[32]byte]*PricePoint),
		freshnessWindow: freshnessWindow,
		updateFee:       new(big.Int).Set(updateFee),
		collectedFees:   big.NewInt(0),
		now:             time.Now,
	}
}

// SubmitAndGetPrice validates a pushed payload and returns the accepted
// price for its feed. fee is the forwarded native-currency amount.
func (a *PriceOracleAdapter) SubmitAndGetPrice(update PriceUpdate, fee *big.Int) (*PricePoint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.verifier.Verify(update); err != nil {
		return nil, err
	}

	digest := updateDigest(update)
	if point, seen := a.accepted[digest]; seen {
		// Already accepted: the same payload yields the same point, and no
		// second charge, even if the feed has moved on since.
		return point, nil
	}

	publishTime := time.Unix(update.PublishTime, 0)
	if a.now().Sub(publishTime) > a.freshnessWindow {
		return nil, fmt.Errorf("%w: published %s", ErrStalePrice, publishTime.UTC().Format(time.RFC3339))
	}

	if fee == nil {
		fee = big.NewInt(0)
	}
	if fee.Cmp(a.updateFee) < 0 {
		return nil, fmt.Errorf("%w: need %s", ErrInsufficientOracleFee, a.updateFee.String())
	}
	a.collectedFees.Add(a.collectedFees, a.updateFee)

	point := &PricePoint{
		FeedID:      update.FeedID,
		Price:       new(big.Int).Set(update.Price),
		Conf:        new(big.Int).Set(zeroIfNil(update.Conf)),
		PublishTime: publishTime,
		AcceptedAt:  a.now(),
	}
	a.accepted[digest] = point

	// Keep the freshest point only; an older submission must not roll the
	// feed backwards.
	current, exists := a.latest[update.FeedID]
	if !exists || !point.PublishTime.Before(current.PublishTime) {
		a.latest[update.FeedID] = point
	}

	return point, nil
}

// IndexPrice returns the latest accepted price for a feed, failing if none
// has been accepted within the freshness window
func (a *PriceOracleAdapter) IndexPrice(feedID [32]byte) (*big.Int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	point, exists := a.latest[feedID]
	if !exists {
		return nil, ErrUnknownFeed
	}
	if a.now().Sub(point.PublishTime) > a.freshnessWindow {
		return nil, fmt.Errorf("%w: last update %s", ErrStalePrice, point.PublishTime.UTC().Format(time.RFC3339))
	}
	return new(big.Int).Set(point.Price), nil
}

// UpdateFee returns the per-update native fee
func (a *PriceOracleAdapter) UpdateFee() *big.Int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return new(big.Int).Set(a.updateFee)
}

// CollectedFees returns the total oracle fees forwarded so far
func (a *PriceOracleAdapter) CollectedFees() *big.Int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return new(big.Int).Set(a.collectedFees)
}

func updateDigest(update PriceUpdate) [32]byte {
	h := sha256.New()
	h.Write(update.FeedID[:])
	h.Write(update.Price.Bytes())
	h.Write(zeroIfNil(update.Conf).Bytes())
	var ts [8]byte
	for i := 0; i < 8; i++ {
		ts[i] = byte(update.PublishTime >> (8 * (7 - i)))
	}
	h.Write(ts[:])
	h.Write(update.Signature)
	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

func zeroIfNil(x *big.Int) *big.Int {
	if x == nil {
		return big.NewInt(0)
	}
	return x
}
