package audit

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// ErrChainBroken is returned by VerifyChain when an event's digest or link
// does not match.
var ErrChainBroken = errors.New("audit chain broken")

// chainDomainKey is the BLAKE3 key for audit digests: ASCII, zero-padded to 32
// bytes.
var chainDomainKey = [32]byte{
	'm', 'e', 'd', 'i', 'p', 'a', 'c', 't', '.', 'a', 'u', 'd', 'i', 't', '.',
	'c', 'h', 'a', 'i', 'n', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

var encMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic("audit: CBOR encoder initialization failed: " + err.Error())
	}
}

// Chain notarizes events into an append-only hash chain before forwarding
// them. Each event's digest covers its canonical CBOR encoding, which includes
// the previous digest, so altering or dropping any stored event breaks every
// later link.
type Chain struct {
	next Sink

	mu   sync.Mutex
	head string
}

// NewChain creates a Chain forwarding to next. head is the digest of the last
// event already stored, or "" for a fresh chain.
func NewChain(next Sink, head string) *Chain {
	return &Chain{next: next, head: head}
}

// Head returns the digest of the last successfully forwarded event.
func (c *Chain) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

// Emit stamps PrevDigest and Digest and forwards e. The head only advances
// when the next sink accepts the event.
func (c *Chain) Emit(ctx context.Context, e *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Stored timestamps keep microseconds; the digest must survive a round trip.
	e.Recorded = e.Recorded.UTC().Truncate(time.Microsecond)
	e.PrevDigest = c.head
	digest, err := Digest(e)
	if err != nil {
		return err
	}
	e.Digest = digest

	if err := c.next.Emit(ctx, e); err != nil {
		return err
	}
	c.head = digest
	return nil
}

// Digest returns the hex BLAKE3 keyed hash of e's canonical encoding.
func Digest(e *Event) (string, error) {
	payload, err := encMode.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("audit: encode event: %w", err)
	}
	h, err := blake3.NewKeyed(chainDomainKey[:])
	if err != nil {
		return "", fmt.Errorf("audit: init hash: %w", err)
	}
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChain checks that events, in emission order, form an unbroken chain
// starting after head.
func VerifyChain(head string, events []*Event) error {
	prev := head
	for i, e := range events {
		if e.PrevDigest != prev {
			return fmt.Errorf("%w: event %d (%s) links to %q, expected %q", ErrChainBroken, i, e.ID, e.PrevDigest, prev)
		}
		want, err := Digest(e)
		if err != nil {
			return err
		}
		if e.Digest != want {
			return fmt.Errorf("%w: event %d (%s) digest mismatch", ErrChainBroken, i, e.ID)
		}
		prev = e.Digest
	}
	return nil
}
