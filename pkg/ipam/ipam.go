package ipam

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"sync"
)

// maxDrawAttempts bounds redraws when collisions are being avoided.
const maxDrawAttempts = 4096

// Registry remembers addresses issued outside the current process.
type Registry interface {
	Taken(ctx context.Context, addr netip.Addr) (bool, error)
	Record(ctx context.Context, owner string, addr netip.Addr) error
}

// Pair is the two ends of one BGP peering.
type Pair struct {
	Local netip.Addr
	Peer  netip.Addr
}

// Netblock hands out random BGP peering addresses from one IPv4 prefix.
//
// By default only the two addresses of a single pair are kept distinct;
// pairs drawn for different sites may overlap. WithCollisionAvoidance keeps
// every issued address unique for the lifetime of the Netblock, and
// WithRegistry extends that across runs.
type Netblock struct {
	mu       sync.Mutex
	prefix   netip.Prefix
	first    uint32
	last     uint32
	avoid    bool
	issued   map[netip.Addr]string // address -> owner (site name)
	registry Registry
	uint32n  func(n uint32) uint32
}

// Option configures a Netblock.
type Option func(*Netblock)

// WithCollisionAvoidance redraws addresses already issued by this Netblock.
func WithCollisionAvoidance() Option {
	return func(n *Netblock) { n.avoid = true }
}

// WithRegistry consults and updates r for every draw. Implies collision avoidance.
func WithRegistry(r Registry) Option {
	return func(n *Netblock) {
		n.registry = r
		n.avoid = true
	}
}

// WithRand uses r instead of the process-wide generator.
func WithRand(r *rand.Rand) Option {
	return func(n *Netblock) { n.uint32n = r.Uint32N }
}

// NewNetblock parses cidr and prepares it for drawing. The prefix must be
// IPv4 and leave room for at least two host addresses.
func NewNetblock(cidr string, opts ...Option) (*Netblock, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("parsing peer netblock %q: %w", cidr, err)
	}
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("peer netblock %s is not IPv4", prefix)
	}
	prefix = prefix.Masked()

	first, last := HostRange(prefix)
	if last <= first {
		return nil, fmt.Errorf("peer netblock %s has fewer than two host addresses", prefix)
	}

	n := &Netblock{
		prefix:  prefix,
		first:   first,
		last:    last,
		issued:  make(map[netip.Addr]string),
		uint32n: rand.Uint32N,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Prefix returns the netblock being drawn from.
func (n *Netblock) Prefix() netip.Prefix {
	return n.prefix
}

// Draw picks a local and a peer address for owner. Both are uniformly
// random host addresses of the prefix and never equal to each other.
func (n *Netblock) Draw(ctx context.Context, owner string) (Pair, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.avoid && uint64(len(n.issued))+2 > n.size() {
		return Pair{}, fmt.Errorf("IPAM: peer netblock %s exhausted (%d addresses issued)", n.prefix, len(n.issued))
	}

	local, err := n.pick(ctx, netip.Addr{})
	if err != nil {
		return Pair{}, err
	}
	peer, err := n.pick(ctx, local)
	if err != nil {
		return Pair{}, err
	}

	if n.avoid {
		for _, addr := range []netip.Addr{local, peer} {
			n.issued[addr] = owner
			if n.registry != nil {
				if err := n.registry.Record(ctx, owner, addr); err != nil {
					return Pair{}, fmt.Errorf("recording %s for %s: %w", addr, owner, err)
				}
			}
		}
	}
	return Pair{Local: local, Peer: peer}, nil
}

// Reserve marks addr as issued to owner without drawing it.
func (n *Netblock) Reserve(owner string, addr netip.Addr) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.prefix.Contains(addr) {
		return fmt.Errorf("IP %s not in netblock %s", addr, n.prefix)
	}
	if existing, ok := n.issued[addr]; ok && existing != owner {
		return fmt.Errorf("IP %s already issued to %s", addr, existing)
	}
	n.issued[addr] = owner
	return nil
}

// Seed reserves every stored address that lies inside the netblock and
// returns how many were reserved. Addresses outside it, or already held
// by another owner, are skipped.
func (n *Netblock) Seed(stored []Issued) int {
	seeded := 0
	for _, is := range stored {
		if err := n.Reserve(is.Owner, is.Address); err == nil {
			seeded++
		}
	}
	return seeded
}

// Issued returns a snapshot of issued addresses as address -> owner.
func (n *Netblock) Issued() map[string]string {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make(map[string]string, len(n.issued))
	for addr, owner := range n.issued {
		out[addr.String()] = owner
	}
	return out
}

// pick draws one host address different from exclude. Caller holds n.mu.
func (n *Netblock) pick(ctx context.Context, exclude netip.Addr) (netip.Addr, error) {
	span := n.last - n.first + 1
	for attempt := 0; attempt < maxDrawAttempts; attempt++ {
		candidate := Uint32ToIP(n.first + n.uint32n(span))
		if candidate == exclude {
			continue
		}
		if !n.avoid {
			return candidate, nil
		}
		if _, taken := n.issued[candidate]; taken {
			continue
		}
		if n.registry != nil {
			taken, err := n.registry.Taken(ctx, candidate)
			if err != nil {
				return netip.Addr{}, fmt.Errorf("checking %s: %w", candidate, err)
			}
			if taken {
				n.issued[candidate] = "registry"
				continue
			}
		}
		return candidate, nil
	}
	return netip.Addr{}, fmt.Errorf("IPAM: no free address in %s after %d attempts", n.prefix, maxDrawAttempts)
}

func (n *Netblock) size() uint64 {
	return uint64(n.last-n.first) + 1
}

// HostRange returns the first and last usable host address of an IPv4
// prefix as integers. Network and broadcast addresses are excluded unless
// the prefix is a /31 or /32.
func HostRange(prefix netip.Prefix) (first, last uint32) {
	base := IPToUint32(prefix.Masked().Addr())
	bits := 32 - prefix.Bits()
	broadcast := base | uint32((uint64(1)<<bits)-1)
	if bits <= 1 {
		return base, broadcast
	}
	return base + 1, broadcast - 1
}

// IPToUint32 converts an IPv4 netip.Addr to a uint32.
func IPToUint32(ip netip.Addr) uint32 {
	b := ip.As4()
	return binary.BigEndian.Uint32(b[:])
}

// Uint32ToIP converts a uint32 to an IPv4 netip.Addr.
func Uint32ToIP(n uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	return netip.AddrFrom4(b)
}
