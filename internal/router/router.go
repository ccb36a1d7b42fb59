// File: internal/router/router.go
// Package router implements the kernel-bypass port router: an
// in-memory port->RoutingEntry mirror under a reader/writer lock,
// plus an optional BPF hash map attached to a network interface via
// an XDP program (bpf/port_redirect.c).
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package router

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"github.com/momentics/aetherless/internal/apperr"
	"github.com/momentics/aetherless/internal/domain"
)

// MapCapacity is the fixed capacity of the kernel port_redirect_map.
const MapCapacity = 1024

// packet stats counter slots within the per-CPU statsMap. The XDP
// program increments statIdxTotal for every packet it sees, then
// exactly one of statIdxMatched/statIdxPassed/statIdxDropped depending
// on the outcome.
const (
	statIdxTotal = iota
	statIdxMatched
	statIdxPassed
	statIdxDropped
	statCounterCount
)

// Mode selects the XDP program's behavior for packets whose
// destination port is absent from the map. The default, and the only
// automatically-selected mode, is ModePermissive; ModeStrict is
// available only via explicit operator configuration, never
// auto-switched.
type Mode int

const (
	ModePermissive Mode = iota
	ModeStrict
)

// mapKey and mapValue are the bit-exact wire layout of the kernel
// port_redirect_map entries: {u16 port, u16 pad} -> {u32 pid, u32 addr}.
type mapKey struct {
	Port uint16
	_    uint16
}

type mapValue struct {
	Pid  uint32
	Addr uint32
}

// Router owns the userspace mirror and, once Attach succeeds, the
// kernel BPF objects backing it.
type Router struct {
	mu     sync.RWMutex
	mirror map[domain.Port]domain.RoutingEntry

	mode Mode

	coll     *ebpf.Collection
	bpfMap   *ebpf.Map
	statsMap *ebpf.Map
	xdpLink  link.Link
	iface    string
}

// PacketCounters is a snapshot of the XDP program's per-CPU packet
// counters, summed across CPUs.
type PacketCounters struct {
	Total, Matched, Passed, Dropped uint64
}

// New returns a Router with an empty mirror and no kernel objects
// attached. mode governs the XDP program's behavior once Attach is
// called.
func New(mode Mode) *Router {
	return &Router{mirror: make(map[domain.Port]domain.RoutingEntry), mode: mode}
}

// Attach loads the BPF object at objPath, locates the program section
// appropriate for the router's mode ("xdp" for permissive, "xdp/strict"
// for strict), creates the port_redirect_map, and attaches the program
// to iface's XDP hook. There is no userspace fallback: if this fails,
// the router does not route for any function requiring kernel attach.
func (r *Router) Attach(objPath, iface string) error {
	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return apperr.Wrap(apperr.KindLoadFailed, "load BPF object", err).WithContext("path", objPath)
	}

	section := "xdp"
	if r.mode == ModeStrict {
		section = "xdp/strict"
	}
	var progSpec *ebpf.ProgramSpec
	for _, ps := range spec.Programs {
		if ps.SectionName == section {
			progSpec = ps
			break
		}
	}
	if progSpec == nil {
		return apperr.New(apperr.KindLoadFailed, "XDP program section not found").
			WithContext("section", section).WithContext("path", objPath)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		var verr *ebpf.VerifierError
		if errors.As(err, &verr) {
			return apperr.Wrap(apperr.KindVerificationFailed, "kernel verifier rejected XDP program", err).
				WithContext("section", section)
		}
		return apperr.Wrap(apperr.KindLoadFailed, "instantiate BPF collection", err)
	}
	prog := coll.Programs[progSpec.Name]
	if prog == nil {
		coll.Close()
		return apperr.New(apperr.KindLoadFailed, "XDP program missing from collection").
			WithContext("section", section)
	}

	// The maps the program actually reads live inside its own
	// collection; updating any other map object would route nothing.
	bpfMap := coll.Maps["port_redirect_map"]
	if bpfMap == nil {
		coll.Close()
		return apperr.New(apperr.KindMapNotFound, "port_redirect_map missing from BPF object").
			WithContext("path", objPath)
	}
	statsMap := coll.Maps["packet_stats_map"]
	if statsMap == nil {
		coll.Close()
		return apperr.New(apperr.KindMapNotFound, "packet_stats_map missing from BPF object").
			WithContext("path", objPath)
	}

	ifaceIdx, err := interfaceIndex(iface)
	if err != nil {
		coll.Close()
		return apperr.Wrap(apperr.KindAttachFailed, "resolve interface", err).WithContext("interface", iface)
	}

	// Default attach mode: the kernel picks native XDP when the NIC
	// driver supports it and falls back to generic otherwise.
	xdpLink, err := link.AttachXDP(link.XDPOptions{
		Program:   prog,
		Interface: ifaceIdx,
	})
	if err != nil {
		coll.Close()
		return apperr.Wrap(apperr.KindAttachFailed, "attach XDP program", err).WithContext("interface", iface)
	}

	r.mu.Lock()
	r.coll = coll
	r.bpfMap = bpfMap
	r.statsMap = statsMap
	r.xdpLink = xdpLink
	r.iface = iface
	r.mu.Unlock()
	return nil
}

// PacketCounters reads and sums the XDP program's per-CPU packet
// counters. ok is false when the router has no kernel attachment
// (userspace-mirror-only mode).
func (r *Router) PacketCounters() (PacketCounters, bool) {
	r.mu.RLock()
	statsMap := r.statsMap
	r.mu.RUnlock()
	if statsMap == nil {
		return PacketCounters{}, false
	}

	var out PacketCounters
	dests := []*uint64{&out.Total, &out.Matched, &out.Passed, &out.Dropped}
	for idx, dst := range dests {
		var perCPU []uint64
		if err := statsMap.Lookup(uint32(idx), &perCPU); err != nil {
			return PacketCounters{}, false
		}
		var sum uint64
		for _, v := range perCPU {
			sum += v
		}
		*dst = sum
	}
	return out, true
}

// Update writes port -> entry to both the userspace mirror and (if
// attached) the kernel map, BPF_ANY semantics. The mirror is updated
// first under the write lock; on kernel-update failure the mirror is
// rolled back so the two never diverge.
func (r *Router) Update(port domain.Port, entry domain.RoutingEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous, hadPrevious := r.mirror[port]
	r.mirror[port] = entry

	if r.bpfMap == nil {
		return nil
	}

	key := mapKey{Port: uint16(port)}
	// entry.Addr already carries the IPv4 bytes in network order; a
	// native-endian round trip through the map marshaller preserves
	// them byte for byte.
	value := mapValue{
		Pid:  uint32(entry.Pid),
		Addr: binary.NativeEndian.Uint32(entry.Addr[:]),
	}
	if err := r.bpfMap.Update(&key, &value, ebpf.UpdateAny); err != nil {
		if hadPrevious {
			r.mirror[port] = previous
		} else {
			delete(r.mirror, port)
		}
		return apperr.Wrap(apperr.KindMapUpdateFailed, "update port_redirect_map", err).
			WithContext("port", port.String())
	}
	return nil
}

// Remove deletes port from both the mirror and the kernel map.
func (r *Router) Remove(port domain.Port) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.mirror, port)
	if r.bpfMap == nil {
		return nil
	}
	key := mapKey{Port: uint16(port)}
	if err := r.bpfMap.Delete(&key); err != nil {
		return apperr.Wrap(apperr.KindMapUpdateFailed, "delete from port_redirect_map", err).
			WithContext("port", port.String())
	}
	return nil
}

// Lookup returns the current routing entry for port, from the
// userspace mirror only.
func (r *Router) Lookup(port domain.Port) (domain.RoutingEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.mirror[port]
	return entry, ok
}

// Len returns the number of entries currently in the mirror.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.mirror)
}

// Close detaches the XDP program (if attached) and releases the BPF
// map. It does not clear the userspace mirror.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	if r.xdpLink != nil {
		if err := r.xdpLink.Close(); err != nil {
			firstErr = err
		}
		r.xdpLink = nil
	}
	if r.coll != nil {
		r.coll.Close() // closes the program and both maps
		r.coll = nil
	}
	r.bpfMap = nil
	r.statsMap = nil
	return firstErr
}

func interfaceIndex(name string) (int, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("interface %q not found: %w", name, err)
	}
	return iface.Index, nil
}
