package vm

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Profiler counts activations and loop iterations per CodeBlock. Counters
// crossing their threshold mark the code hot, which is the hook an adaptive
// optimizer would hang off.

// CodeProfile holds the counters for one method or block fragment.
type CodeProfile struct {
	Invocations uint64 // atomic
	BackJumps   uint64 // atomic
	hot         atomic.Bool
}

// IsHot reports whether any threshold was crossed.
func (cp *CodeProfile) IsHot() bool { return cp.hot.Load() }

// Profiler manages profiles for every CodeBlock a VM runs.
type Profiler struct {
	profiles sync.Map // *CodeBlock -> *CodeProfile

	MethodHotThreshold uint64
	BlockHotThreshold  uint64
	LoopHotThreshold   uint64

	// OnHot is called once per CodeBlock, from the goroutine that made it
	// hot.
	OnHot func(code *CodeBlock, profile *CodeProfile)

	hotCount atomic.Uint64
}

// NewProfiler creates a profiler with default thresholds.
func NewProfiler() *Profiler {
	cfg := DefaultConfig()
	return &Profiler{
		MethodHotThreshold: cfg.MethodHotThreshold,
		BlockHotThreshold:  cfg.BlockHotThreshold,
		LoopHotThreshold:   cfg.LoopHotThreshold,
	}
}

func (p *Profiler) profile(code *CodeBlock) *CodeProfile {
	if v, ok := p.profiles.Load(code); ok {
		return v.(*CodeProfile)
	}
	v, _ := p.profiles.LoadOrStore(code, &CodeProfile{})
	return v.(*CodeProfile)
}

// RecordMethod counts a method activation. Returns true if this call made
// the method hot.
func (p *Profiler) RecordMethod(code *CodeBlock) bool {
	cp := p.profile(code)
	n := atomic.AddUint64(&cp.Invocations, 1)
	return p.maybeHot(code, cp, n, p.MethodHotThreshold)
}

// RecordBlock counts a closure activation.
func (p *Profiler) RecordBlock(code *CodeBlock) bool {
	cp := p.profile(code)
	n := atomic.AddUint64(&cp.Invocations, 1)
	return p.maybeHot(code, cp, n, p.BlockHotThreshold)
}

// RecordLoop counts a backward jump taken inside code.
func (p *Profiler) RecordLoop(code *CodeBlock) bool {
	cp := p.profile(code)
	n := atomic.AddUint64(&cp.BackJumps, 1)
	return p.maybeHot(code, cp, n, p.LoopHotThreshold)
}

func (p *Profiler) maybeHot(code *CodeBlock, cp *CodeProfile, n, threshold uint64) bool {
	if threshold == 0 || n < threshold {
		return false
	}
	if !cp.hot.CompareAndSwap(false, true) {
		return false
	}
	p.hotCount.Add(1)
	log.Debugf("%s is hot", code.Name)
	if p.OnHot != nil {
		p.OnHot(code, cp)
	}
	return true
}

// Profile returns the profile for code, or nil if it never ran.
func (p *Profiler) Profile(code *CodeBlock) *CodeProfile {
	if v, ok := p.profiles.Load(code); ok {
		return v.(*CodeProfile)
	}
	return nil
}

// IsHot reports whether code crossed a threshold.
func (p *Profiler) IsHot(code *CodeBlock) bool {
	cp := p.Profile(code)
	return cp != nil && cp.IsHot()
}

// ProfilerStats holds aggregate counters.
type ProfilerStats struct {
	Methods           int
	Blocks            int
	Hot               int
	MethodInvocations uint64
	BlockInvocations  uint64
	BackJumps         uint64
}

// Stats returns aggregate counters.
func (p *Profiler) Stats() ProfilerStats {
	var s ProfilerStats
	p.profiles.Range(func(k, v any) bool {
		code := k.(*CodeBlock)
		cp := v.(*CodeProfile)
		inv := atomic.LoadUint64(&cp.Invocations)
		if code.IsBlock() {
			s.Blocks++
			s.BlockInvocations += inv
		} else {
			s.Methods++
			s.MethodInvocations += inv
		}
		s.BackJumps += atomic.LoadUint64(&cp.BackJumps)
		if cp.IsHot() {
			s.Hot++
		}
		return true
	})
	return s
}

// Top returns the n CodeBlocks with the most activations.
func (p *Profiler) Top(n int) []*CodeBlock {
	type entry struct {
		code  *CodeBlock
		count uint64
	}
	var all []entry
	p.profiles.Range(func(k, v any) bool {
		all = append(all, entry{k.(*CodeBlock), atomic.LoadUint64(&v.(*CodeProfile).Invocations)})
		return true
	})
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].code.Name < all[j].code.Name
	})
	if n > len(all) {
		n = len(all)
	}
	out := make([]*CodeBlock, n)
	for i := range out {
		out[i] = all[i].code
	}
	return out
}

// HotCount returns how many CodeBlocks have become hot.
func (p *Profiler) HotCount() uint64 {
	return p.hotCount.Load()
}

// Reset clears all profiles.
func (p *Profiler) Reset() {
	p.profiles.Range(func(k, _ any) bool {
		p.profiles.Delete(k)
		return true
	})
	p.hotCount.Store(0)
}
