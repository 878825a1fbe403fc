// Package vm implements the marrow execution core: a Squeak-style bytecode
// interpreter with materialize-on-demand contexts.
//
// This package contains:
//   - NaN-boxed values and a generation-checked handle heap
//   - The V3PlusClosures bytecode decoder and disassembler
//   - Frames, lazily materialized Contexts and closures
//   - The interpreter loops and the local/non-local return protocol
//   - Processes, process switching and a round-robin scheduler
package vm
