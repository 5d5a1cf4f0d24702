// Package securemonitor implements the Secure-world core of a Control-Flow
// Integrity monitor for Arm Cortex-M systems with the Security Extension
// (TrustZone-M). It maintains shadow exception stacks — privileged mirrors
// of the integrity-critical fields of each Non-Secure exception frame — so
// that return-address corruption during exception handling or between
// cooperatively scheduled Non-Secure threads can be detected before it is
// acted on.
//
// The package models the hardware and the Non-Secure memory it inspects
// behind the MemoryReader capability: production firmware satisfies it with
// volatile reads through real addresses, tests satisfy it with an in-memory
// buffer. Nothing here configures SAU/IDAU/MPC regions, interrupt routing,
// or the Non-Secure scheduler; those are external collaborators.
package securemonitor
