/*
Package host implements the per-host state machine and its operations.

Every managed host is owned by exactly one Host entity. The entity holds
the host's configuration, current state, per-state contexts, executor,
and package manager, and serializes every inbound operation through a
single mailbox goroutine. At most one handler runs at a time, so races
on host state are structurally impossible.

# State machine

	idle ──► querying ──► pending_updates ──► updating ──► waiting_reboot
	              │                               │                │
	              ▼                               ▼                ▼
	            idle                            idle           rebooting
	                                                               │
	                                                               ▼
	                                          idle ◄── verifying ◄─┘

Any busy state (querying, updating, rebooting, verifying) may fall into
failed, which only an explicit Retry leaves. Transitions outside the
table are protocol errors and are rejected without side effects; every
applied transition emits exactly one HostStateChanged event.

# Operations

	QueryInventory    idle/pending_updates → querying → pending_updates|idle
	StartUpdate       pending_updates → updating → waiting_reboot|idle
	RebootIfRequired  waiting_reboot → rebooting → verifying (policy-gated)
	HealthCheck       verifying → idle on a healthy probe
	Retry             failed → idle
	Acknowledge       flags the failure, no transition
	State/Status      always legal, never mutate

A host in failed refuses everything except Retry, Acknowledge, and the
read-only queries.
*/
package host
