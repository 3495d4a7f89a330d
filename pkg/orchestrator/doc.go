/*
Package orchestrator owns the registry of host entities and coordinates
fleet-wide operations.

The orchestrator is the only component that spawns and stops host
entities. Per-host commands are thin routers into the target entity;
different hosts run concurrently while each host serializes its own
operations.

Rolling fleet updates partition the filtered host list into consecutive
batches. Hosts within a batch update in parallel; the orchestrator waits
for the whole batch, failures included, sleeps the configured delay, and
moves on. A failing host never aborts the run.
*/
package orchestrator
