/*
Package events provides the lossy broadcast bus for fleet lifecycle
events.

The broker fans published events out to any number of subscribers, each
with its own buffered channel. Publication never blocks: when the
publish buffer or a subscriber's buffer is full, events are dropped
rather than stalling the producer. Consumers that need every event must
drain their channel promptly.
*/
package events
