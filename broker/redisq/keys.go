package redisq

// Redis key naming conventions. The stream itself is named by the queue;
// auxiliary keys hang off it with suffixes.

// delayedKey returns the sorted set parking nak'd payloads: {queue}:delayed
func delayedKey(queue string) string { return queue + ":delayed" }

// dedupKey returns the SETNX guard for one dedup key: {queue}:dedup:{key}
func dedupKey(queue, key string) string { return queue + ":dedup:" + key }

// payloadField is the stream entry field holding the serialized job.
const payloadField = "payload"

// contentTypeField advertises the payload encoding to browsers of the
// raw stream. The binding itself never reads it.
const contentTypeField = "content-type"

// delayedMemberSep separates the claiming delivery id from the payload
// inside a delayed-set member, keeping members unique even when two
// redeliveries of the same job carry identical bytes.
const delayedMemberSep = "|"
