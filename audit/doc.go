// Package audit records the outcome of every key release attempt.
//
// Events never contain key material: they carry the request id, label, nonce,
// requester measurement, binding tag and outcome. Sinks are configured by URI:
//
//   - file:///var/log/skp/audit.jsonl appends JSON lines to a local file
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-east-1&endpoint=... writes
//     one object per event
//
// Several URIs are combined into a MultiSink that writes to all of them.
package audit
