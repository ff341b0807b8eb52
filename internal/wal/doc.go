// Package wal is the partitioned event log consumers read through.
//
// Events are appended to partitions keyed by tenant and UTC day
// ("tenant_a/2026-01-27"). Offsets are dense within a partition and
// delivery order equals append order. Consumer groups read independently:
// each keeps a cursor over the contiguous acked prefix, and an entry that
// is read but not acked becomes visible again once its visibility timeout
// passes. Delivery is at-least-once.
package wal
