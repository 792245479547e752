// Package entity models the entity snapshots received from the
// home-automation hub and computes what changed between two of them.
//
// A snapshot is a full map of entity ID to Entity. Diff compares two
// snapshots one level deep and reports two sorted key sets: every entity
// that differs in any way, and the subset whose state string differs.
// Tracker keeps the previous/current pair the registry dispatches from.
package entity
