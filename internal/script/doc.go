// Package script runs user-authored automation units against entity
// snapshots.
//
// A unit is one file in the scripts folder. It exports a gate and an
// action function, optionally an init hook and a config table, and may
// register one interval timer and one cron job through the capability
// surface injected at load time.
//
// Architecture:
//
//	┌─────────────────────────────────────────────────────────┐
//	│                 Registry (registry.go)                   │
//	│  Scan folder ─▶ name → Container map ─▶ fan-out          │
//	│        ▲                                   │             │
//	│  Watcher (watcher.go)                      ▼             │
//	│  fsnotify + debounce          ┌─────────────────────┐    │
//	│                               │ Container           │    │
//	│  entity.Tracker ─▶ Dispatch ─▶│  View   (view.go)   │    │
//	│                               │  scheduler          │    │
//	│                               │  Sandbox Module     │    │
//	│                               └─────────┬───────────┘    │
//	│                                         ▼                │
//	│               capabilities ─▶ callService ─▶ CommandSink │
//	└─────────────────────────────────────────────────────────┘
//
// # Run pipeline
//
//  1. Registry.OnSnapshot diffs against the last dispatched snapshot
//  2. Every scanned unit runs concurrently; the registry waits for all
//  3. The container loads the unit lazily and applies the environment gate
//  4. The view is updated and validated against the unit's filters
//  5. gate(view, keys, ctx) decides; action(view, keys, ctx) acts
//  6. A table returned by action is merged over the unit's context
//
// Interval and cron callbacks take the same view and their own
// sub-context, which never mixes with the event context.
//
// # Thread Safety
//
// Registry, Container and View are safe for concurrent use. An event run
// and a scheduled run of the same unit may interleave between sandbox
// invocations.
//
// # Usage
//
//	reg := script.NewRegistry(sandbox.New(), script.Options{Dir: "./scripts"})
//	reg.SetLogger(log)
//	reg.SetCommandSink(hassClient)
//	if err := reg.Start(ctx); err != nil {
//	    return err
//	}
//	defer reg.Stop()
//
//	reg.OnSnapshot(ctx, snapshot)
package script
