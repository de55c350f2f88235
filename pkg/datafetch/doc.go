// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

/*
Package datafetch fetches the datasets used by the tutorial notebooks, verifies
them against pinned digests and reports their local state.

# Modes

Every run is either quick (reduced scale, one worker) or full (complete data,
all CPUs). The mode is resolved once, in this order:

 1. the --quick or --full flag
 2. DATA_MODE, then NOTEBOOK_MODE
 3. the persisted settings record (written by "datafetch mode set/toggle")
 4. quick

The first input present decides. A value other than "quick" or "full" at any
level is a *ConfigurationError; it never falls through to the next level.

	res, err := datafetch.Resolve(datafetch.ResolveInput{
		Env:      os.Getenv,
		Settings: datafetch.NewSettingsStore(datafetch.DefaultSettingsPath("data")),
	})
	if err != nil {
		log.Fatal(err)
	}
	cfg := res.Config // pass explicitly; nothing else reads the environment

# Registry

The registry is compiled in (catalog.yaml). Each descriptor names a protocol
(http, object_store, model_hub), a locator, an expected digest and a quick
subset strategy:

  - none: the same artifact in both modes
  - first_n: the first sample_count lines (plus an optional header line),
    never more than sample_count * bytes_per_sample bytes
  - random_sample: a seeded sample of sample_count lines, kept in source order
  - prebuilt_small_file: a separate small artifact at quick.source, bounded
    by sample_count * bytes_per_sample bytes

Descriptors without an expected digest are fetched but never verified;
Unpinned lists them for a mode.

A model_hub dataset with no quick variant falls back to the full artifact in
quick mode and logs a warning.

# Fetching

	reg, _ := datafetch.DefaultRegistry()
	orch, err := datafetch.NewOrchestrator(reg, datafetch.Fetchers{
		datafetch.ProtocolHTTP:        datafetch.NewHTTPFetcher(""),
		datafetch.ProtocolObjectStore: datafetch.NewObjectStoreFetcher(s3cfg),
		datafetch.ProtocolModelHub:    datafetch.NewHubFetcher(token, ""),
	}, datafetch.Layout{Root: "data"})
	results := orch.Run(ctx, reg.All(), cfg)

Bytes are written to <data>/<id>/<file>.part, hashed, and renamed into place
only when the digest matches (or none is registered). Mismatching bytes are
moved to <file>.rejected. A state record (<data>/<id>/.datafetch.json) is
removed before each fetch and rewritten afterwards, so an interrupted run
never looks verified. Artifacts already verified for the mode are skipped
without a network call.

Transport failures are retried with exponential backoff (RetryPolicy). Digest
mismatches are never retried.

# Status

Reporter.Status reads the filesystem and state records. With Rehash set it
recomputes digests instead, as "datafetch --verify" does.
*/
package datafetch
