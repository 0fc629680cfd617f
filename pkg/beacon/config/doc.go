/*
Package config loads pipeline configuration from YAML or JSON files.

# Overview

Config wraps a map[string]any and provides typed accessor methods that
handle missing keys and type mismatches by returning default values.
Settings resolves a Config into the typed pipeline configuration, with
every default applied.

# Basic Usage

	s, err := config.LoadSettings("beacon.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	p, err := beacon.New("main", beacon.WithSettings(s))

Lower-level access:

	cfg, err := config.FromFile("beacon.yaml")
	batch := cfg.Sub("batch")
	size := batch.Int("size", 10)
	every := batch.String("flush_schedule", "@every 30s")

# Type Coercion

Duration accepts a time.ParseDuration string ("30s", "1h30m"), a number
of seconds, or a time.Duration. Int accepts a float64 only when it has
no fractional part.

# Live Reload

Watch reloads the file on change and hands valid settings to a
callback. Pipeline.WatchSettings wires it to the batching thresholds:

	go p.WatchSettings(ctx, "beacon.yaml")

# Thread Safety

Config is safe for concurrent read access. The underlying map is not
modified after creation.
*/
package config
