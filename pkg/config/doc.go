// Package config loads the g8r application configuration and decodes
// desired-state snapshots.
//
// # Application configuration
//
// Load reads g8r.yaml (or an explicit path) over Default, applies environment
// overrides and validates the result with struct tags:
//
//	store:
//	  driver: sqlite          # or postgres
//	  dsn: g8r.db
//	engine:
//	  concurrency: 4
//	  retry:
//	    max_attempts: 5
//	    base_delay: 1s
//	    max_delay: 1m
//	stacks:
//	  default_interval: 5m
//
// Environment overrides: G8R_STORE_DRIVER, G8R_STORE_DSN, G8R_REDIS_ADDR,
// G8R_S3_ACCESS_KEY, G8R_S3_SECRET_KEY and LOG_LEVEL.
//
// # Snapshots
//
// A snapshot is the set of rosters and duties declared under a stack's
// config_path. Every .yaml, .yml and .json file is decoded, checked against
// the built-in CUE schema and merged:
//
//	rosters:
//	  - name: prod-us
//	    type: aws
//	    traits: [aws, us-east-1]
//	duties:
//	  - name: assets
//	    type: s3_bucket
//	    backend: aws
//	    selector:
//	      traits: [aws]
//	    spec:
//	      bucket: assets-prod
//	  - name: cdn
//	    type: distribution
//	    backend: aws
//	    depends_on: [assets]
//
// Names must be unique across all files of a snapshot.
package config
