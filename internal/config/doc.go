// Package config defines configuration structures for the hoyosync CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (HOYOSYNC_ prefix)
//   - YAML configuration file
//
// Later sources override earlier ones through Merge.
//
// # Example
//
//	cache_url: file:///var/cache/hoyosync
//	update_check_interval: 6h
//	partition_workers: 3
//	http:
//	  timeout: 10m
//	  retry:
//	    attempts: 3
//	    backoff: 1s
//	discovery:
//	  max_listing_size: 32MiB
//	partitions:
//	  - key: gi
//	    remote_url: https://share.example.com/s/AbC1/pw
//	    local_root: ./Resources/GI
package config
