// Package main is the collect command.
//
// collect reads all of standard input before writing any of it to standard
// output. Placed between two stages of a pipeline it turns a streaming
// producer into one whose output appears all at once, after the producer
// has finished:
//
//	producer | collect | consumer
//
// Input is held in memfd page buffers on Linux and moved with splice(2) or
// sendfile(2) where the kernel allows; -mode buffered holds it on the heap.
//
// Configuration:
//   - Defaults for interactive use
//   - TOML file (-config or COLLECT_CONFIG)
//   - Environment variables (COLLECT_*, LOG_LEVEL, LOG_DEV)
//   - CLI flags (override everything else)
//
// Usage:
//
//	# Collect a slow producer's output
//	slow-producer | collect | sort
//
//	# Heap buffers with a 1GB ceiling, debug logs on stderr
//	collect -mode buffered -max-heap 1073741824 -v < input > output
//
// Exit status:
//   - 0: success
//   - 1: configuration or unclassified failure
//   - 3: buffer allocation failed
//   - 4: buffer mapping failed
//   - 5: transfer failed
//   - 6: input ended before its reported size
package main
