// Command blinkdb is a small shell over a blinkdb data directory: put, get,
// delete and scan keys of named indexes, check their structure and show pool
// statistics.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
