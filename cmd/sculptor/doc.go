// Command sculptor edits local media files from the command line. Each
// invocation opens one editor session, runs a single operation and writes
// the result to the output file.
package main
