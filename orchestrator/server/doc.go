// Package server runs the administrative fiber app as a Launcher app and
// shuts it down gracefully when the launcher context ends.
package server
